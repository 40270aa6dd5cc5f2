// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package mail

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdrestaurant/kd/pkg/errutil"
)

func newTestSender(t *testing.T, deliver deliverFunc) *SMTPSender {
	t.Helper()
	cfg := DefaultSMTPConfig()
	s, err := NewSMTPSender(cfg)
	require.NoError(t, err)
	s.deliver = deliver
	s.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestNewSMTPSender_Validation(t *testing.T) {
	cfg := DefaultSMTPConfig()
	cfg.Host = ""
	_, err := NewSMTPSender(cfg)
	errutil.AssertErrorCode(t, err, "MAIL_CONFIG_INVALID")

	cfg = DefaultSMTPConfig()
	cfg.FromEmail = "not an address"
	_, err = NewSMTPSender(cfg)
	errutil.AssertErrorCode(t, err, "MAIL_CONFIG_INVALID")
}

func TestSMTPSender_RendersVerificationEmail(t *testing.T) {
	var got []byte
	s := newTestSender(t, func(_ context.Context, from, to string, msg []byte) error {
		assert.Equal(t, "noreply@kd-restaurant.com", from)
		assert.Equal(t, "a@x.com", to)
		got = msg
		return nil
	})

	require.NoError(t, s.SendVerificationEmail(context.Background(), "a@x.com", "004521"))

	head, body, ok := strings.Cut(string(got), "\r\n\r\n")
	require.True(t, ok, "headers and body are separated by a blank line")
	assert.Contains(t, head, "Subject: K&D - Verify Your Email Address\r\n")
	assert.Contains(t, head, `From: "K&D Restaurant" <noreply@kd-restaurant.com>`)
	assert.Contains(t, head, "To: a@x.com\r\n")
	assert.Contains(t, head, "Content-Type: text/html")
	assert.Contains(t, body, ">004521</h1>")
	assert.Contains(t, body, "24 hours")
	assert.NotContains(t, strings.ReplaceAll(body, "\r\n", ""), "\n", "body uses CRLF line endings")
}

func TestSMTPSender_RendersPasswordResetEmail(t *testing.T) {
	var got string
	s := newTestSender(t, func(_ context.Context, _, _ string, msg []byte) error {
		got = string(msg)
		return nil
	})

	require.NoError(t, s.SendPasswordResetOTP(context.Background(), "a@x.com", "731902"))
	assert.Contains(t, got, "Subject: K&D - Password Reset Request\r\n")
	assert.Contains(t, got, "731902")
	assert.Contains(t, got, "15 minutes")
}

func TestSMTPSender_Retries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		calls := 0
		s := newTestSender(t, func(context.Context, string, string, []byte) error {
			calls++
			if calls < 3 {
				return &textproto.Error{Code: 421, Msg: "try again later"}
			}
			return nil
		})
		require.NoError(t, s.SendVerificationEmail(context.Background(), "a@x.com", "004521"))
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		calls := 0
		s := newTestSender(t, func(context.Context, string, string, []byte) error {
			calls++
			return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
		})
		err := s.SendVerificationEmail(context.Background(), "a@x.com", "004521")
		errutil.AssertErrorCode(t, err, "MAIL_SEND_FAILED")
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		calls := 0
		s := newTestSender(t, func(context.Context, string, string, []byte) error {
			calls++
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		})
		err := s.SendPasswordResetOTP(context.Background(), "a@x.com", "004521")
		errutil.AssertErrorCode(t, err, "MAIL_SEND_FAILED")
		assert.Equal(t, 3, calls)
	})
}

// fakeSMTPServer accepts one plain-text SMTP session and records the DATA.
type fakeSMTPServer struct {
	ln   net.Listener
	mu   sync.Mutex
	rcpt []string
	data string
	done chan struct{}
}

func startFakeSMTP(t *testing.T) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeSMTPServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() {
		_ = ln.Close()
		<-srv.done
	})
	go srv.serve()
	return srv
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	reply := func(line string) { _ = tp.PrintfLine("%s", line) }
	reply("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			reply("250 fake")
		case "MAIL":
			reply("250 ok")
		case "RCPT":
			s.mu.Lock()
			s.rcpt = append(s.rcpt, line)
			s.mu.Unlock()
			reply("250 ok")
		case "DATA":
			reply("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\n")
			s.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func TestSMTPSender_DeliversOverSMTP(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultSMTPConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Timeout = 5 * time.Second
	s, err := NewSMTPSender(cfg)
	require.NoError(t, err)

	require.NoError(t, s.SendVerificationEmail(context.Background(), "a@x.com", "004521"))
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"RCPT TO:<a@x.com>"}, srv.rcpt)
	assert.Contains(t, srv.data, "Subject: K&D - Verify Your Email Address")
	assert.Contains(t, srv.data, "004521")
}

func TestSMTPSender_RefusesUnauthenticatedSendWithCredentials(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultSMTPConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.Username = "kd"
	cfg.Password = "app-password"
	cfg.Timeout = 5 * time.Second
	s, err := NewSMTPSender(cfg)
	require.NoError(t, err)

	err = s.SendVerificationEmail(context.Background(), "a@x.com", "004521")
	errutil.AssertErrorCode(t, err, "MAIL_AUTH_UNSUPPORTED")
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.rcpt, "nothing is sent without the configured credentials")
	assert.Empty(t, srv.data)
}
