// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package mail delivers account emails over SMTP and dispatches best-effort
// sends in the background.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/kdrestaurant/kd/internal/auth"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host      string        `koanf:"host"`
	Port      int           `koanf:"port"`
	Username  string        `koanf:"username"`
	Password  string        `koanf:"password"`
	FromEmail string        `koanf:"from_email"`
	FromName  string        `koanf:"from_name"`
	Timeout   time.Duration `koanf:"timeout"`
	Retries   uint64        `koanf:"retries"`
}

// DefaultSMTPConfig returns the settings used when nothing is configured.
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:      "smtp.gmail.com",
		Port:      587,
		FromEmail: "noreply@kd-restaurant.com",
		FromName:  "K&D Restaurant",
		Timeout:   10 * time.Second,
		Retries:   3,
	}
}

// deliverFunc hands a rendered message to the mail server.
type deliverFunc func(ctx context.Context, from, to string, msg []byte) error

// SMTPSender implements auth.Mailer over SMTP. Port 465 uses implicit TLS;
// other ports upgrade with STARTTLS when the server offers it.
type SMTPSender struct {
	cfg     SMTPConfig
	from    netmail.Address
	deliver deliverFunc
	backoff func() retry.Backoff
	now     func() time.Time
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("smtp host and port are required")
	}
	if _, err := netmail.ParseAddress(cfg.FromEmail); err != nil {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("from_email", cfg.FromEmail).Wrap(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &SMTPSender{
		cfg:  cfg,
		from: netmail.Address{Name: cfg.FromName, Address: cfg.FromEmail},
		now:  time.Now,
	}
	s.deliver = s.deliverSMTP
	s.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(cfg.Retries, retry.NewExponential(200*time.Millisecond))
	}
	return s, nil
}

// SendVerificationEmail implements auth.Mailer.
func (s *SMTPSender) SendVerificationEmail(ctx context.Context, to, code string) error {
	return s.send(ctx, to, VerificationSubject, verificationContent(code))
}

// SendPasswordResetOTP implements auth.Mailer.
func (s *SMTPSender) SendPasswordResetOTP(ctx context.Context, to, code string) error {
	return s.send(ctx, to, PasswordResetSubject, passwordResetContent(code))
}

func (s *SMTPSender) send(ctx context.Context, to, subject string, c content) error {
	msg, err := render(s.from, to, subject, c)
	if err != nil {
		return err
	}
	raw := msg.bytes(s.now())

	err = retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		if err := s.deliver(ctx, s.from.Address, to, raw); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("subject", subject).
			With("host", s.cfg.Host).
			Wrap(err)
	}
	return nil
}

// isTransient reports whether a delivery error is worth retrying: network
// failures and 4xx SMTP replies.
func isTransient(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *SMTPSender) deliverSMTP(ctx context.Context, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // Quit already reported the interesting error

	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return oops.Code("MAIL_AUTH_UNSUPPORTED").
				With("host", s.cfg.Host).
				With("username", s.cfg.Username).
				Errorf("smtp username is configured but the server does not offer AUTH")
		}
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close() //nolint:errcheck // write error takes precedence
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Port == 465 {
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best-effort; dial already succeeded
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // constructor error takes precedence
		return nil, err
	}
	if s.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				_ = client.Close() //nolint:errcheck // TLS error takes precedence
				return nil, err
			}
		}
	}
	return client, nil
}

var _ auth.Mailer = (*SMTPSender)(nil)
