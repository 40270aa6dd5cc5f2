// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Subjects of the account emails.
const (
	VerificationSubject  = "K&D - Verify Your Email Address"
	PasswordResetSubject = "K&D - Password Reset Request"
)

//go:embed templates/*.html
var templatesFS embed.FS

var layout = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

type content struct {
	Heading   string
	Intro     string
	Code      string
	ExpiresIn string
	Ignore    string
}

func verificationContent(code string) content {
	return content{
		Heading:   "Welcome to K&D Restaurant!",
		Intro:     "Thank you for registering. Please verify your email address by using the code below:",
		Code:      code,
		ExpiresIn: "24 hours",
		Ignore:    "If you didn't create an account, please ignore this email.",
	}
}

func passwordResetContent(code string) content {
	return content{
		Heading:   "Password Reset Request",
		Intro:     "You requested to reset your password. Use the OTP code below:",
		Code:      code,
		ExpiresIn: "15 minutes",
		Ignore:    "If you didn't request a password reset, please ignore this email or contact support.",
	}
}

// message is a rendered email ready for delivery.
type message struct {
	From    netmail.Address
	To      string
	Subject string
	HTML    string
}

func render(from netmail.Address, to, subject string, c content) (*message, error) {
	var body bytes.Buffer
	if err := layout.ExecuteTemplate(&body, "layout", c); err != nil {
		return nil, oops.Code("MAIL_RENDER_FAILED").With("subject", subject).Wrap(err)
	}
	return &message{From: from, To: to, Subject: subject, HTML: body.String()}, nil
}

// bytes encodes the message as RFC 5322 with CRLF line endings.
func (m *message) bytes(now time.Time) []byte {
	domain := "localhost"
	if _, d, ok := strings.Cut(m.From.Address, "@"); ok {
		domain = d
	}

	var b strings.Builder
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", m.From.String())
	header("To", m.To)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", "<"+ulid.Make().String()+"@"+domain+">")
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.HTML, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}
