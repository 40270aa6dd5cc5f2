// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package mail

import (
	"context"
	"log/slog"

	"github.com/kdrestaurant/kd/internal/auth"
)

// LogSender implements auth.Mailer by logging codes instead of sending
// them. For local development when no SMTP host is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger means slog.Default().
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// SendVerificationEmail implements auth.Mailer.
func (s *LogSender) SendVerificationEmail(ctx context.Context, to, code string) error {
	s.logger.InfoContext(ctx, "email not sent, smtp disabled",
		"subject", VerificationSubject, "to", to, "code", code)
	return nil
}

// SendPasswordResetOTP implements auth.Mailer.
func (s *LogSender) SendPasswordResetOTP(ctx context.Context, to, code string) error {
	s.logger.InfoContext(ctx, "email not sent, smtp disabled",
		"subject", PasswordResetSubject, "to", to, "code", code)
	return nil
}

var _ auth.Mailer = (*LogSender)(nil)
