// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"context"
	"log/slog"
	"time"
)

// Mailer delivers account emails.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, code string) error
	SendPasswordResetOTP(ctx context.Context, to, code string) error
}

// EmailDispatcher runs best-effort email sends. Failures are logged by the
// dispatcher and never reach the caller.
type EmailDispatcher interface {
	Dispatch(ctx context.Context, kind, to string, send func(ctx context.Context) error)
}

// Email kinds used for dispatch logging and metrics.
const (
	EmailKindVerification  = "verification"
	EmailKindPasswordReset = "password_reset"
)

// Option configures Service and ResetService.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	codes      CodeGenerator
	dispatcher EmailDispatcher
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source used for expiries and lockouts.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCodeGenerator replaces GenerateCode.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(o *options) {
		if gen != nil {
			o.codes = gen
		}
	}
}

// WithDispatcher sets how best-effort emails are sent. Without it, sends run
// inline and failures are only logged.
func WithDispatcher(d EmailDispatcher) Option {
	return func(o *options) {
		if d != nil {
			o.dispatcher = d
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		now:   time.Now,
		codes: GenerateCode,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dispatcher == nil {
		o.dispatcher = &inlineDispatcher{logger: o.logger}
	}
	return o
}

// bestEffortFailed logs a failure that does not change the request outcome.
func (o *options) bestEffortFailed(ctx context.Context, operation string, err error, attrs ...any) {
	args := append([]any{"operation", operation, "error", err}, attrs...)
	o.logger.WarnContext(ctx, "best-effort "+operation+" failed", args...)
}

// inlineDispatcher sends on the calling goroutine.
type inlineDispatcher struct {
	logger *slog.Logger
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, kind, to string, send func(ctx context.Context) error) {
	if err := send(ctx); err != nil {
		d.logger.WarnContext(ctx, "best-effort email send failed",
			"operation", "send_email",
			"kind", kind,
			"to", to,
			"error", err)
		return
	}
	d.logger.DebugContext(ctx, "email sent", "kind", kind, "to", to)
}
