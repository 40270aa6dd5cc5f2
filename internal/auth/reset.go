// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// PasswordReset is a one-time reset code issued to an email address. It is
// keyed by email rather than by user.
type PasswordReset struct {
	ID        ulid.ULID
	Email     string
	Code      string
	ExpiresAt time.Time
	Used      bool
	Attempts  int
	CreatedAt time.Time
}

// NewPasswordReset creates an unused reset for email valid until
// now+ResetCodeExpiry.
func NewPasswordReset(email, code string, now time.Time) (*PasswordReset, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if !IsWellFormedCode(code) {
		return nil, oops.Code("RESET_CODE_MALFORMED").Errorf("reset code must be %d digits", CodeLength)
	}
	return &PasswordReset{
		ID:        ulid.Make(),
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(ResetCodeExpiry),
		CreatedAt: now,
	}, nil
}

// IsExpired returns true if the reset code has expired at now.
func (r *PasswordReset) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// PasswordResetRepository manages password reset persistence.
type PasswordResetRepository interface {
	// Create stores a new password reset request.
	Create(ctx context.Context, reset *PasswordReset) error

	// FindLatestUnused returns the most recently created unused reset for
	// email whose code matches and whose attempt count is below maxAttempts.
	// Expired rows are returned; callers check expiry. Returns ErrNotFound
	// if nothing matches.
	FindLatestUnused(ctx context.Context, email, code string, maxAttempts int) (*PasswordReset, error)

	// MarkUsed flips used from false to true. Returns ErrNotFound if the row
	// does not exist or was already used.
	MarkUsed(ctx context.Context, id ulid.ULID) error

	// InvalidateOutstanding marks every unused reset for email as used and
	// returns how many rows changed.
	InvalidateOutstanding(ctx context.Context, email string) (int64, error)

	// RecordFailedAttempt increments the attempt counter on every unused,
	// unexpired reset for email.
	RecordFailedAttempt(ctx context.Context, email string, now time.Time) error

	// DeleteExpired removes resets that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Transactor runs fn in a database transaction. Repositories called with
// the context passed to fn participate in the transaction.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
