// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/kdrestaurant/kd/internal/auth"
)

// PasswordResetRepository implements auth.PasswordResetRepository using PostgreSQL.
type PasswordResetRepository struct {
	db DB
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(db DB) *PasswordResetRepository {
	return &PasswordResetRepository{db: db}
}

// Create stores a new password reset request.
func (r *PasswordResetRepository) Create(ctx context.Context, reset *auth.PasswordReset) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO password_resets (id, email, code, expires_at, used, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, reset.ID.String(), reset.Email, reset.Code, reset.ExpiresAt, reset.Used, reset.Attempts, reset.CreatedAt)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "insert password_reset").
			With("reset_id", reset.ID.String()).
			Wrap(err)
	}
	return nil
}

// FindLatestUnused returns the newest unused reset matching email and code
// whose attempt count is below maxAttempts.
func (r *PasswordResetRepository) FindLatestUnused(ctx context.Context, email, code string, maxAttempts int) (*auth.PasswordReset, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, email, code, expires_at, used, attempts, created_at
		FROM password_resets
		WHERE email = $1 AND code = $2 AND used = false AND attempts < $3
		ORDER BY created_at DESC
		LIMIT 1
	`, email, code, maxAttempts)

	reset, err := scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// MarkUsed consumes the reset. Only one caller can flip a given row, so of
// two concurrent resets with the same code exactly one sees success.
func (r *PasswordResetRepository) MarkUsed(ctx context.Context, id ulid.ULID) error {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE password_resets SET used = true WHERE id = $1 AND used = false
	`, id.String())
	if err != nil {
		return oops.Code("RESET_MARK_USED_FAILED").
			With("operation", "mark password_reset used").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("RESET_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// InvalidateOutstanding marks every unused reset for email as used.
func (r *PasswordResetRepository) InvalidateOutstanding(ctx context.Context, email string) (int64, error) {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE password_resets SET used = true WHERE email = $1 AND used = false
	`, email)
	if err != nil {
		return 0, oops.Code("RESET_INVALIDATE_FAILED").
			With("operation", "invalidate outstanding password_resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// RecordFailedAttempt counts a wrong guess against every live reset for email.
func (r *PasswordResetRepository) RecordFailedAttempt(ctx context.Context, email string, now time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE password_resets SET attempts = attempts + 1
		WHERE email = $1 AND used = false AND expires_at >= $2
	`, email, now)
	if err != nil {
		return oops.Code("RESET_RECORD_ATTEMPT_FAILED").
			With("operation", "increment password_reset attempts").
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes resets that expired before the cutoff and returns
// the count.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := conn(ctx, r.db).Exec(ctx, `
		DELETE FROM password_resets WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired password_resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanReset scans a single row into a PasswordReset.
// Callers are responsible for handling pgx.ErrNoRows.
func scanReset(row pgx.Row) (*auth.PasswordReset, error) {
	var (
		idStr string
		reset auth.PasswordReset
	)
	err := row.Scan(&idStr, &reset.Email, &reset.Code, &reset.ExpiresAt, &reset.Used, &reset.Attempts, &reset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("RESET_SCAN_FAILED").
			With("operation", "scan password_reset").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").
			With("operation", "parse reset id").
			With("id", idStr).
			Wrap(err)
	}
	reset.ID = id
	return &reset, nil
}

// Compile-time interface check.
var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)
