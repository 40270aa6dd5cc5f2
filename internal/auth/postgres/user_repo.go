// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/kdrestaurant/kd/internal/auth"
)

const userColumns = `id, email, password_hash, full_name, role, is_verified,
	verification_code, verification_expires_at, verification_attempts,
	failed_attempts, locked_until, created_at, updated_at`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	db DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create stores a new user. A unique violation on email is reported as
// auth.ErrEmailTaken.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		user.ID.String(),
		user.Email,
		user.PasswordHash,
		user.FullName,
		string(user.Role),
		user.IsVerified,
		user.VerificationCode,
		user.VerificationExpiresAt,
		user.VerificationAttempts,
		user.FailedAttempts,
		user.LockedUntil,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("USER_EMAIL_TAKEN").
				With("constraint", pgErr.ConstraintName).
				Wrap(auth.ErrEmailTaken)
		}
		return oops.Code("USER_CREATE_FAILED").
			With("operation", "insert user").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_ID_FAILED").
			With("operation", "get user by id").
			With("id", id.String()).
			Wrap(err)
	}
	return user, nil
}

// GetByEmail retrieves a user by exact email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)

	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("USER_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("USER_GET_BY_EMAIL_FAILED").
			With("operation", "get user by email").
			Wrap(err)
	}
	return user, nil
}

// Exists reports whether email is registered.
func (r *UserRepository) Exists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := conn(ctx, r.db).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, oops.Code("USER_EXISTS_FAILED").
			With("operation", "check email exists").
			Wrap(err)
	}
	return exists, nil
}

// ReplaceVerificationCode stores the user's pending code and expiry and
// resets its attempt counter. Verified users are left untouched.
func (r *UserRepository) ReplaceVerificationCode(ctx context.Context, user *auth.User) error {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			verification_code = $2,
			verification_expires_at = $3,
			verification_attempts = 0,
			updated_at = $4
		WHERE id = $1 AND NOT is_verified
	`, user.ID.String(), user.VerificationCode, user.VerificationExpiresAt, user.UpdatedAt)
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "replace verification code").
			With("user_id", user.ID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("user_id", user.ID.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// RecordVerificationFailure increments the wrong-code counter.
func (r *UserRepository) RecordVerificationFailure(ctx context.Context, id ulid.ULID, now time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			verification_attempts = verification_attempts + 1,
			updated_at = $2
		WHERE id = $1 AND NOT is_verified
	`, id.String(), now)
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "record verification failure").
			With("user_id", id.String()).
			Wrap(err)
	}
	return nil
}

// MarkVerified verifies the user if code is still pending and not exhausted.
func (r *UserRepository) MarkVerified(ctx context.Context, id ulid.ULID, code string, maxAttempts int, now time.Time) error {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			is_verified = true,
			verification_code = NULL,
			verification_expires_at = NULL,
			verification_attempts = 0,
			updated_at = $4
		WHERE id = $1
			AND NOT is_verified
			AND verification_code = $2
			AND verification_attempts < $3
	`, id.String(), code, maxAttempts, now)
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "mark verified").
			With("user_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_VERIFICATION_STALE").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// RecordLoginFailure increments failed_attempts in place and sets
// locked_until once the new count reaches auth.LockoutThreshold.
func (r *UserRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, now time.Time) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			failed_attempts = failed_attempts + 1,
			locked_until = CASE
				WHEN failed_attempts + 1 >= $2::int THEN $3::timestamptz
				ELSE NULL
			END,
			updated_at = $4
		WHERE id = $1
	`, id.String(), auth.LockoutThreshold, now.Add(auth.LockoutDuration), now)
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").
			With("operation", "record login failure").
			With("user_id", id.String()).
			Wrap(err)
	}
	return nil
}

// RecordLoginSuccess clears lockout and stores newHash while password_hash
// still equals verifiedHash.
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id ulid.ULID, verifiedHash, newHash string, now time.Time) (bool, error) {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			password_hash = $3,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = $4
		WHERE id = $1 AND password_hash = $2
	`, id.String(), verifiedHash, newHash, now)
	if err != nil {
		return false, oops.Code("USER_UPDATE_FAILED").
			With("operation", "record login success").
			With("user_id", id.String()).
			Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// ChangeRole moves the user from one role to another.
func (r *UserRepository) ChangeRole(ctx context.Context, id ulid.ULID, from, to auth.Role, now time.Time) (bool, error) {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET role = $3, updated_at = $4
		WHERE id = $1 AND role = $2
	`, id.String(), string(from), string(to), now)
	if err != nil {
		return false, oops.Code("USER_UPDATE_FAILED").
			With("operation", "change role").
			With("user_id", id.String()).
			Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdatePassword replaces the password hash and clears lockout state.
func (r *UserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	result, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE users SET
			password_hash = $2,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = $3
		WHERE id = $1
	`, id.String(), passwordHash, time.Now())
	if err != nil {
		return oops.Code("USER_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("user_id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("USER_NOT_FOUND").With("user_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// List returns all users ordered by creation time.
func (r *UserRepository) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "list users").Wrap(err)
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, oops.Code("USER_LIST_FAILED").With("operation", "scan user row").Wrap(err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "iterate users").Wrap(err)
	}
	return users, nil
}

// scanUser scans a single row into a User.
// Callers are responsible for handling pgx.ErrNoRows.
func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		idStr string
		role  string
		user  auth.User
	)
	err := row.Scan(
		&idStr,
		&user.Email,
		&user.PasswordHash,
		&user.FullName,
		&role,
		&user.IsVerified,
		&user.VerificationCode,
		&user.VerificationExpiresAt,
		&user.VerificationAttempts,
		&user.FailedAttempts,
		&user.LockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("USER_SCAN_FAILED").With("operation", "scan user").Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("USER_INVALID_ID").
			With("operation", "parse user id").
			With("id", idStr).
			Wrap(err)
	}
	user.ID = id
	user.Role = auth.Role(role)
	return &user, nil
}

// Compile-time interface check.
var _ auth.UserRepository = (*UserRepository)(nil)
