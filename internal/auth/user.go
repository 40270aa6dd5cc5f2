// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Role is the authorization level of a user.
type Role string

// Known roles.
const (
	RoleUser  Role = "User"
	RoleAdmin Role = "Admin"
)

// ParseRole validates a client supplied role. An empty value means RoleUser.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", oops.Code(CodeInvalidRole).
			With("role", s).
			Errorf("role must be one of %q or %q", RoleUser, RoleAdmin)
	}
}

// User is a registered account.
//
// Email is matched exactly; no case folding is applied.
type User struct {
	ID                    ulid.ULID
	Email                 string
	PasswordHash          string
	FullName              string
	Role                  Role
	IsVerified            bool
	VerificationCode      *string
	VerificationExpiresAt *time.Time
	VerificationAttempts  int
	FailedAttempts        int
	LockedUntil           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// UserView is the public projection of a User. The password hash and
// verification state never leave the service through it.
type UserView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     Role   `json:"role"`
}

// ValidateEmail checks the minimal shape of an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code(CodeInvalidEmail).Errorf("email is required")
	}
	if strings.TrimSpace(email) != email {
		return oops.Code(CodeInvalidEmail).Errorf("email must not have leading or trailing whitespace")
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return oops.Code(CodeInvalidEmail).With("email", email).Errorf("email is not a valid address")
	}
	return nil
}

// NewUser creates an unverified User with a new ID.
func NewUser(email, fullName, passwordHash string, role Role, now time.Time) (*User, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fullName) == "" {
		return nil, oops.Code(CodeInvalidName).Errorf("full name is required")
	}
	if passwordHash == "" {
		return nil, oops.Code(CodeEmptyPassword).Errorf("password hash cannot be empty")
	}
	if role != RoleUser && role != RoleAdmin {
		return nil, oops.Code(CodeInvalidRole).With("role", string(role)).Errorf("unknown role")
	}
	return &User{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		FullName:     fullName,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// View returns the public projection of u.
func (u *User) View() UserView {
	return UserView{
		ID:       u.ID.String(),
		Email:    u.Email,
		FullName: u.FullName,
		Role:     u.Role,
	}
}

// IssueVerificationCode replaces any pending code with code, valid until
// now+VerificationCodeExpiry.
func (u *User) IssueVerificationCode(code string, now time.Time) {
	expires := now.Add(VerificationCodeExpiry)
	u.VerificationCode = &code
	u.VerificationExpiresAt = &expires
	u.VerificationAttempts = 0
	u.IsVerified = false
	u.UpdatedAt = now
}

// MarkVerified sets the verified flag and clears the pending code.
func (u *User) MarkVerified(now time.Time) {
	u.IsVerified = true
	u.VerificationCode = nil
	u.VerificationExpiresAt = nil
	u.VerificationAttempts = 0
	u.UpdatedAt = now
}

// VerificationExpired reports whether the pending code is past its expiry.
// A user without an expiry is treated as expired.
func (u *User) VerificationExpired(now time.Time) bool {
	return u.VerificationExpiresAt == nil || now.After(*u.VerificationExpiresAt)
}

// RecordFailure increments the failed login counter and locks the account
// once the lockout threshold is reached.
func (u *User) RecordFailure(now time.Time) {
	u.FailedAttempts++
	u.LockedUntil = ComputeLockoutTime(u.FailedAttempts, now)
	u.UpdatedAt = now
}

// RecordSuccess clears the failed login counter and any lockout.
func (u *User) RecordSuccess(now time.Time) {
	u.FailedAttempts, u.LockedUntil = ResetOnSuccess()
	u.UpdatedAt = now
}

// IsLocked reports whether the account is locked at now.
func (u *User) IsLocked(now time.Time) bool {
	return IsLockedOut(u.LockedUntil, now)
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create persists a new user. Returns an error wrapping ErrEmailTaken
	// if the email is already registered.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by exact email. Returns ErrNotFound if absent.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Exists reports whether a user with the exact email is registered.
	Exists(ctx context.Context, email string) (bool, error)

	// ReplaceVerificationCode stores user's pending code and expiry and
	// resets its attempt counter. Returns ErrNotFound if the user is
	// missing or already verified.
	ReplaceVerificationCode(ctx context.Context, user *User) error

	// RecordVerificationFailure increments the wrong-code counter of the
	// pending verification code.
	RecordVerificationFailure(ctx context.Context, id ulid.ULID, now time.Time) error

	// MarkVerified verifies the user if code is still the pending code and
	// fewer than maxAttempts wrong guesses were made. Returns ErrNotFound
	// otherwise.
	MarkVerified(ctx context.Context, id ulid.ULID, code string, maxAttempts int, now time.Time) error

	// RecordLoginFailure increments the failed login counter and locks the
	// account for LockoutDuration once it reaches LockoutThreshold.
	RecordLoginFailure(ctx context.Context, id ulid.ULID, now time.Time) error

	// RecordLoginSuccess clears login lockout and stores newHash, but only
	// while the stored hash still equals verifiedHash. Reports false when
	// the password changed since it was verified.
	RecordLoginSuccess(ctx context.Context, id ulid.ULID, verifiedHash, newHash string, now time.Time) (bool, error)

	// ChangeRole sets the role to "to" if it is currently "from". Reports
	// whether the row changed.
	ChangeRole(ctx context.Context, id ulid.ULID, from, to Role, now time.Time) (bool, error)

	// UpdatePassword replaces the password hash and clears login lockout.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// List returns all users ordered by creation time.
	List(ctx context.Context) ([]*User, error)
}
