// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
)

// ForgotPasswordMessage is returned by every forgot-password request,
// whether or not the email is registered.
const ForgotPasswordMessage = "If an account with that email exists, a password reset code has been sent."

// ResetService handles the forgot-password flow.
type ResetService struct {
	*options
	users  UserRepository
	resets PasswordResetRepository
	tx     Transactor
	hasher PasswordHasher
	mailer Mailer
}

// NewResetService creates a new ResetService.
func NewResetService(
	users UserRepository,
	resets PasswordResetRepository,
	tx Transactor,
	hasher PasswordHasher,
	mailer Mailer,
	opts ...Option,
) (*ResetService, error) {
	if users == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("user repository is required")
	}
	if resets == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("reset repository is required")
	}
	if tx == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("transactor is required")
	}
	if hasher == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if mailer == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("mailer is required")
	}
	return &ResetService{
		options: newOptions(opts),
		users:   users,
		resets:  resets,
		tx:      tx,
		hasher:  hasher,
		mailer:  mailer,
	}, nil
}

// ForgotPassword issues a reset code for email if it belongs to a user and
// emails it best-effort. The caller always gets ForgotPasswordMessage so the
// response does not reveal whether the account exists.
func (s *ResetService) ForgotPassword(ctx context.Context, email string) (err error) {
	defer func() { recordOperation("forgot_password", err) }()

	if err := ValidateEmail(email); err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.logger.DebugContext(ctx, "password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "get user by email").Wrap(err)
	}

	code, err := s.codes()
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "generate code").Wrap(err)
	}
	reset, err := NewPasswordReset(user.Email, code, s.now())
	if err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "new password reset").Wrap(err)
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return oops.Code("RESET_REQUEST_FAILED").With("operation", "create password reset").Wrap(err)
	}

	s.logger.InfoContext(ctx, "password reset issued", "user_id", user.ID.String(), "reset_id", reset.ID.String())
	s.dispatcher.Dispatch(ctx, EmailKindPasswordReset, user.Email, func(ctx context.Context) error {
		return s.mailer.SendPasswordResetOTP(ctx, user.Email, code)
	})
	return nil
}

// findValidReset returns the newest usable reset for (email, code). A miss
// counts as a wrong guess against the email's outstanding codes.
func (s *ResetService) findValidReset(ctx context.Context, email, code string) (*PasswordReset, error) {
	now := s.now()
	if IsWellFormedCode(code) {
		reset, err := s.resets.FindLatestUnused(ctx, email, code, MaxCodeAttempts)
		switch {
		case err == nil:
			if reset.IsExpired(now) {
				return nil, oops.Code(CodeResetCodeExpired).Errorf("reset code has expired")
			}
			return reset, nil
		case !errors.Is(err, ErrNotFound):
			return nil, oops.Code("RESET_LOOKUP_FAILED").With("operation", "find reset").Wrap(err)
		}
	}

	if err := s.resets.RecordFailedAttempt(ctx, email, now); err != nil {
		s.bestEffortFailed(ctx, "record_reset_attempt", err)
	}
	return nil, oops.Code(CodeResetCodeInvalid).Errorf("invalid or expired reset code")
}

// VerifyOTP checks that code is currently valid for email without
// consuming it.
func (s *ResetService) VerifyOTP(ctx context.Context, email, code string) (err error) {
	defer func() { recordOperation("verify_otp", err) }()

	_, err = s.findValidReset(ctx, email, code)
	return err
}

// ResetPassword consumes code and replaces the user's password. Every other
// outstanding code for the email is invalidated in the same transaction.
// Of two concurrent calls with the same code, exactly one succeeds.
func (s *ResetService) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer func() { recordOperation("reset_password", err) }()

	if newPassword == "" {
		return oops.Code(CodeEmptyPassword).Errorf("new password cannot be empty")
	}

	reset, err := s.findValidReset(ctx, email, code)
	if err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return oops.Code(CodeUserNotFound).Errorf("user not found")
	}
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "get user by email").Wrap(err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").With("operation", "hash password").Wrap(err)
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.resets.MarkUsed(ctx, reset.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return oops.Code(CodeResetCodeUsed).Errorf("reset code has already been used")
			}
			return oops.Code("RESET_PASSWORD_FAILED").With("operation", "mark reset used").Wrap(err)
		}
		if _, err := s.resets.InvalidateOutstanding(ctx, email); err != nil {
			return oops.Code("RESET_PASSWORD_FAILED").With("operation", "invalidate outstanding resets").Wrap(err)
		}
		if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
			return oops.Code("RESET_PASSWORD_FAILED").With("operation", "update password").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID.String(), "reset_id", reset.ID.String())
	return nil
}

// PurgeExpired deletes resets that expired more than retention ago and
// returns how many were removed.
func (s *ResetService) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.resets.DeleteExpired(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, oops.Code("RESET_PURGE_FAILED").Wrap(err)
	}
	return n, nil
}
