// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"time"
)

// Attempt limits.
const (
	// LockoutDuration is the time an account is locked after too many failed logins.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of failed logins that triggers a lockout.
	LockoutThreshold = 7

	// MaxCodeAttempts is the number of wrong guesses a verification code or
	// an email's outstanding reset codes tolerate before they stop matching.
	MaxCodeAttempts = 5
)

// IsLockedOut returns true if the lockout time is after now.
func IsLockedOut(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// ComputeLockoutTime returns the lockout timestamp for the given failure count.
// Returns nil if failures < LockoutThreshold.
func ComputeLockoutTime(failures int, now time.Time) *time.Time {
	if failures < LockoutThreshold {
		return nil
	}
	lockout := now.Add(LockoutDuration)
	return &lockout
}

// ResetOnSuccess returns the values to set after a successful login.
// Returns 0 for failed_attempts and nil for locked_until.
func ResetOnSuccess() (int, *time.Time) {
	return 0, nil
}

// CodeAttemptsExhausted reports whether attempts has reached MaxCodeAttempts.
func CodeAttemptsExhausted(attempts int) bool {
	return attempts >= MaxCodeAttempts
}
