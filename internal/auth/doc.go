// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package auth implements account registration, email verification, login
// and password recovery for the K&D ordering platform.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewUser - creates a User with validated email, name, hash and role
//   - NewPasswordReset - creates a PasswordReset with a validated code and expiry
//
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - register, verify email, resend verification, login, admin actions
//   - ResetService - forgot password, OTP pre-check, password reset
//   - TokenIssuer - signs and validates bearer tokens
//
// Services are created with New* constructors that validate dependencies.
//
// Verification and reset codes follow the same lifecycle: a code is issued,
// then ends consumed, expired, superseded by a newer code, or exhausted by
// too many wrong guesses. No terminal code is ever revived.
package auth
