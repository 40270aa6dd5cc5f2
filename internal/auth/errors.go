// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"errors"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned by repositories when an insert collides with an
// existing email.
var ErrEmailTaken = errors.New("email already registered")

// Error codes surfaced to callers. Errors carrying these codes are always
// created fresh at the service boundary so the code is not shadowed by a
// wrapped cause.
const (
	CodeEmailTaken           = "AUTH_EMAIL_TAKEN"
	CodeInvalidEmail         = "AUTH_INVALID_EMAIL"
	CodeInvalidName          = "AUTH_INVALID_NAME"
	CodeInvalidRole          = "AUTH_INVALID_ROLE"
	CodeEmptyPassword        = "AUTH_EMPTY_PASSWORD"
	CodeUserNotFound         = "AUTH_USER_NOT_FOUND"
	CodeAlreadyVerified      = "AUTH_ALREADY_VERIFIED"
	CodeAlreadyAdmin         = "AUTH_ALREADY_ADMIN"
	CodeInvalidCode          = "AUTH_INVALID_CODE"
	CodeCodeExpired          = "AUTH_CODE_EXPIRED"
	CodeCodeAttemptsExceeded = "AUTH_CODE_ATTEMPTS_EXCEEDED"
	CodeInvalidCredentials   = "AUTH_INVALID_CREDENTIALS"
	CodeVerificationRequired = "AUTH_VERIFICATION_REQUIRED"
	CodeAccountLocked        = "AUTH_ACCOUNT_LOCKED"
	CodeTokenInvalid         = "AUTH_TOKEN_INVALID"
	CodeForbidden            = "AUTH_FORBIDDEN"
	CodeEmailSendFailed      = "AUTH_EMAIL_SEND_FAILED"
	CodeResetCodeInvalid     = "RESET_CODE_INVALID"
	CodeResetCodeExpired     = "RESET_CODE_EXPIRED"
	CodeResetCodeUsed        = "RESET_CODE_USED"
)

// Kind is the category a failure falls into at the request boundary.
type Kind string

// Error kinds.
const (
	KindInternal             Kind = "internal"
	KindConflict             Kind = "conflict"
	KindInvalidArgument      Kind = "invalid_argument"
	KindNotFound             Kind = "not_found"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindVerificationRequired Kind = "verification_required"
	KindExpired              Kind = "expired"
	KindAlreadyDone          Kind = "already_done"
	KindTooManyAttempts      Kind = "too_many_attempts"
	KindTransientFailure     Kind = "transient_failure"
)

var codeKinds = map[string]Kind{
	CodeEmailTaken:           KindConflict,
	CodeInvalidEmail:         KindInvalidArgument,
	CodeInvalidName:          KindInvalidArgument,
	CodeInvalidRole:          KindInvalidArgument,
	CodeEmptyPassword:        KindInvalidArgument,
	CodeInvalidCode:          KindInvalidArgument,
	CodeResetCodeInvalid:     KindInvalidArgument,
	CodeResetCodeUsed:        KindInvalidArgument,
	CodeUserNotFound:         KindNotFound,
	CodeInvalidCredentials:   KindUnauthorized,
	CodeTokenInvalid:         KindUnauthorized,
	CodeForbidden:            KindForbidden,
	CodeVerificationRequired: KindVerificationRequired,
	CodeCodeExpired:          KindExpired,
	CodeResetCodeExpired:     KindExpired,
	CodeAlreadyVerified:      KindAlreadyDone,
	CodeAlreadyAdmin:         KindAlreadyDone,
	CodeCodeAttemptsExceeded: KindTooManyAttempts,
	CodeAccountLocked:        KindTooManyAttempts,
	CodeEmailSendFailed:      KindTransientFailure,
}

// KindOf classifies err by its oops code. Unknown codes and plain errors are
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return KindInternal
	}
	code, _ := oopsErr.Code().(string)
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}
