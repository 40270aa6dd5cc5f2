// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/samber/oops"
)

// Code lifetimes.
const (
	VerificationCodeExpiry = 24 * time.Hour
	ResetCodeExpiry        = 15 * time.Minute
)

// CodeLength is the number of digits in verification and reset codes.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// CodeGenerator produces one-time codes.
type CodeGenerator func() (string, error)

// GenerateCode returns a uniformly random 6-digit decimal string from
// crypto/rand, with leading zeros preserved.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", oops.Code("AUTH_CODE_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsWellFormedCode reports whether code is exactly six ASCII digits.
func IsWellFormedCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// codesEqual compares codes in constant time.
func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
