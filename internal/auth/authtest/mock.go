// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package authtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/kdrestaurant/kd/internal/auth"
)

// MockMailer is a testify mock of auth.Mailer.
type MockMailer struct {
	mock.Mock
}

// NewMockMailer creates a MockMailer whose expectations are asserted when
// the test ends.
func NewMockMailer(t *testing.T) *MockMailer {
	t.Helper()
	m := &MockMailer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// SendVerificationEmail implements auth.Mailer.
func (m *MockMailer) SendVerificationEmail(ctx context.Context, to, code string) error {
	args := m.Called(ctx, to, code)
	return args.Error(0)
}

// SendPasswordResetOTP implements auth.Mailer.
func (m *MockMailer) SendPasswordResetOTP(ctx context.Context, to, code string) error {
	args := m.Called(ctx, to, code)
	return args.Error(0)
}

var _ auth.Mailer = (*MockMailer)(nil)
