// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/kdrestaurant/kd/internal/auth"
)

// Sent is an email captured by RecordingMailer.
type Sent struct {
	Kind string
	To   string
	Code string
}

// RecordingMailer captures sent codes. Set Err to make sends fail.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []Sent

	Err error
}

// SendVerificationEmail implements auth.Mailer.
func (m *RecordingMailer) SendVerificationEmail(_ context.Context, to, code string) error {
	return m.record(auth.EmailKindVerification, to, code)
}

// SendPasswordResetOTP implements auth.Mailer.
func (m *RecordingMailer) SendPasswordResetOTP(_ context.Context, to, code string) error {
	return m.record(auth.EmailKindPasswordReset, to, code)
}

func (m *RecordingMailer) record(kind, to, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, Sent{Kind: kind, To: to, Code: code})
	return nil
}

// Sent returns every captured email.
func (m *RecordingMailer) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// LastCode returns the most recent code of kind sent to to, or "".
func (m *RecordingMailer) LastCode(kind, to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind && m.sent[i].To == to {
			return m.sent[i].Code
		}
	}
	return ""
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock set to now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Codes returns a CodeGenerator that yields codes in order and then repeats
// the last one.
func Codes(codes ...string) auth.CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}

var _ auth.Mailer = (*RecordingMailer)(nil)
