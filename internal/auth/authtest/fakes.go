// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package authtest provides in-memory fakes for auth tests.
package authtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kdrestaurant/kd/internal/auth"
)

// UserStore is an in-memory auth.UserRepository.
type UserStore struct {
	mu    sync.Mutex
	users map[ulid.ULID]*auth.User

	// Err, when set, is returned by every method.
	Err error
}

// NewUserStore creates an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[ulid.ULID]*auth.User)}
}

func clone(u *auth.User) *auth.User {
	c := *u
	if u.VerificationCode != nil {
		code := *u.VerificationCode
		c.VerificationCode = &code
	}
	if u.VerificationExpiresAt != nil {
		exp := *u.VerificationExpiresAt
		c.VerificationExpiresAt = &exp
	}
	if u.LockedUntil != nil {
		lu := *u.LockedUntil
		c.LockedUntil = &lu
	}
	return &c
}

// Create implements auth.UserRepository.
func (s *UserStore) Create(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return auth.ErrEmailTaken
		}
	}
	s.users[user.ID] = clone(user)
	return nil
}

// GetByID implements auth.UserRepository.
func (s *UserStore) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return clone(u), nil
}

// GetByEmail implements auth.UserRepository.
func (s *UserStore) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.Email == email {
			return clone(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

// Exists implements auth.UserRepository.
func (s *UserStore) Exists(ctx context.Context, email string) (bool, error) {
	_, err := s.GetByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// lookup returns the stored user with id. Callers hold s.mu.
func (s *UserStore) lookup(id ulid.ULID) (*auth.User, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u, nil
}

// ReplaceVerificationCode implements auth.UserRepository.
func (s *UserStore) ReplaceVerificationCode(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(user.ID)
	if err != nil {
		return err
	}
	if u.IsVerified || user.VerificationCode == nil {
		return auth.ErrNotFound
	}
	u.IssueVerificationCode(*user.VerificationCode, user.UpdatedAt)
	return nil
}

// RecordVerificationFailure implements auth.UserRepository.
func (s *UserStore) RecordVerificationFailure(_ context.Context, id ulid.ULID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}
	if !u.IsVerified {
		u.VerificationAttempts++
		u.UpdatedAt = now
	}
	return nil
}

// MarkVerified implements auth.UserRepository.
func (s *UserStore) MarkVerified(_ context.Context, id ulid.ULID, code string, maxAttempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(id)
	if err != nil {
		return err
	}
	if u.IsVerified || u.VerificationCode == nil || *u.VerificationCode != code || u.VerificationAttempts >= maxAttempts {
		return auth.ErrNotFound
	}
	u.MarkVerified(now)
	return nil
}

// RecordLoginFailure implements auth.UserRepository.
func (s *UserStore) RecordLoginFailure(_ context.Context, id ulid.ULID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil
		}
		return err
	}
	u.RecordFailure(now)
	return nil
}

// RecordLoginSuccess implements auth.UserRepository.
func (s *UserStore) RecordLoginSuccess(_ context.Context, id ulid.ULID, verifiedHash, newHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(id)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if u.PasswordHash != verifiedHash {
		return false, nil
	}
	u.PasswordHash = newHash
	u.RecordSuccess(now)
	return true, nil
}

// ChangeRole implements auth.UserRepository.
func (s *UserStore) ChangeRole(_ context.Context, id ulid.ULID, from, to auth.Role, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(id)
	if errors.Is(err, auth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if u.Role != from {
		return false, nil
	}
	u.Role = to
	u.UpdatedAt = now
	return true, nil
}

// UpdatePassword implements auth.UserRepository.
func (s *UserStore) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.FailedAttempts, u.LockedUntil = auth.ResetOnSuccess()
	u.UpdatedAt = time.Now()
	return nil
}

// List implements auth.UserRepository.
func (s *UserStore) List(_ context.Context) ([]*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]*auth.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, clone(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

// Put stores user directly, bypassing uniqueness checks.
func (s *UserStore) Put(user *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = clone(user)
}

// Len returns the number of stored users.
func (s *UserStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// ResetStore is an in-memory auth.PasswordResetRepository.
type ResetStore struct {
	mu     sync.Mutex
	resets []*auth.PasswordReset

	// Err, when set, is returned by every method.
	Err error
}

// NewResetStore creates an empty ResetStore.
func NewResetStore() *ResetStore {
	return &ResetStore{}
}

// Create implements auth.PasswordResetRepository.
func (s *ResetStore) Create(_ context.Context, reset *auth.PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c := *reset
	s.resets = append(s.resets, &c)
	return nil
}

// FindLatestUnused implements auth.PasswordResetRepository.
func (s *ResetStore) FindLatestUnused(_ context.Context, email, code string, maxAttempts int) (*auth.PasswordReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var latest *auth.PasswordReset
	for _, r := range s.resets {
		if r.Email != email || r.Code != code || r.Used || r.Attempts >= maxAttempts {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, auth.ErrNotFound
	}
	c := *latest
	return &c, nil
}

// MarkUsed implements auth.PasswordResetRepository.
func (s *ResetStore) MarkUsed(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, r := range s.resets {
		if r.ID == id && !r.Used {
			r.Used = true
			return nil
		}
	}
	return auth.ErrNotFound
}

// InvalidateOutstanding implements auth.PasswordResetRepository.
func (s *ResetStore) InvalidateOutstanding(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, r := range s.resets {
		if r.Email == email && !r.Used {
			r.Used = true
			n++
		}
	}
	return n, nil
}

// RecordFailedAttempt implements auth.PasswordResetRepository.
func (s *ResetStore) RecordFailedAttempt(_ context.Context, email string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, r := range s.resets {
		if r.Email == email && !r.Used && !r.IsExpired(now) {
			r.Attempts++
		}
	}
	return nil
}

// DeleteExpired implements auth.PasswordResetRepository.
func (s *ResetStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	kept := s.resets[:0]
	var n int64
	for _, r := range s.resets {
		if r.ExpiresAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.resets = kept
	return n, nil
}

// All returns copies of every stored reset in insertion order.
func (s *ResetStore) All() []auth.PasswordReset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.PasswordReset, 0, len(s.resets))
	for _, r := range s.resets {
		out = append(out, *r)
	}
	return out
}

// Transactor runs functions directly, without a transaction. Fn errors are
// returned unchanged.
type Transactor struct{}

// InTransaction implements auth.Transactor.
func (Transactor) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Verify interfaces are satisfied.
var (
	_ auth.UserRepository          = (*UserStore)(nil)
	_ auth.PasswordResetRepository = (*ResetStore)(nil)
	_ auth.Transactor              = Transactor{}
)

// PrefixHasher is a fast, insecure auth.PasswordHasher for tests.
type PrefixHasher struct{}

// Hash implements auth.PasswordHasher.
func (PrefixHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", auth.ErrEmptyPassword
	}
	return "hashed:" + password, nil
}

// Verify implements auth.PasswordHasher.
func (PrefixHasher) Verify(password, hash string) (bool, error) {
	if len(hash) < len("hashed:") || hash[:len("hashed:")] != "hashed:" {
		return false, errors.New("invalid hash format")
	}
	return hash == "hashed:"+password, nil
}

// NeedsUpgrade implements auth.PasswordHasher.
func (PrefixHasher) NeedsUpgrade(string) bool { return false }

var _ auth.PasswordHasher = PrefixHasher{}
