// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Tokens issues and validates bearer tokens.
type Tokens interface {
	Issue(user *User) (string, time.Time, error)
	Parse(token string) (*Claims, error)
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Email    string
	FullName string
	Password string
	Role     string
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      UserView
}

// Service provides registration, verification, login and user admin operations.
type Service struct {
	*options
	users  UserRepository
	hasher PasswordHasher
	tokens Tokens
	mailer Mailer
}

// NewService creates a new Service.
func NewService(users UserRepository, hasher PasswordHasher, tokens Tokens, mailer Mailer, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("user repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("token issuer is required")
	}
	if mailer == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("mailer is required")
	}
	return &Service{
		options: newOptions(opts),
		users:   users,
		hasher:  hasher,
		tokens:  tokens,
		mailer:  mailer,
	}, nil
}

// dummyPasswordHash is verified when a user doesn't exist so that login
// takes the same time for unknown emails. It never matches any password.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates an unverified account and emails a verification code.
// The email is best-effort: registration succeeds even if it cannot be sent.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (view UserView, err error) {
	defer func() { recordOperation("register", err) }()

	role, err := ParseRole(req.Role)
	if err != nil {
		return UserView{}, err
	}
	if err := ValidateEmail(req.Email); err != nil {
		return UserView{}, err
	}
	if strings.TrimSpace(req.FullName) == "" {
		return UserView{}, oops.Code(CodeInvalidName).Errorf("full name is required")
	}
	if req.Password == "" {
		return UserView{}, oops.Code(CodeEmptyPassword).Errorf("password is required")
	}

	exists, err := s.users.Exists(ctx, req.Email)
	if err != nil {
		return UserView{}, oops.Code("AUTH_REGISTER_FAILED").With("operation", "check email").Wrap(err)
	}
	if exists {
		return UserView{}, emailTaken(req.Email)
	}

	if role == RoleAdmin {
		s.logger.WarnContext(ctx, "ignoring self-service admin role at registration", "email", req.Email)
		role = RoleUser
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return UserView{}, oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	now := s.now()
	user, err := NewUser(req.Email, req.FullName, hash, role, now)
	if err != nil {
		return UserView{}, err
	}

	code, err := s.codes()
	if err != nil {
		return UserView{}, oops.Code("AUTH_REGISTER_FAILED").With("operation", "generate code").Wrap(err)
	}
	user.IssueVerificationCode(code, now)

	if err := s.users.Create(ctx, user); err != nil {
		// The unique index decides concurrent registrations of the same email.
		if errors.Is(err, ErrEmailTaken) {
			return UserView{}, emailTaken(req.Email)
		}
		return UserView{}, oops.Code("AUTH_REGISTER_FAILED").With("operation", "create user").Wrap(err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	s.dispatcher.Dispatch(ctx, EmailKindVerification, user.Email, func(ctx context.Context) error {
		return s.mailer.SendVerificationEmail(ctx, user.Email, code)
	})

	return user.View(), nil
}

func emailTaken(email string) error {
	return oops.Code(CodeEmailTaken).With("email", email).Errorf("an account with this email already exists")
}

// lookupUser maps a missing user to a NotFound error.
func (s *Service) lookupUser(ctx context.Context, email, operation string) (*User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code(CodeUserNotFound).Errorf("user not found")
	}
	if err != nil {
		return nil, oops.Code("AUTH_LOOKUP_FAILED").With("operation", operation).Wrap(err)
	}
	return user, nil
}

// VerifyEmail checks code against the user's pending verification code and
// marks the account verified on a match.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (err error) {
	defer func() { recordOperation("verify_email", err) }()

	user, err := s.lookupUser(ctx, email, "verify email")
	if err != nil {
		return err
	}
	if user.IsVerified {
		return oops.Code(CodeAlreadyVerified).Errorf("email is already verified")
	}
	if user.VerificationCode == nil {
		return oops.Code(CodeInvalidCode).Errorf("no verification code is pending, request a new one")
	}
	if CodeAttemptsExhausted(user.VerificationAttempts) {
		return oops.Code(CodeCodeAttemptsExceeded).Errorf("too many incorrect codes, request a new one")
	}

	now := s.now()
	if !codesEqual(*user.VerificationCode, code) {
		if err := s.users.RecordVerificationFailure(ctx, user.ID, now); err != nil {
			return oops.Code("AUTH_VERIFY_FAILED").With("operation", "record failed attempt").Wrap(err)
		}
		return oops.Code(CodeInvalidCode).Errorf("invalid verification code")
	}
	if user.VerificationExpired(now) {
		return oops.Code(CodeCodeExpired).Errorf("verification code has expired, request a new one")
	}

	// The store re-checks code and attempts against the current row.
	if err := s.users.MarkVerified(ctx, user.ID, code, MaxCodeAttempts, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeInvalidCode).Errorf("verification code is no longer valid, request a new one")
		}
		return oops.Code("AUTH_VERIFY_FAILED").With("operation", "mark verified").Wrap(err)
	}
	s.logger.InfoContext(ctx, "email verified", "user_id", user.ID.String())
	return nil
}

// ResendVerification replaces the pending code and sends it synchronously.
// Unlike registration, a send failure is returned to the caller.
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { recordOperation("resend_verification", err) }()

	user, err := s.lookupUser(ctx, email, "resend verification")
	if err != nil {
		return err
	}
	if user.IsVerified {
		return oops.Code(CodeAlreadyVerified).Errorf("email is already verified")
	}

	code, err := s.codes()
	if err != nil {
		return oops.Code("AUTH_RESEND_FAILED").With("operation", "generate code").Wrap(err)
	}
	user.IssueVerificationCode(code, s.now())
	if err := s.users.ReplaceVerificationCode(ctx, user); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code(CodeAlreadyVerified).Errorf("email is already verified")
		}
		return oops.Code("AUTH_RESEND_FAILED").With("operation", "store code").Wrap(err)
	}

	if sendErr := s.mailer.SendVerificationEmail(ctx, user.Email, code); sendErr != nil {
		s.logger.ErrorContext(ctx, "verification email send failed",
			"operation", "send_email",
			"user_id", user.ID.String(),
			"error", sendErr)
		return oops.Code(CodeEmailSendFailed).Errorf("failed to send verification email, try again later")
	}
	return nil
}

// Login verifies credentials and issues a bearer token. Unknown emails and
// wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (result *LoginResult, err error) {
	defer func() { recordOperation("login", err) }()

	user, lookupErr := s.users.GetByEmail(ctx, email)

	var targetHash string
	userExists := false
	switch {
	case lookupErr == nil:
		targetHash = user.PasswordHash
		userExists = true
	case errors.Is(lookupErr, ErrNotFound):
		targetHash = dummyPasswordHash
	default:
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "get user by email").Wrap(lookupErr)
	}

	// Always verify so unknown emails cost the same as wrong passwords.
	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !userExists {
			return nil, invalidCredentials()
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "verify password").Wrap(verifyErr)
	}

	now := s.now()
	if !userExists || !valid {
		if userExists {
			if err := s.users.RecordLoginFailure(ctx, user.ID, now); err != nil {
				s.bestEffortFailed(ctx, "record_login_failure", err, "user_id", user.ID.String())
			}
		}
		return nil, invalidCredentials()
	}

	// Lockout is checked after verification to keep timing uniform.
	if user.IsLocked(now) {
		return nil, oops.Code(CodeAccountLocked).
			With("locked_until", user.LockedUntil).
			Errorf("account is temporarily locked, try again later")
	}
	if !user.IsVerified {
		return nil, oops.Code(CodeVerificationRequired).Errorf("please verify your email before logging in")
	}

	newHash := user.PasswordHash
	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		if upgraded, hashErr := s.hasher.Hash(password); hashErr == nil {
			newHash = upgraded
		}
	}
	// Only accepted while the verified hash is still the stored one.
	current, err := s.users.RecordLoginSuccess(ctx, user.ID, user.PasswordHash, newHash, now)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "record login").Wrap(err)
	}
	if !current {
		s.logger.InfoContext(ctx, "password changed during login", "user_id", user.ID.String())
		return nil, invalidCredentials()
	}
	user.PasswordHash = newHash
	user.RecordSuccess(now)

	token, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "issue token").Wrap(err)
	}

	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID.String())
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user.View()}, nil
}

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
}

// Authenticate validates a bearer token and returns its claims.
func (s *Service) Authenticate(_ context.Context, token string) (*Claims, error) {
	return s.tokens.Parse(token)
}

// GetUser returns the public view of the user with id.
func (s *Service) GetUser(ctx context.Context, id ulid.ULID) (UserView, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return UserView{}, oops.Code(CodeUserNotFound).With("user_id", id.String()).Errorf("user not found")
	}
	if err != nil {
		return UserView{}, oops.Code("AUTH_LOOKUP_FAILED").With("operation", "get user").Wrap(err)
	}
	return user.View(), nil
}

// ListUsers returns every user's public view.
func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, oops.Code("AUTH_LIST_USERS_FAILED").Wrap(err)
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	return views, nil
}

// PromoteUser grants the Admin role to the user with id.
func (s *Service) PromoteUser(ctx context.Context, id ulid.ULID) (view UserView, err error) {
	defer func() { recordOperation("promote_user", err) }()

	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return UserView{}, oops.Code(CodeUserNotFound).With("user_id", id.String()).Errorf("user not found")
	}
	if err != nil {
		return UserView{}, oops.Code("AUTH_PROMOTE_FAILED").With("operation", "get user").Wrap(err)
	}
	return s.promote(ctx, user)
}

// PromoteUserByEmail grants the Admin role to the user with email. Used to
// bootstrap the first administrator.
func (s *Service) PromoteUserByEmail(ctx context.Context, email string) (view UserView, err error) {
	defer func() { recordOperation("promote_user", err) }()

	user, err := s.lookupUser(ctx, email, "promote user")
	if err != nil {
		return UserView{}, err
	}
	return s.promote(ctx, user)
}

func (s *Service) promote(ctx context.Context, user *User) (UserView, error) {
	if user.Role == RoleAdmin {
		return UserView{}, oops.Code(CodeAlreadyAdmin).Errorf("user is already an admin")
	}
	now := s.now()
	changed, err := s.users.ChangeRole(ctx, user.ID, user.Role, RoleAdmin, now)
	if err != nil {
		return UserView{}, oops.Code("AUTH_PROMOTE_FAILED").With("operation", "change role").Wrap(err)
	}
	if !changed {
		return UserView{}, oops.Code(CodeAlreadyAdmin).Errorf("user is already an admin")
	}
	user.Role = RoleAdmin
	user.UpdatedAt = now
	s.logger.InfoContext(ctx, "user promoted to admin", "user_id", user.ID.String())
	return user.View(), nil
}
