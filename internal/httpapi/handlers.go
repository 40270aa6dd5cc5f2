// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/kdrestaurant/kd/internal/auth"
)

// Client-facing success messages.
const (
	MsgRegistered         = "Registration successful. Please check your email for the verification code."
	MsgLoggedIn           = "Login successful"
	MsgEmailVerified      = "Email verified successfully. You can now log in."
	MsgVerificationResent = "Verification code sent. Please check your email."
	MsgOTPValid           = "OTP verified successfully"
	MsgPasswordReset      = "Password reset successfully. You can now log in with your new password."
	MsgUserPromoted       = "User promoted to admin successfully"
	msgBadBody            = "invalid request body"
)

// Accounts is the registration, login and user admin service.
type Accounts interface {
	Authenticator
	Register(ctx context.Context, req auth.RegisterRequest) (auth.UserView, error)
	VerifyEmail(ctx context.Context, email, code string) error
	ResendVerification(ctx context.Context, email string) error
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	GetUser(ctx context.Context, id ulid.ULID) (auth.UserView, error)
	ListUsers(ctx context.Context) ([]auth.UserView, error)
	PromoteUser(ctx context.Context, id ulid.ULID) (auth.UserView, error)
}

// Recovery is the forgot-password service.
type Recovery interface {
	ForgotPassword(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
}

// Handler serves the auth and admin endpoints.
type Handler struct {
	accounts Accounts
	recovery Recovery
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(accounts Accounts, recovery Recovery, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{accounts: accounts, recovery: recovery, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type registerResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message   string        `json:"message"`
	Token     string        `json:"token"`
	ExpiresAt string        `json:"expiresAt"`
	User      auth.UserView `json:"user"`
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type otpResponse struct {
	Message string `json:"message"`
	IsValid bool   `json:"isValid"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

type userResponse struct {
	User auth.UserView `json:"user"`
}

type promoteResponse struct {
	Message string        `json:"message"`
	User    auth.UserView `json:"user"`
}

// bind decodes the JSON body into req, answering 400 on malformed input.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithMessage(c, http.StatusBadRequest, msgBadBody)
		return false
	}
	return true
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if !bind(c, &req) {
		return
	}
	view, err := h.accounts.Register(c.Request.Context(), auth.RegisterRequest{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		abortWithError(c, h.logger, "register", err)
		return
	}
	c.JSON(http.StatusOK, registerResponse{Message: MsgRegistered, Email: view.Email})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !bind(c, &req) {
		return
	}
	result, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortWithError(c, h.logger, "login", err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{
		Message:   MsgLoggedIn,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
		User:      result.User,
	})
}

// VerifyEmail handles POST /api/auth/verify-email. The code travels in the
// "token" field.
func (h *Handler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.accounts.VerifyEmail(c.Request.Context(), req.Email, req.Token); err != nil {
		abortWithError(c, h.logger, "verify_email", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: MsgEmailVerified})
}

// ResendVerification handles POST /api/auth/resend-verification.
func (h *Handler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.accounts.ResendVerification(c.Request.Context(), req.Email); err != nil {
		abortWithError(c, h.logger, "resend_verification", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: MsgVerificationResent})
}

// ForgotPassword handles POST /api/auth/forgot-password. The response is the
// same whether or not the account exists.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bind(c, &req) {
		return
	}
	if err := h.recovery.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		abortWithError(c, h.logger, "forgot_password", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: auth.ForgotPasswordMessage})
}

// VerifyOTP handles POST /api/auth/verify-otp without consuming the code.
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req otpRequest
	if !bind(c, &req) {
		return
	}
	if err := h.recovery.VerifyOTP(c.Request.Context(), req.Email, req.OTP); err != nil {
		abortWithError(c, h.logger, "verify_otp", err)
		return
	}
	c.JSON(http.StatusOK, otpResponse{Message: MsgOTPValid, IsValid: true})
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bind(c, &req) {
		return
	}
	if err := h.recovery.ResetPassword(c.Request.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		abortWithError(c, h.logger, "reset_password", err)
		return
	}
	c.JSON(http.StatusOK, messageResponse{Message: MsgPasswordReset})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		abortWithMessage(c, http.StatusUnauthorized, "authorization header required")
		return
	}
	id, err := ulid.Parse(claims.Subject)
	if err != nil {
		abortWithMessage(c, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	view, err := h.accounts.GetUser(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, h.logger, "get_current_user", err)
		return
	}
	c.JSON(http.StatusOK, userResponse{User: view})
}

// ListUsers handles GET /api/admin/users.
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.accounts.ListUsers(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, "list_users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// PromoteUser handles PATCH /api/admin/users/:id/promote.
func (h *Handler) PromoteUser(c *gin.Context) {
	id, err := ulid.Parse(c.Param("id"))
	if err != nil {
		abortWithMessage(c, http.StatusBadRequest, "invalid user id")
		return
	}
	view, err := h.accounts.PromoteUser(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, h.logger, "promote_user", err)
		return
	}
	c.JSON(http.StatusOK, promoteResponse{Message: MsgUserPromoted, User: view})
}
