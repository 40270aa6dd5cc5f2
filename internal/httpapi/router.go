// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

// Package httpapi exposes the auth services as a JSON API over gin.
package httpapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/internal/observability"
)

// RouterConfig holds the router's dependencies. Metrics, TracerProvider and
// Propagator are optional.
type RouterConfig struct {
	Accounts       Accounts
	Recovery       Recovery
	Logger         *slog.Logger
	CORSOrigins    []string
	Metrics        *observability.HTTPMetrics
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// NewRouter wires routes and middleware.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	prop := cfg.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Trace(tp, prop))
	r.Use(AccessLog(logger))
	if cfg.Metrics != nil {
		r.Use(Metrics(cfg.Metrics))
	}
	r.Use(CORS(cfg.CORSOrigins))

	h := NewHandler(cfg.Accounts, cfg.Recovery, logger)

	api := r.Group("/api")
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/verify-email", h.VerifyEmail)
		authGroup.POST("/resend-verification", h.ResendVerification)
		authGroup.POST("/forgot-password", h.ForgotPassword)
		authGroup.POST("/verify-otp", h.VerifyOTP)
		authGroup.POST("/reset-password", h.ResetPassword)
		authGroup.GET("/me", RequireAuth(cfg.Accounts), h.Me)
	}

	admin := api.Group("/admin", RequireAuth(cfg.Accounts), RequireRole(auth.RoleAdmin))
	{
		admin.GET("/users", h.ListUsers)
		admin.PATCH("/users/:id/promote", h.PromoteUser)
	}

	return r
}
