// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/pkg/errutil"
)

// internalMessage is the only text clients see for unclassified failures.
const internalMessage = "An unexpected error occurred. Please try again later."

var kindStatus = map[auth.Kind]int{
	auth.KindConflict:             http.StatusConflict,
	auth.KindInvalidArgument:      http.StatusBadRequest,
	auth.KindNotFound:             http.StatusNotFound,
	auth.KindUnauthorized:         http.StatusUnauthorized,
	auth.KindForbidden:            http.StatusForbidden,
	auth.KindVerificationRequired: http.StatusForbidden,
	auth.KindExpired:              http.StatusGone,
	auth.KindAlreadyDone:          http.StatusConflict,
	auth.KindTooManyAttempts:      http.StatusTooManyRequests,
	auth.KindTransientFailure:     http.StatusServiceUnavailable,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind auth.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type messageResponse struct {
	Message string `json:"message"`
}

// abortWithError writes err as {message}. Classified errors carry their own
// client-facing message; anything else is logged and replaced.
func abortWithError(c *gin.Context, logger *slog.Logger, operation string, err error) {
	kind := auth.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		errutil.Log(c.Request.Context(), logger, slog.LevelError, "request failed", err,
			"operation", operation, "path", c.FullPath())
		_ = c.Error(err) //nolint:errcheck // recorded for the access log only
		c.AbortWithStatusJSON(status, messageResponse{Message: internalMessage})
		return
	}
	c.AbortWithStatusJSON(status, messageResponse{Message: err.Error()})
}

func abortWithMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, messageResponse{Message: msg})
}
