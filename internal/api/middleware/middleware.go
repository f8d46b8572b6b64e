// Package middleware provides HTTP middleware for the Corral REST API.
package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/auth"
	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyUserID    contextKey = "user_id"
	ctxKeyUsername  contextKey = "username"
)

// RequestID injects a unique request ID into the context and response
// header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// errorBody is the uniform error response shape.
func errorBody(code, message string, details map[string]interface{}) gin.H {
	inner := gin.H{"code": code, "message": message}
	if len(details) > 0 {
		inner["details"] = details
	}
	return gin.H{"error": inner}
}

// ErrorHandler provides centralized error handling: handlers attach
// errors via c.Error() and this middleware renders the uniform
// {"error":{code,message,details?}} body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr, ok := apperrors.IsAppError(err); ok {
			status := appErr.HTTPStatus
			if status == 0 {
				status = apperrors.HTTPStatusFor(appErr.Code)
			}
			if status >= http.StatusInternalServerError {
				logger.Error("Request failed",
					zap.String("code", appErr.Code),
					zap.String("path", c.Request.URL.Path),
					zap.Error(appErr))
			} else {
				logger.Warn("Request error",
					zap.String("code", appErr.Code),
					zap.Int("status", status),
					zap.String("path", c.Request.URL.Path))
			}
			c.JSON(status, errorBody(appErr.Code, appErr.Message, appErr.Details))
			return
		}

		logger.Error("Unhandled request error",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError,
			errorBody(apperrors.CodeInternal, "an internal error occurred", nil))
	}
}

// BearerAuth validates Authorization bearer tokens and populates the
// request context with the authenticated principal.
func BearerAuth(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody(apperrors.CodeUnauthorized, "missing authorization header", nil))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody(apperrors.CodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		claims, err := a.Validate(parts[1])
		if err != nil {
			appErr, _ := apperrors.IsAppError(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody(appErr.Code, appErr.Message, nil))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("roles", claims.Roles)
		c.Set("permissions", claims.Permissions)
		ctx := context.WithValue(c.Request.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyUsername, claims.Username)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetUserID extracts the authenticated user id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetUsername extracts the authenticated username from context.
func GetUsername(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUsername).(string); ok {
		return v
	}
	return ""
}

// RequirePermission checks that the authenticated user holds the given
// permission. platform:admin passes every check.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden,
				errorBody(apperrors.CodeForbidden, "no permissions in context", nil))
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden,
				errorBody(apperrors.CodeForbidden, "invalid permissions type", nil))
			return
		}

		if slices.Contains(permList, domain.PermAdmin) || slices.Contains(permList, permission) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden,
			errorBody(apperrors.CodeForbidden, "insufficient permissions", nil))
	}
}
