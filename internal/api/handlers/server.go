// Package handlers implements the REST surface of the controller.
// Handlers bind/validate input, delegate to the service layer, and
// attach errors for the central ErrorHandler middleware to render.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/api/middleware"
	"cloudpasture.io/corral/internal/auth"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/service"
)

// Server holds handler dependencies.
type Server struct {
	svc   *service.Services
	authn *auth.Authenticator
}

// NewServer creates the handler set.
func NewServer(svc *service.Services, authn *auth.Authenticator) *Server {
	return &Server{svc: svc, authn: authn}
}

// pageParams parses pagination query parameters. page is 1-based;
// page_size accepts per_page as a request alias for older clients.
func pageParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	raw := c.Query("page_size")
	if raw == "" {
		raw = c.Query("per_page")
	}
	pageSize, _ = strconv.Atoi(raw)
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// listBody builds the canonical flat pagination shape.
func listBody(key string, items interface{}, total, page, pageSize int) gin.H {
	return gin.H{
		key:         items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}
}

// actor resolves the acting username for audit entries.
func actor(c *gin.Context) string {
	if u := middleware.GetUsername(c.Request.Context()); u != "" {
		return u
	}
	return "anonymous"
}

// bindJSON binds the request body, attaching a validation error on
// failure. Returns false when the handler should stop.
func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return false
	}
	return true
}
