package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/auth"
	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/store"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		assert.NotEmpty(t, GetRequestID(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestIDPreserved(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
}

func TestErrorHandlerRendersAppError(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/", func(c *gin.Context) {
		_ = c.Error(apperrors.Conflict(apperrors.CodePreconditionFailed, "nope"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"PRECONDITION_FAILED"`)
	assert.Contains(t, w.Body.String(), `"error"`)
}

func TestErrorHandlerFallsBackTo500(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandler())
	router.GET("/", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func permRouter(perms []string) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("permissions", perms)
	})
	router.GET("/guarded", RequirePermission(domain.PermVMWrite), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name  string
		perms []string
		want  int
	}{
		{"holds permission", []string{domain.PermVMWrite}, http.StatusOK},
		{"platform admin bypass", []string{domain.PermAdmin}, http.StatusOK},
		{"missing permission", []string{domain.PermVMRead}, http.StatusForbidden},
		{"no permissions", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			permRouter(tt.perms).ServeHTTP(w,
				httptest.NewRequest(http.MethodGet, "/guarded", nil))
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestBearerAuth(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authn := auth.New(st, []byte(strings.Repeat("k", 32)), time.Hour, "agent")
	require.NoError(t, authn.SeedAdmin(context.Background(), "pw"))
	token, _, _, err := authn.Login(context.Background(), "admin", "pw")
	require.NoError(t, err)

	router := gin.New()
	router.Use(BearerAuth(authn))
	router.GET("/", func(c *gin.Context) {
		assert.NotEmpty(t, GetUserID(c.Request.Context()))
		assert.Equal(t, "admin", GetUsername(c.Request.Context()))
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
		})
	}
}
