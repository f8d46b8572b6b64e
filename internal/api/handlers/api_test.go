package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/api/middleware"
	"cloudpasture.io/corral/internal/audit"
	"cloudpasture.io/corral/internal/auth"
	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ipam"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/service"
	"cloudpasture.io/corral/internal/store"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	gin.SetMode(gin.TestMode)
	m.Run()
}

type apiFixture struct {
	router *gin.Engine
	st     *store.Store
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	authn := auth.New(st, []byte(strings.Repeat("k", 32)), time.Hour, "agent-secret")
	require.NoError(t, authn.SeedAdmin(context.Background(), "hunter2"))

	svc := service.New(st, registry.New(), ipam.NewAllocator(st),
		service.NopNotifier{}, audit.NewLogger(st), pools, service.Config{})
	server := NewServer(svc, authn)

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.ErrorHandler())
	router.POST("/api/auth/login", server.Login)

	authed := router.Group("/api", middleware.BearerAuth(authn))
	authed.GET("/nodes", middleware.RequirePermission(domain.PermNodeRead), server.ListNodes)
	authed.POST("/nodes", middleware.RequirePermission(domain.PermNodeWrite), server.CreateNode)
	authed.GET("/vms", middleware.RequirePermission(domain.PermVMRead), server.ListVMs)
	authed.POST("/networks", middleware.RequirePermission(domain.PermNetworkWrite), server.CreateNetwork)
	authed.POST("/networks/:id/allocate-ip", middleware.RequirePermission(domain.PermNetworkWrite), server.AllocateIP)

	f := &apiFixture{router: router, st: st}
	f.token = f.login(t, "admin", "hunter2")
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) login(t *testing.T, username, password string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/login",
		`{"username":"`+username+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Auth.Token)
	return body.Auth.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/auth/login",
		`{"username":"admin","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/vms", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNodeCreateAndList(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/nodes",
		`{"hostname":"kvm-1","ip_address":"10.0.0.4"}`, f.token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/nodes?page=1&page_size=10", "", f.token)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Nodes    []json.RawMessage `json:"nodes"`
		Total    int               `json:"total"`
		Page     int               `json:"page"`
		PageSize int               `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 10, body.PageSize)
	assert.Len(t, body.Nodes, 1)
}

func TestPerPageAlias(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/api/vms?page=1&per_page=7", "", f.token)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		PageSize int `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 7, body.PageSize)
}

func TestValidationErrorShape(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/api/nodes", `{"hostname":""}`, f.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_FAILED", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
}

func TestAllocateIPExhaustionStatus(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/networks",
		`{"name":"net1","cidr":"10.50.0.0/30","gateway":"10.50.0.1"}`, f.token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Network struct {
			ID string `json:"id"`
		} `json:"network"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = f.do(t, http.MethodPost, "/api/networks/"+created.Network.ID+"/allocate-ip", "", f.token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/networks/"+created.Network.ID+"/allocate-ip", "", f.token)
	assert.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "IP_EXHAUSTED", body.Error.Code)
}
