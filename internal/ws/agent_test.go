package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/audit"
	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ipam"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/service"
	"cloudpasture.io/corral/internal/store"
)

type endpointFixture struct {
	st  *store.Store
	reg *registry.Registry
	url string
}

func newEndpointFixture(t *testing.T) *endpointFixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	reg := registry.New()
	svc := service.New(st, reg, ipam.NewAllocator(st),
		service.NopNotifier{}, audit.NewLogger(st), pools, service.Config{})

	endpoint := NewAgentEndpoint(svc, reg, func(secret string) bool {
		return secret == "topsecret"
	})

	router := gin.New()
	router.GET("/ws/agent", endpoint.Handler())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &endpointFixture{
		st:  st,
		reg: reg,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent",
	}
}

func (f *endpointFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendRegister(t *testing.T, ws *websocket.Conn, req rpc.RegisterRequest) *rpc.Message {
	t.Helper()
	msg, err := rpc.NewRequest(rpc.MethodRegister, req)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := rpc.Decode(respData)
	require.NoError(t, err)
	require.Equal(t, msg.ID, resp.ID)
	return resp
}

func TestAgentRegistrationHandshake(t *testing.T) {
	f := newEndpointFixture(t)
	ws := f.dial(t)

	resp := sendRegister(t, ws, rpc.RegisterRequest{
		NodeID: "node-1", Hostname: "kvm-1", IPAddress: "10.0.0.7", Token: "topsecret",
	})
	require.False(t, resp.IsError(), "registration should succeed")

	var ack rpc.RegisterResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &ack))
	assert.True(t, ack.Accepted)

	// The node row exists and is online.
	node, err := f.st.GetNode(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, node.Status)
	assert.Equal(t, "kvm-1", node.Hostname)

	require.Eventually(t, func() bool { return f.reg.IsOnline("node-1") },
		2*time.Second, 10*time.Millisecond)
}

func TestAgentRegistrationBadToken(t *testing.T) {
	f := newEndpointFixture(t)
	ws := f.dial(t)

	resp := sendRegister(t, ws, rpc.RegisterRequest{
		NodeID: "node-1", Hostname: "kvm-1", IPAddress: "10.0.0.7", Token: "wrong",
	})
	require.True(t, resp.IsError())
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
	assert.False(t, f.reg.IsOnline("node-1"))
}

func TestAgentFirstFrameMustRegister(t *testing.T) {
	f := newEndpointFixture(t)
	ws := f.dial(t)

	msg, err := rpc.NewRequest("vm.describe", map[string]string{"vm_id": "x"})
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	require.NoError(t, err)
	resp, err := rpc.Decode(respData)
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestHeartbeatUpdatesNodeRow(t *testing.T) {
	f := newEndpointFixture(t)
	ws := f.dial(t)

	resp := sendRegister(t, ws, rpc.RegisterRequest{
		NodeID: "node-1", Hostname: "kvm-1", IPAddress: "10.0.0.7", Token: "topsecret",
	})
	require.False(t, resp.IsError())
	_ = ws.SetReadDeadline(time.Time{})

	notif, err := rpc.NewNotification(rpc.MethodHeartbeat, rpc.HeartbeatPayload{
		NodeID: "node-1", Timestamp: time.Now().Unix(), Status: "online",
	})
	require.NoError(t, err)
	data, err := notif.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		node, err := f.st.GetNode(context.Background(), "node-1")
		return err == nil && node.LastHeartbeat != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeResourceInfoUpserts(t *testing.T) {
	f := newEndpointFixture(t)
	ws := f.dial(t)

	resp := sendRegister(t, ws, rpc.RegisterRequest{
		NodeID: "node-1", Hostname: "kvm-1", IPAddress: "10.0.0.7", Token: "topsecret",
	})
	require.False(t, resp.IsError())
	_ = ws.SetReadDeadline(time.Time{})

	notif, err := rpc.NewNotification(rpc.MethodNodeResourceInfo, rpc.NodeResourceInfo{
		NodeID: "node-1", CPUCores: 16, CPUThreads: 32,
		MemoryTotalBytes: 64 << 30, DiskTotalBytes: 2 << 40,
		HypervisorType: "kvm", HypervisorVersion: "8.2.0",
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	data, err := notif.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		node, err := f.st.GetNode(context.Background(), "node-1")
		return err == nil && node.CPUCores == 16 && node.HypervisorType == "kvm"
	}, 2*time.Second, 10*time.Millisecond)
}
