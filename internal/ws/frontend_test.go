package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	router := gin.New()
	router.GET("/ws/frontend", hub.Handler())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frontend"
}

func TestBroadcastReachesClient(t *testing.T) {
	hub, wsURL := newHubServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.VMStatus("vm-1", "running", "started")

	var msg FrontendMessage
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, MsgVMStatusUpdate, msg.Type)
	assert.Equal(t, "vm-1", msg.VMID)
	assert.Equal(t, "running", msg.Status)
}

func TestPingPong(t *testing.T) {
	_, wsURL := newHubServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))

	var msg FrontendMessage
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, MsgPong, msg.Type)
	assert.NotZero(t, msg.Timestamp)
}

func TestOrderingPerClient(t *testing.T) {
	hub, wsURL := newHubServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	statuses := []string{"starting", "running", "stopping", "stopped"}
	for _, s := range statuses {
		hub.VMStatus("vm-1", s, "")
	}

	for _, want := range statuses {
		var msg FrontendMessage
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, ws.ReadJSON(&msg))
		assert.Equal(t, want, msg.Status)
	}
}

func TestDisconnectPrunes(t *testing.T) {
	hub, wsURL := newHubServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}
