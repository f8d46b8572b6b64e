package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

// dialStub connects a client Conn to a loopback peer serving mux.
func dialStub(t *testing.T, mux *rpc.Mux) *rpc.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := rpc.NewConn(ws, mux, zap.NewNop())
		c.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	conn := rpc.NewConn(ws, rpc.NewMux(), zap.NewNop())
	go conn.Run(context.Background())
	t.Cleanup(func() { conn.Close(apperrors.CodeTransportClosed) })
	return conn
}

func echoMux() *rpc.Mux {
	mux := rpc.NewMux()
	mux.HandleRequest("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return json.RawMessage(payload), nil
	})
	return mux
}

func TestDispatchToNode(t *testing.T) {
	reg := New()
	reg.Register(&Session{NodeID: "n1", Conn: dialStub(t, echoMux())})

	result, err := reg.Call(context.Background(), "n1", "echo",
		map[string]string{"x": "y"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"y"}`, string(result))
}

func TestOfflineNodeFailsImmediately(t *testing.T) {
	reg := New()

	start := time.Now()
	_, err := reg.Call(context.Background(), "ghost", "echo", nil, 5*time.Second)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNodeOffline, appErr.Code)
	// No queueing: the failure is immediate.
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewerRegistrationSupersedes(t *testing.T) {
	reg := New()

	first := dialStub(t, echoMux())
	second := dialStub(t, echoMux())

	reg.Register(&Session{NodeID: "n1", Conn: first})
	reg.Register(&Session{NodeID: "n1", Conn: second})

	// The first transport closes with TRANSPORT_SUPERSEDED.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection never closed")
	}

	// Dispatch still works through the survivor.
	result, err := reg.Call(context.Background(), "n1", "echo",
		map[string]string{"v": "2"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2"}`, string(result))
	assert.Equal(t, 1, reg.Count())
}

func TestSupersededUnregisterKeepsReplacement(t *testing.T) {
	reg := New()

	oldSess := &Session{NodeID: "n1", Conn: dialStub(t, echoMux())}
	newSess := &Session{NodeID: "n1", Conn: dialStub(t, echoMux())}
	reg.Register(oldSess)
	reg.Register(newSess)

	// The superseded session's deferred unregister must not evict the
	// replacement.
	reg.Unregister(oldSess)
	assert.True(t, reg.IsOnline("n1"))
}

func TestStaleSessions(t *testing.T) {
	reg := New()
	sess := &Session{NodeID: "n1", Conn: dialStub(t, echoMux())}
	reg.Register(sess)

	assert.Empty(t, reg.StaleSessions(time.Now().Add(-time.Minute)))

	sess.TouchHeartbeat(time.Now().Add(-5 * time.Minute))
	stale := reg.StaleSessions(time.Now().Add(-time.Minute))
	require.Len(t, stale, 1)
	assert.Equal(t, "n1", stale[0].NodeID)
}
