package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "cloudpasture.io/corral/internal/pkg/errors"
)

// connPair builds two connected Conns over a loopback WebSocket.
func connPair(t *testing.T, serverMux, clientMux *Mux) (server, client *Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverReady := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn(ws, serverMux, zap.NewNop())
		serverReady <- c
		c.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	client = NewConn(ws, clientMux, zap.NewNop())
	go client.Run(context.Background())

	select {
	case server = <-serverReady:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never established")
	}
	return server, client
}

func TestCallRoundTrip(t *testing.T) {
	serverMux := NewMux()
	serverMux.HandleRequest("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return json.RawMessage(payload), nil
	})

	_, client := connPair(t, serverMux, NewMux())

	result, err := client.Call(context.Background(), "echo",
		map[string]string{"hello": "world"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(result))
}

func TestCallErrorResponse(t *testing.T) {
	serverMux := NewMux()
	serverMux.HandleRequest("fail", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, apperrors.NotFound(apperrors.CodeVMNotFound, "no such vm")
	})

	_, client := connPair(t, serverMux, NewMux())

	_, err := client.Call(context.Background(), "fail", nil, 2*time.Second)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeVMNotFound, appErr.Code)
}

func TestCallMethodNotFound(t *testing.T) {
	_, client := connPair(t, NewMux(), NewMux())

	_, err := client.Call(context.Background(), "nope", nil, 2*time.Second)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeMethodNotFound, appErr.Code)
}

func TestCallTimeoutEmitsCancel(t *testing.T) {
	cancelled := make(chan string, 1)
	release := make(chan struct{})

	serverMux := NewMux()
	serverMux.HandleRequest("slow", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		select {
		case <-ctx.Done():
			cancelled <- InboundRequestID(ctx)
		case <-release:
		}
		return Ack{OK: true}, nil
	})

	_, client := connPair(t, serverMux, NewMux())

	start := time.Now()
	_, err := client.Call(context.Background(), "slow", nil, 200*time.Millisecond)
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeTimeout, appErr.Code)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The rpc.cancel notification reaches the handler's context.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context never cancelled")
	}
	close(release)
}

func TestBothSidesOriginate(t *testing.T) {
	serverMux := NewMux()
	serverMux.HandleRequest("from-client", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return Ack{OK: true}, nil
	})
	clientMux := NewMux()
	clientMux.HandleRequest("from-server", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return Ack{OK: true}, nil
	})

	server, client := connPair(t, serverMux, clientMux)

	var ack Ack
	result, err := client.Call(context.Background(), "from-client", nil, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.True(t, ack.OK)

	result, err = server.Call(context.Background(), "from-server", nil, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.True(t, ack.OK)
}

func TestStreamProgressThenResponse(t *testing.T) {
	var progressMu sync.Mutex
	var seen []float64

	// The handler streams progress over its own connection before
	// responding; the sender is resolved lazily since the pair does not
	// exist at registration time.
	var server *Conn
	serverMux := NewMux()
	serverMux.HandleRequest("migrate", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		id := InboundRequestID(ctx)
		for _, pct := range []float64{25, 75} {
			require.NoError(t, server.Stream(id, MigrationProgress{Percent: pct}))
		}
		return Ack{OK: true}, nil
	})

	var client *Conn
	server, client = connPair(t, serverMux, NewMux())

	result, err := client.CallStream(context.Background(), "migrate", nil, 2*time.Second,
		func(raw json.RawMessage) {
			var p MigrationProgress
			require.NoError(t, json.Unmarshal(raw, &p))
			progressMu.Lock()
			seen = append(seen, p.Percent)
			progressMu.Unlock()
		})
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, json.Unmarshal(result, &ack))
	assert.True(t, ack.OK)

	progressMu.Lock()
	defer progressMu.Unlock()
	assert.Equal(t, []float64{25, 75}, seen)
}

func TestTerminalStreamResolvesCall(t *testing.T) {
	var server *Conn
	serverMux := NewMux()
	serverMux.HandleRequest("long", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		id := InboundRequestID(ctx)
		require.NoError(t, server.Stream(id, MigrationProgress{Percent: 100, Completed: true}))
		// Keep the handler alive so no response races the terminal
		// stream frame.
		time.Sleep(500 * time.Millisecond)
		return Ack{OK: true}, nil
	})

	var client *Conn
	server, client = connPair(t, serverMux, NewMux())

	result, err := client.Call(context.Background(), "long", nil, 2*time.Second)
	require.NoError(t, err)

	var p MigrationProgress
	require.NoError(t, json.Unmarshal(result, &p))
	assert.True(t, p.Completed)
}

func TestCloseFailsPendingWithTransportClosed(t *testing.T) {
	serverMux := NewMux()
	block := make(chan struct{})
	serverMux.HandleRequest("hang", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		<-block
		return Ack{OK: true}, nil
	})
	t.Cleanup(func() { close(block) })

	server, client := connPair(t, serverMux, NewMux())

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", nil, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	server.Close(apperrors.CodeTransportClosed)

	select {
	case err := <-errCh:
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeTransportClosed, appErr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call never failed after close")
	}
}

func TestNotificationDelivery(t *testing.T) {
	received := make(chan HeartbeatPayload, 1)
	serverMux := NewMux()
	serverMux.HandleNotification(MethodHeartbeat, func(ctx context.Context, payload json.RawMessage) {
		var hb HeartbeatPayload
		_ = json.Unmarshal(payload, &hb)
		received <- hb
	})

	_, client := connPair(t, serverMux, NewMux())

	require.NoError(t, client.Notify(MethodHeartbeat, HeartbeatPayload{NodeID: "n1", Timestamp: 42}))

	select {
	case hb := <-received:
		assert.Equal(t, "n1", hb.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}
