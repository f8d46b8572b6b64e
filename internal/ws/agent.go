package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/service"
)

// registerWait bounds how long a fresh connection may sit silent before
// its registration frame arrives.
const registerWait = 10 * time.Second

// AgentEndpoint accepts agent WebSocket connections, performs the
// registration handshake, and hands the session to the registry.
type AgentEndpoint struct {
	svc      *service.Services
	reg      *registry.Registry
	secretOK func(string) bool

	upgrader websocket.Upgrader
}

// NewAgentEndpoint wires the endpoint. secretOK validates the shared
// secret agents present at registration.
func NewAgentEndpoint(svc *service.Services, reg *registry.Registry, secretOK func(string) bool) *AgentEndpoint {
	return &AgentEndpoint{
		svc:      svc,
		reg:      reg,
		secretOK: secretOK,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler serves one agent connection for its whole lifetime.
func (e *AgentEndpoint) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("Agent upgrade failed", zap.Error(err))
			return
		}

		regMsg, regReq, err := e.awaitRegistration(conn)
		if err != nil {
			logger.Warn("Agent registration failed", zap.Error(err))
			_ = conn.Close()
			return
		}

		if _, err := e.svc.RegisterAgent(c.Request.Context(), *regReq); err != nil {
			writeRawError(conn, regMsg.ID, apperrors.CodeInternal, "node registration failed")
			_ = conn.Close()
			return
		}

		mux := rpc.NewMux()
		rc := rpc.NewConn(conn, mux, logger.L().Named("agent-rpc"))
		sess := &registry.Session{
			NodeID:    regReq.NodeID,
			Hostname:  regReq.Hostname,
			IPAddress: regReq.IPAddress,
			Methods:   regReq.Methods,
			Conn:      rc,
		}
		e.bindHandlers(mux, sess)
		e.reg.Register(sess)

		// The acceptance reply is enqueued before the pumps start; the
		// write loop drains it first.
		if resp, err := rpc.NewResponse(regMsg.ID, rpc.RegisterResponse{Accepted: true}); err == nil {
			_ = rc.SendMessage(resp)
		}

		// Blocks for the connection lifetime; gin keeps the handler
		// goroutine alive for us.
		rc.Run(context.Background())
		e.reg.Unregister(sess)
		// The node row stays online until the heartbeat monitor times
		// it out; a quick agent reconnect must not flap the status.
	}
}

// awaitRegistration reads and validates the mandatory first frame.
func (e *AgentEndpoint) awaitRegistration(conn *websocket.Conn) (*rpc.Message, *rpc.RegisterRequest, error) {
	conn.SetReadLimit(rpc.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, err
	}
	msg, err := rpc.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	if msg.Type != rpc.TypeRequest || msg.Method != rpc.MethodRegister {
		writeRawError(conn, msg.ID, apperrors.CodeInvalidRequest,
			"first frame must be a node.register request")
		return nil, nil, apperrors.BadRequest(apperrors.CodeInvalidRequest,
			"first frame was not node.register")
	}

	var req rpc.RegisterRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		writeRawError(conn, msg.ID, apperrors.CodeInvalidRequest, "malformed register payload")
		return nil, nil, err
	}
	if req.NodeID == "" || req.Hostname == "" {
		writeRawError(conn, msg.ID, apperrors.CodeInvalidRequest, "node_id and hostname are required")
		return nil, nil, apperrors.BadRequest(apperrors.CodeInvalidRequest, "incomplete register payload")
	}
	if !e.secretOK(req.Token) {
		writeRawError(conn, msg.ID, apperrors.CodeUnauthorized, "invalid agent token")
		return nil, nil, apperrors.Unauthorized(apperrors.CodeUnauthorized, "invalid agent token")
	}
	return msg, &req, nil
}

// bindHandlers wires the agent→controller methods for one session.
func (e *AgentEndpoint) bindHandlers(mux *rpc.Mux, sess *registry.Session) {
	mux.HandleNotification(rpc.MethodHeartbeat, func(ctx context.Context, payload json.RawMessage) {
		var hb rpc.HeartbeatPayload
		if err := json.Unmarshal(payload, &hb); err != nil {
			return
		}
		now := time.Now().UTC()
		sess.TouchHeartbeat(now)
		if err := e.svc.Heartbeat(ctx, sess.NodeID, now); err != nil {
			logger.Warn("Heartbeat persist failed",
				zap.String("node_id", sess.NodeID), zap.Error(err))
		}
	})

	mux.HandleNotification(rpc.MethodNodeResourceInfo, func(ctx context.Context, payload json.RawMessage) {
		var info rpc.NodeResourceInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return
		}
		if info.NodeID == "" {
			info.NodeID = sess.NodeID
		}
		if err := e.svc.UpdateNodeResources(ctx, info); err != nil {
			logger.Warn("Node resource update failed",
				zap.String("node_id", sess.NodeID), zap.Error(err))
		}
	})

	// Agents look pool configuration up when a retried task arrives
	// after a controller restart invalidated their cached copy.
	mux.HandleRequest("pool.describe", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			PoolID string `json:"pool_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, apperrors.BadRequest(apperrors.CodeInvalidRequest, "malformed pool.describe payload")
		}
		pool, err := e.svc.GetPool(ctx, req.PoolID)
		if err != nil {
			return nil, err
		}
		return pool, nil
	})
}

func writeRawError(conn *websocket.Conn, id, code, message string) {
	msg := rpc.NewErrorResponse(id, code, message)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
