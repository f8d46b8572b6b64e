// Package ws hosts the controller's two WebSocket surfaces: the agent
// RPC endpoint and the front-end push channel.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/pkg/logger"
)

// FrontendMessage is one server→client push frame, discriminated by
// Type.
type FrontendMessage struct {
	Type       string `json:"type"`
	VMID       string `json:"vm_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	VolumeID   string `json:"volume_id,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Progress   *int   `json:"progress,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Level      string `json:"level,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// Frontend message kinds.
const (
	MsgVMStatusUpdate       = "VmStatusUpdate"
	MsgNodeStatusUpdate     = "NodeStatusUpdate"
	MsgTaskStatusUpdate     = "TaskStatusUpdate"
	MsgVolumeStatusUpdate   = "VolumeStatusUpdate"
	MsgSnapshotStatusUpdate = "SnapshotStatusUpdate"
	MsgSystemNotification   = "SystemNotification"
	MsgPong                 = "Pong"
)

type frontendConn struct {
	id   string
	send chan FrontendMessage
}

// Hub fans controller events out to connected front-end clients.
// Events observed by a single client preserve the order in which the
// controller committed them: each connection drains its own ordered
// queue.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*frontendConn

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*frontendConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues a message for every connected client, dropping it
// for clients whose queue is full rather than blocking the caller.
func (h *Hub) Broadcast(msg FrontendMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		select {
		case c.send <- msg:
			n++
		default:
			logger.Warn("Dropping frontend message, client queue full",
				zap.String("conn_id", c.id), zap.String("type", msg.Type))
		}
	}
	return n
}

// Handler upgrades a front-end client connection and serves it until
// close. Clients send {"type":"ping"}; the hub replies with a Pong.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("Frontend upgrade failed", zap.Error(err))
			return
		}
		conn := &frontendConn{
			id:   uuid.New().String(),
			send: make(chan FrontendMessage, 256),
		}
		h.mu.Lock()
		h.conns[conn.id] = conn
		h.mu.Unlock()
		logger.Info("Frontend client connected", zap.String("conn_id", conn.id))

		done := make(chan struct{})
		go func() {
			defer ws.Close()
			for {
				select {
				case msg := <-conn.send:
					_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
					if err := ws.WriteJSON(msg); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			var in struct {
				Type string `json:"type"`
			}
			if err := ws.ReadJSON(&in); err != nil {
				break
			}
			if in.Type == "ping" {
				select {
				case conn.send <- FrontendMessage{Type: MsgPong, Timestamp: time.Now().Unix()}:
				default:
				}
			}
		}

		close(done)
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		logger.Info("Frontend client disconnected", zap.String("conn_id", conn.id))
	}
}

// The Hub implements service.Notifier.

// VMStatus pushes a VM status update.
func (h *Hub) VMStatus(vmID, status, message string) {
	h.Broadcast(FrontendMessage{Type: MsgVMStatusUpdate, VMID: vmID, Status: status, Message: message})
}

// NodeStatus pushes a node status update.
func (h *Hub) NodeStatus(nodeID, status, message string) {
	h.Broadcast(FrontendMessage{Type: MsgNodeStatusUpdate, NodeID: nodeID, Status: status, Message: message})
}

// TaskStatus pushes a task status update.
func (h *Hub) TaskStatus(taskID, status string, progress int, message string) {
	h.Broadcast(FrontendMessage{Type: MsgTaskStatusUpdate, TaskID: taskID, Status: status, Progress: &progress, Message: message})
}

// VolumeStatus pushes a volume status update.
func (h *Hub) VolumeStatus(volumeID, status, message string) {
	h.Broadcast(FrontendMessage{Type: MsgVolumeStatusUpdate, VolumeID: volumeID, Status: status, Message: message})
}

// SnapshotStatus pushes a snapshot status update.
func (h *Hub) SnapshotStatus(snapshotID, status, message string) {
	h.Broadcast(FrontendMessage{Type: MsgSnapshotStatusUpdate, SnapshotID: snapshotID, Status: status, Message: message})
}

// SystemNotification pushes a free-form notification. level is info,
// warning, or error.
func (h *Hub) SystemNotification(title, message, level string) {
	h.Broadcast(FrontendMessage{Type: MsgSystemNotification, Title: title, Message: message, Level: level})
}
