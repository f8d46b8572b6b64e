// Package registry tracks live agent sessions keyed by node identity.
// Dispatch is strictly "to node": requests to a node without a live
// session fail immediately with NODE_OFFLINE rather than queueing.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// Session is one registered agent connection.
type Session struct {
	NodeID    string
	Hostname  string
	IPAddress string

	// Methods is the handler set the agent advertised at registration.
	Methods []string

	Conn *rpc.Conn

	mu            sync.Mutex
	lastHeartbeat time.Time
	registeredAt  time.Time
}

// TouchHeartbeat records a heartbeat arrival.
func (s *Session) TouchHeartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

// LastHeartbeat returns the last heartbeat arrival time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Registry is the controller-side set of live agent sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs a session for a node, superseding any prior entry.
// The replaced session's transport is closed with TRANSPORT_SUPERSEDED;
// between two simultaneous registrations the newer wins.
func (r *Registry) Register(s *Session) {
	now := time.Now()
	s.mu.Lock()
	s.registeredAt = now
	s.lastHeartbeat = now
	s.mu.Unlock()

	r.mu.Lock()
	old := r.sessions[s.NodeID]
	r.sessions[s.NodeID] = s
	r.mu.Unlock()

	if old != nil {
		logger.Warn("Superseding existing agent session",
			zap.String("node_id", s.NodeID))
		old.Conn.Close(apperrors.CodeTransportSuperseded)
	}
	logger.Info("Agent registered",
		zap.String("node_id", s.NodeID),
		zap.String("hostname", s.Hostname),
		zap.String("ip", s.IPAddress))
}

// Unregister removes the session for a node if it is still the current
// one; a superseded session must not evict its replacement.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.NodeID]; ok && cur == s {
		delete(r.sessions, s.NodeID)
	}
	r.mu.Unlock()
	logger.Info("Agent unregistered", zap.String("node_id", s.NodeID))
}

// Get returns the live session for a node.
func (r *Registry) Get(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[nodeID]
	return s, ok
}

// IsOnline reports whether a node has a live session.
func (r *Registry) IsOnline(nodeID string) bool {
	_, ok := r.Get(nodeID)
	return ok
}

// NodeIDs lists the nodes with live sessions.
func (r *Registry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Call dispatches a request to the agent on the given node. Timeout
// zero applies the protocol default.
func (r *Registry) Call(ctx context.Context, nodeID, method string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	s, ok := r.Get(nodeID)
	if !ok {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"node has no live agent session")
	}
	return s.Conn.Call(ctx, method, payload, timeout)
}

// CallStream is Call with progress streaming.
func (r *Registry) CallStream(ctx context.Context, nodeID, method string, payload interface{}, timeout time.Duration, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	s, ok := r.Get(nodeID)
	if !ok {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"node has no live agent session")
	}
	return s.Conn.CallStream(ctx, method, payload, timeout, onProgress)
}

// Notify sends a fire-and-forget notification to a node.
func (r *Registry) Notify(nodeID, method string, payload interface{}) error {
	s, ok := r.Get(nodeID)
	if !ok {
		return apperrors.Conflict(apperrors.CodeNodeOffline,
			"node has no live agent session")
	}
	return s.Conn.Notify(method, payload)
}

// StaleSessions returns sessions whose last heartbeat is older than the
// cutoff. The caller closes them and flips the node rows offline.
func (r *Registry) StaleSessions(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}
