package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/store"
)

// RegisterAgent upserts the node row for a registering agent and flips
// it online. Called by the agent WebSocket endpoint before the session
// enters the registry.
func (s *Services) RegisterAgent(ctx context.Context, req rpc.RegisterRequest) (*domain.Node, error) {
	node, err := s.st.GetNode(ctx, req.NodeID)
	switch {
	case err == store.ErrNotFound:
		now := time.Now().UTC()
		node = &domain.Node{
			ID:        req.NodeID,
			Hostname:  req.Hostname,
			IPAddress: req.IPAddress,
			Status:    domain.NodeOnline,
			CreatedAt: now,
			UpdatedAt: now,
		}
		hb := now
		node.LastHeartbeat = &hb
		if err := s.st.CreateNode(ctx, node); err != nil {
			return nil, err
		}
		logger.Info("Node created on registration",
			zap.String("node_id", node.ID), zap.String("hostname", node.Hostname))
	case err != nil:
		return nil, err
	default:
		node.Hostname = req.Hostname
		node.IPAddress = req.IPAddress
		node.Status = domain.NodeOnline
		if err := s.st.UpdateNode(ctx, node); err != nil {
			return nil, err
		}
		if err := s.st.TouchHeartbeat(ctx, node.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	s.notify.NodeStatus(node.ID, string(domain.NodeOnline), "agent registered")
	s.audit.Record(ctx, "node.register", "node", node.ID, "agent", map[string]interface{}{
		"hostname": req.Hostname, "ip_address": req.IPAddress,
	})
	return node, nil
}

// Heartbeat records an agent heartbeat, flipping an offline node back
// online.
func (s *Services) Heartbeat(ctx context.Context, nodeID string, at time.Time) error {
	return s.st.TouchHeartbeat(ctx, nodeID, at)
}

// UpdateNodeResources applies a node.resource_info report.
func (s *Services) UpdateNodeResources(ctx context.Context, info rpc.NodeResourceInfo) error {
	node, err := s.st.GetNode(ctx, info.NodeID)
	if err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound(apperrors.CodeNodeNotFound, "node not found")
		}
		return err
	}
	node.CPUCores = info.CPUCores
	node.CPUThreads = info.CPUThreads
	node.MemoryTotalBytes = info.MemoryTotalBytes
	node.DiskTotalBytes = info.DiskTotalBytes
	if info.HypervisorType != "" {
		node.HypervisorType = info.HypervisorType
	}
	if info.HypervisorVersion != "" {
		node.HypervisorVersion = info.HypervisorVersion
	}
	return s.st.UpdateNode(ctx, node)
}

// CreateNodeInput registers a node ahead of its agent connecting.
type CreateNodeInput struct {
	Hostname  string            `json:"hostname" binding:"required"`
	IPAddress string            `json:"ip_address" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
}

// CreateNode inserts an offline node row by admin action.
func (s *Services) CreateNode(ctx context.Context, in CreateNodeInput, actor string) (*domain.Node, error) {
	now := time.Now().UTC()
	node := &domain.Node{
		ID:        uuid.New().String(),
		Hostname:  in.Hostname,
		IPAddress: in.IPAddress,
		Status:    domain.NodeOffline,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "node.create", "node", node.ID, actor, nil)
	return node, nil
}

// GetNode fetches one node.
func (s *Services) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	node, err := s.st.GetNode(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeNodeNotFound, "node not found")
		}
		return nil, err
	}
	return node, nil
}

// ListNodes pages nodes.
func (s *Services) ListNodes(ctx context.Context, status string, page, pageSize int) ([]*domain.Node, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListNodes(ctx, status, offset, pageSize)
}

// UpdateNodeInput carries admin-mutable node fields.
type UpdateNodeInput struct {
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ip_address"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata"`
}

// UpdateNode applies admin edits; status changes are limited to the
// online↔maintenance pair.
func (s *Services) UpdateNode(ctx context.Context, id string, in UpdateNodeInput, actor string) (*domain.Node, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Hostname != "" {
		node.Hostname = in.Hostname
	}
	if in.IPAddress != "" {
		node.IPAddress = in.IPAddress
	}
	if in.Metadata != nil {
		node.Metadata = in.Metadata
	}
	if in.Status != "" {
		next := domain.NodeStatus(in.Status)
		switch {
		case next == domain.NodeMaintenance && node.Status == domain.NodeOnline,
			next == domain.NodeOnline && node.Status == domain.NodeMaintenance:
			node.Status = next
		default:
			return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
				"node status can only move between online and maintenance")
		}
	}
	if err := s.st.UpdateNode(ctx, node); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "node.update", "node", node.ID, actor, nil)
	s.notify.NodeStatus(node.ID, string(node.Status), "")
	return node, nil
}

// DeleteNode removes a node; rejected while any VM is assigned to it.
func (s *Services) DeleteNode(ctx context.Context, id string, actor string) error {
	if _, err := s.GetNode(ctx, id); err != nil {
		return err
	}
	count, err := s.st.CountVMsOnNode(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.Conflict(apperrors.CodePreconditionFailed,
			"node still has virtual machines assigned")
	}
	if err := s.st.DeleteNode(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, "node.delete", "node", id, actor, nil)
	return nil
}

// NodeStats aggregates counts and capacity.
func (s *Services) NodeStats(ctx context.Context) (*domain.NodeStats, error) {
	return s.st.NodeStats(ctx)
}

// MarkStaleNodesOffline flips nodes without a recent heartbeat offline
// and closes their registry sessions. Called by the heartbeat monitor.
func (s *Services) MarkStaleNodesOffline(ctx context.Context, offlineAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-offlineAfter)

	for _, sess := range s.reg.StaleSessions(cutoff) {
		logger.Warn("Closing stale agent session",
			zap.String("node_id", sess.NodeID),
			zap.Time("last_heartbeat", sess.LastHeartbeat()))
		sess.Conn.Close(apperrors.CodeTransportClosed)
		s.reg.Unregister(sess)
	}

	ids, err := s.st.MarkStaleNodesOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.notify.NodeStatus(id, string(domain.NodeOffline), "heartbeat timeout")
	}
	return ids, nil
}
