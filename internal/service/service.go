// Package service implements the controller-side orchestration
// services: validation, DB transitions, agent dispatch, and
// reconciliation of async results.
//
// Every mutating operation follows the same contract: validate against
// current row state, commit the intent state plus a task row in one
// transaction, dispatch to the target node with the task id attached
// for deduplication, apply the terminal transition when the agent
// responds, and record an audit entry before returning.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"cloudpasture.io/corral/internal/audit"
	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ipam"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/store"
)

// Notifier pushes events to connected front-end WebSocket clients.
// Implemented by the ws hub; a no-op implementation serves tests.
type Notifier interface {
	VMStatus(vmID, status, message string)
	NodeStatus(nodeID, status, message string)
	TaskStatus(taskID, status string, progress int, message string)
	VolumeStatus(volumeID, status, message string)
	SnapshotStatus(snapshotID, status, message string)
	SystemNotification(title, message, level string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) VMStatus(string, string, string)           {}
func (NopNotifier) NodeStatus(string, string, string)         {}
func (NopNotifier) TaskStatus(string, string, int, string)    {}
func (NopNotifier) VolumeStatus(string, string, string)       {}
func (NopNotifier) SnapshotStatus(string, string, string)     {}
func (NopNotifier) SystemNotification(string, string, string) {}

// Config carries the tunables services need.
type Config struct {
	RequestTimeout time.Duration
	LongTimeout    time.Duration
	MaxRetries     int
	DefaultBridge  string
}

// Services bundles the orchestration services over shared
// dependencies.
type Services struct {
	st       *store.Store
	reg      *registry.Registry
	alloc    *ipam.Allocator
	notify   Notifier
	audit    *audit.Logger
	pools    *worker.Pools
	cfg      Config
	entities *keyedMutex
}

// New wires the service layer.
func New(st *store.Store, reg *registry.Registry, alloc *ipam.Allocator, notify Notifier, auditLog *audit.Logger, pools *worker.Pools, cfg Config) *Services {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LongTimeout == 0 {
		cfg.LongTimeout = 300 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultBridge == "" {
		cfg.DefaultBridge = "br-default"
	}
	return &Services{
		st:       st,
		reg:      reg,
		alloc:    alloc,
		notify:   notify,
		audit:    auditLog,
		pools:    pools,
		cfg:      cfg,
		entities: newKeyedMutex(),
	}
}

// Store exposes the metadata store for read paths.
func (s *Services) Store() *store.Store {
	return s.st
}

// Allocator exposes the IP allocator.
func (s *Services) Allocator() *ipam.Allocator {
	return s.alloc
}

// Audit exposes the audit logger.
func (s *Services) Audit() *audit.Logger {
	return s.audit
}

// newTask builds a pending task row bound to a target entity.
func newTask(taskType, targetType, targetID, nodeID, createdBy string, payload interface{}, maxRetries int) *domain.Task {
	raw, _ := json.Marshal(payload)
	now := time.Now().UTC()
	return &domain.Task{
		ID:         uuid.New().String(),
		TaskType:   taskType,
		Status:     domain.TaskPending,
		Payload:    raw,
		TargetType: targetType,
		TargetID:   targetID,
		NodeID:     nodeID,
		MaxRetries: maxRetries,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// finishTask applies the terminal task status and pushes the update to
// the frontend channel.
func (s *Services) finishTask(ctx context.Context, taskID string, status domain.TaskStatus, result json.RawMessage, errMsg string) {
	if err := s.st.FinishTask(ctx, taskID, status, result, errMsg); err != nil && err != store.ErrTaskTerminal {
		return
	}
	progress := 0
	if status == domain.TaskCompleted {
		progress = 100
	}
	s.notify.TaskStatus(taskID, string(status), progress, errMsg)
}

// detach runs fn on the general pool against the service lifecycle
// context, so an HTTP request returning does not cancel the dispatch.
func (s *Services) detach(fn func(ctx context.Context)) {
	_ = s.pools.SubmitDetached("general", worker.Task(fn))
}
