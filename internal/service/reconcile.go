package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// ReconcileOnce resolves rows stuck in intent states by re-querying the
// owning agent and either completing the transition or marking error.
// Agent timeouts leave entities in their intent state; this sweep is
// what drives them to a terminal state.
func (s *Services) ReconcileOnce(ctx context.Context) {
	s.reconcileVMs(ctx)
	s.reconcileVolumes(ctx)
}

func (s *Services) reconcileVMs(ctx context.Context) {
	vms, err := s.st.ListVMsByStatus(ctx,
		domain.VMStarting, domain.VMStopping, domain.VMRestarting, domain.VMMigrating)
	if err != nil {
		logger.Error("Reconcile: list in-flight VMs", zap.Error(err))
		return
	}
	for _, vm := range vms {
		s.reconcileVM(ctx, vm)
	}
}

func (s *Services) reconcileVM(ctx context.Context, vm *domain.VM) {
	unlock := s.entities.Lock("vm:" + vm.ID)
	defer unlock()

	// Re-read under the lock; the dispatch callback may have resolved
	// the row already.
	cur, err := s.st.GetVM(ctx, vm.ID)
	if err != nil || !cur.Status.InFlight() {
		return
	}

	task := s.latestTaskFor(ctx, "vm", vm.ID)
	if task != nil && !task.Status.Terminal() && time.Since(task.CreatedAt) < time.Minute {
		// Dispatch still in flight; give it a full interval first.
		return
	}

	if !s.reg.IsOnline(cur.NodeID) {
		logger.Debug("Reconcile: node offline, VM stays in intent state",
			zap.String("vm_id", cur.ID), zap.String("status", string(cur.Status)))
		return
	}

	raw, err := s.reg.Call(ctx, cur.NodeID, rpc.MethodVMDescribe,
		rpc.VMDescribeRequest{VMID: cur.ID}, s.cfg.RequestTimeout)
	if err != nil {
		logger.Warn("Reconcile: vm.describe failed",
			zap.String("vm_id", cur.ID), zap.Error(err))
		return
	}
	var desc rpc.VMDescribeResponse
	if err := json.Unmarshal(raw, &desc); err != nil {
		return
	}

	now := time.Now().UTC()
	switch cur.Status {
	case domain.VMStarting, domain.VMRestarting:
		if desc.Running {
			cur.Status = domain.VMRunning
			cur.StartedAt = &now
			if desc.UUID != "" {
				cur.UUID = desc.UUID
			}
		} else if s.retryVMTask(ctx, cur, task) {
			return
		} else {
			cur.Status = domain.VMError
		}
	case domain.VMStopping:
		if !desc.Running {
			cur.Status = domain.VMStopped
			cur.StoppedAt = &now
		} else if s.retryVMTask(ctx, cur, task) {
			return
		} else {
			cur.Status = domain.VMError
		}
	case domain.VMMigrating:
		// A migration that left a task behind did not hand the domain
		// over cleanly; node_id stays unchanged.
		cur.Status = domain.VMError
	}

	if err := s.st.UpdateVM(ctx, cur); err != nil {
		logger.Error("Reconcile: apply VM state", zap.String("vm_id", cur.ID), zap.Error(err))
		return
	}
	logger.Info("Reconcile: VM resolved",
		zap.String("vm_id", cur.ID), zap.String("status", string(cur.Status)))
	s.notify.VMStatus(cur.ID, string(cur.Status), "resolved by reconciliation")
}

// retryVMTask re-dispatches the stuck operation with the same task id
// so the agent deduplicates, backing off exponentially on the retry
// count. Returns true when a retry was issued.
func (s *Services) retryVMTask(ctx context.Context, vm *domain.VM, task *domain.Task) bool {
	if task == nil || task.RetryCount >= task.MaxRetries {
		return false
	}
	var method string
	var payload interface{}
	switch task.TaskType {
	case "vm.start":
		var spec rpc.VMSpec
		if json.Unmarshal(task.Payload, &spec) != nil {
			return false
		}
		method = rpc.MethodVMDefineAndStart
		payload = rpc.VMDefineAndStartRequest{TaskID: task.ID, Spec: spec}
	case "vm.stop":
		var p struct {
			Force bool `json:"force"`
		}
		_ = json.Unmarshal(task.Payload, &p)
		method = rpc.MethodVMStop
		payload = rpc.VMStopRequest{TaskID: task.ID, VMID: vm.ID, Force: p.Force}
	case "vm.restart":
		method = rpc.MethodVMRestart
		payload = rpc.VMRestartRequest{TaskID: task.ID, VMID: vm.ID}
	default:
		return false
	}

	retries, err := s.st.IncrementTaskRetry(ctx, task.ID)
	if err != nil {
		return false
	}
	backoff := time.Duration(1<<uint(retries-1)) * time.Second
	nodeID := vm.NodeID
	vmID := vm.ID
	intent := vm.Status
	taskID := task.ID

	logger.Info("Reconcile: retrying task",
		zap.String("task_id", taskID),
		zap.String("method", method),
		zap.Int("retry", retries),
		zap.Duration("backoff", backoff))

	s.detach(func(ctx context.Context) {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		result, err := s.reg.Call(ctx, nodeID, method, payload, s.cfg.RequestTimeout)
		if err != nil {
			if appErr, _ := apperrors.IsAppError(err); appErr != nil && isTransportCode(appErr.Code) {
				// Still in doubt; the next sweep picks it up again.
				return
			}
			s.resolveVMDispatchFailure(ctx, taskID, vmID, intent, err)
			return
		}
		switch method {
		case rpc.MethodVMDefineAndStart, rpc.MethodVMRestart:
			var resp rpc.VMDefineAndStartResponse
			_ = json.Unmarshal(result, &resp)
			s.completeVMStart(ctx, taskID, vmID, resp.UUID)
		case rpc.MethodVMStop:
			s.completeVMStop(ctx, taskID, vmID)
		}
	})
	return true
}

func (s *Services) reconcileVolumes(ctx context.Context) {
	vols, err := s.st.ListVolumesByStatus(ctx, domain.VolumeCreating, domain.VolumeDeleting)
	if err != nil {
		logger.Error("Reconcile: list in-flight volumes", zap.Error(err))
		return
	}
	for _, vol := range vols {
		s.reconcileVolume(ctx, vol)
	}
}

func (s *Services) reconcileVolume(ctx context.Context, vol *domain.Volume) {
	unlock := s.entities.Lock("volume:" + vol.ID)
	defer unlock()

	cur, err := s.st.GetVolume(ctx, vol.ID)
	if err != nil {
		return
	}
	if cur.Status != domain.VolumeCreating && cur.Status != domain.VolumeDeleting {
		return
	}

	task := s.latestTaskFor(ctx, "volume", vol.ID)
	if task != nil && !task.Status.Terminal() && time.Since(task.CreatedAt) < time.Minute {
		return
	}

	pool, err := s.st.GetPool(ctx, cur.PoolID)
	if err != nil || !s.reg.IsOnline(pool.NodeID) {
		return
	}

	raw, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodVolumeDescribe,
		rpc.VolumeDescribeRequest{VolumeID: cur.ID, Path: cur.Path, Pool: poolSpec(pool)},
		s.cfg.RequestTimeout)
	if err != nil {
		logger.Warn("Reconcile: volume.describe failed",
			zap.String("volume_id", cur.ID), zap.Error(err))
		return
	}
	var desc rpc.VolumeDescribeResponse
	if err := json.Unmarshal(raw, &desc); err != nil {
		return
	}

	switch cur.Status {
	case domain.VolumeCreating:
		if desc.Present {
			resp := rpc.VolumeCreateResponse{Path: desc.Path, SizeGB: desc.SizeGB}
			taskID := ""
			if task != nil {
				taskID = task.ID
			}
			s.completeVolumeCreate(ctx, taskID, cur.ID, resp)
			return
		}
		cur.Status = domain.VolumeError
	case domain.VolumeDeleting:
		if !desc.Present {
			if err := s.st.DeleteVolume(ctx, cur.ID); err == nil {
				_ = s.st.RefreshPoolUsage(ctx, cur.PoolID)
			}
			logger.Info("Reconcile: volume delete confirmed", zap.String("volume_id", cur.ID))
			return
		}
		cur.Status = domain.VolumeError
	}

	if err := s.st.UpdateVolume(ctx, cur); err != nil {
		return
	}
	_ = s.st.RefreshPoolUsage(ctx, cur.PoolID)
	logger.Info("Reconcile: volume resolved",
		zap.String("volume_id", cur.ID), zap.String("status", string(cur.Status)))
	s.notify.VolumeStatus(cur.ID, string(cur.Status), "resolved by reconciliation")
}

// latestTaskFor returns the newest task targeting the entity.
func (s *Services) latestTaskFor(ctx context.Context, targetType, targetID string) *domain.Task {
	tasks, _, err := s.st.ListTasks(ctx, "", targetType, targetID, 0, 1)
	if err != nil || len(tasks) == 0 {
		return nil
	}
	return tasks[0]
}
