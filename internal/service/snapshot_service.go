package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/store"
)

// CreateSnapshotInput requests a point-in-time image of a volume.
type CreateSnapshotInput struct {
	VolumeID    string `json:"volume_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateSnapshot inserts the row in creating and dispatches
// snapshot.create. The capture mode follows the volume's current
// association: in_use volumes live-snapshot through the hypervisor
// domain API, available volumes snapshot offline through the image
// tool.
func (s *Services) CreateSnapshot(ctx context.Context, in CreateSnapshotInput, actor string) (*domain.Snapshot, *domain.Task, error) {
	unlock := s.entities.Lock("volume:" + in.VolumeID)
	defer unlock()

	vol, err := s.GetVolume(ctx, in.VolumeID)
	if err != nil {
		return nil, nil, err
	}
	if vol.Status != domain.VolumeAvailable && vol.Status != domain.VolumeInUse {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot snapshot a %s volume", vol.Status))
	}
	pool, err := s.GetPool(ctx, vol.PoolID)
	if err != nil {
		return nil, nil, err
	}

	mode := domain.SnapshotOffline
	nodeID := pool.NodeID
	if vol.Status == domain.VolumeInUse {
		mode = domain.SnapshotLive
		vm, err := s.GetVM(ctx, vol.VMID)
		if err != nil {
			return nil, nil, err
		}
		// Live snapshots run where the domain runs.
		nodeID = vm.NodeID
	}
	if !s.reg.IsOnline(nodeID) {
		return nil, nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"target node has no live agent session")
	}

	now := time.Now().UTC()
	snap := &domain.Snapshot{
		ID:          uuid.New().String(),
		Name:        in.Name,
		VolumeID:    vol.ID,
		Status:      domain.SnapshotCreating,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task := newTask("snapshot.create", "snapshot", snap.ID, nodeID, actor,
		map[string]interface{}{"volume_id": vol.ID, "mode": string(mode)}, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateSnapshot(ctx, snap); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, nil, err
	}
	s.audit.Record(ctx, "snapshot.create", "snapshot", snap.ID, actor, map[string]interface{}{
		"volume_id": vol.ID, "mode": string(mode), "task_id": task.ID,
	})

	req := rpc.SnapshotCreateRequest{
		TaskID:     task.ID,
		SnapshotID: snap.ID,
		VolumeID:   vol.ID,
		VolumePath: vol.Path,
		VMID:       vol.VMID,
		Name:       in.Name,
		Mode:       string(mode),
		Pool:       poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		result, err := s.reg.Call(ctx, nodeID, rpc.MethodSnapshotCreate, req, s.cfg.LongTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveSnapshotDispatchFailure(ctx, task.ID, snap.ID, domain.SnapshotCreating, err)
			return
		}
		var resp rpc.SnapshotCreateResponse
		_ = json.Unmarshal(result, &resp)

		cur, err := s.st.GetSnapshot(ctx, snap.ID)
		if err != nil {
			return
		}
		cur.Status = domain.SnapshotAvailable
		cur.SnapshotTag = resp.Tag
		cur.SizeGB = resp.SizeGB
		if err := s.st.UpdateSnapshot(ctx, cur); err != nil {
			logger.Error("apply snapshot result", zap.String("snapshot_id", snap.ID), zap.Error(err))
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.SnapshotStatus(snap.ID, string(domain.SnapshotAvailable), "snapshot created")
	})
	return snap, task, nil
}

// GetSnapshot fetches one snapshot.
func (s *Services) GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	snap, err := s.st.GetSnapshot(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeSnapshotNotFound, "snapshot not found")
		}
		return nil, err
	}
	return snap, nil
}

// ListSnapshots pages snapshots, optionally by parent volume.
func (s *Services) ListSnapshots(ctx context.Context, volumeID string, page, pageSize int) ([]*domain.Snapshot, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListSnapshots(ctx, volumeID, offset, pageSize)
}

// UpdateSnapshotInput carries mutable snapshot fields.
type UpdateSnapshotInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// UpdateSnapshot renames a snapshot or edits its description.
func (s *Services) UpdateSnapshot(ctx context.Context, id string, in UpdateSnapshotInput, actor string) (*domain.Snapshot, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		snap.Name = in.Name
	}
	if in.Description != "" {
		snap.Description = in.Description
	}
	if err := s.st.UpdateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "snapshot.update", "snapshot", id, actor, nil)
	return snap, nil
}

// DeleteSnapshot mirrors create: the row moves to deleting, the agent
// removes the on-disk tag, and the row is deleted on confirmation.
func (s *Services) DeleteSnapshot(ctx context.Context, id, actor string) (*domain.Task, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status == domain.SnapshotDeleting {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"snapshot deletion already in progress")
	}
	vol, err := s.GetVolume(ctx, snap.VolumeID)
	if err != nil {
		// Orphaned snapshot: nothing left to delete on disk.
		if appErr, ok := apperrors.IsAppError(err); ok && appErr.Code == apperrors.CodeVolumeNotFound {
			if err := s.st.DeleteSnapshot(ctx, id); err != nil {
				return nil, err
			}
			s.audit.Record(ctx, "snapshot.delete", "snapshot", id, actor, nil)
			return nil, nil
		}
		return nil, err
	}
	pool, err := s.GetPool(ctx, vol.PoolID)
	if err != nil {
		return nil, err
	}

	mode := domain.SnapshotOffline
	nodeID := pool.NodeID
	if vol.Status == domain.VolumeInUse {
		mode = domain.SnapshotLive
		vm, err := s.GetVM(ctx, vol.VMID)
		if err != nil {
			return nil, err
		}
		nodeID = vm.NodeID
	}
	if !s.reg.IsOnline(nodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"target node has no live agent session")
	}

	task := newTask("snapshot.delete", "snapshot", id, nodeID, actor, nil, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		snap.Status = domain.SnapshotDeleting
		if err := tx.UpdateSnapshot(ctx, snap); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "snapshot.delete", "snapshot", id, actor, map[string]interface{}{"task_id": task.ID})

	req := rpc.SnapshotDeleteRequest{
		TaskID:     task.ID,
		SnapshotID: id,
		VolumeID:   vol.ID,
		VolumePath: vol.Path,
		VMID:       vol.VMID,
		Tag:        snap.SnapshotTag,
		Mode:       string(mode),
		Pool:       poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, nodeID, rpc.MethodSnapshotDelete, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveSnapshotDispatchFailure(ctx, task.ID, id, domain.SnapshotDeleting, err)
			return
		}
		if err := s.st.DeleteSnapshot(ctx, id); err != nil && err != store.ErrNotFound {
			s.finishTask(ctx, task.ID, domain.TaskFailed, nil, err.Error())
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.SnapshotStatus(id, "deleted", "snapshot deleted")
	})
	return task, nil
}

// RestoreSnapshot reverts the parent volume to the snapshot. The
// volume must be available: restoring under a running VM is rejected
// with PRECONDITION_FAILED and no agent call is made.
func (s *Services) RestoreSnapshot(ctx context.Context, id, actor string) (*domain.Task, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status != domain.SnapshotAvailable {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot restore a %s snapshot", snap.Status))
	}

	unlock := s.entities.Lock("volume:" + snap.VolumeID)
	defer unlock()

	vol, err := s.GetVolume(ctx, snap.VolumeID)
	if err != nil {
		return nil, err
	}
	if vol.Status != domain.VolumeAvailable {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"stop the virtual machine and detach the volume before restoring")
	}
	pool, err := s.GetPool(ctx, vol.PoolID)
	if err != nil {
		return nil, err
	}
	if !s.reg.IsOnline(pool.NodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"pool's host node has no live agent session")
	}

	task := newTask("snapshot.restore", "snapshot", id, pool.NodeID, actor,
		map[string]interface{}{"volume_id": vol.ID}, s.cfg.MaxRetries)
	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "snapshot.restore", "snapshot", id, actor, map[string]interface{}{
		"volume_id": vol.ID, "task_id": task.ID,
	})

	req := rpc.SnapshotRestoreRequest{
		TaskID:     task.ID,
		SnapshotID: id,
		VolumeID:   vol.ID,
		VolumePath: vol.Path,
		Tag:        snap.SnapshotTag,
		Pool:       poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodSnapshotRestore, req, s.cfg.LongTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveSnapshotDispatchFailure(ctx, task.ID, id, domain.SnapshotAvailable, err)
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.SnapshotStatus(id, string(domain.SnapshotAvailable), "snapshot restored")
		s.notify.VolumeStatus(vol.ID, string(domain.VolumeAvailable), "volume restored from snapshot")
	})
	return task, nil
}

func (s *Services) resolveSnapshotDispatchFailure(ctx context.Context, taskID, snapshotID string, intent domain.SnapshotStatus, callErr error) {
	appErr, _ := apperrors.IsAppError(callErr)
	if appErr != nil && isTransportCode(appErr.Code) {
		logger.Warn("Snapshot dispatch in doubt, leaving intent state",
			zap.String("snapshot_id", snapshotID),
			zap.String("task_id", taskID),
			zap.String("code", appErr.Code))
		s.finishTask(ctx, taskID, domain.TaskFailed, nil, appErr.Error())
		return
	}

	msg := callErr.Error()
	snap, err := s.st.GetSnapshot(ctx, snapshotID)
	if err == nil && snap.Status == intent {
		snap.Status = domain.SnapshotError
		_ = s.st.UpdateSnapshot(ctx, snap)
	}
	s.finishTask(ctx, taskID, domain.TaskFailed, nil, msg)
	s.notify.SnapshotStatus(snapshotID, string(domain.SnapshotError), msg)
}
