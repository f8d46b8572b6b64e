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

// CreatePoolInput registers a storage backend.
type CreatePoolInput struct {
	Name       string            `json:"name" binding:"required"`
	Type       string            `json:"type" binding:"required"`
	Config     domain.PoolConfig `json:"config"`
	CapacityGB int64             `json:"capacity_gb" binding:"required,min=1"`
	NodeID     string            `json:"node_id"`
}

// CreatePool inserts a pool row. No agent call: the backend must
// already exist on the host.
func (s *Services) CreatePool(ctx context.Context, in CreatePoolInput, actor string) (*domain.StoragePool, error) {
	switch domain.PoolType(in.Type) {
	case domain.PoolNFS, domain.PoolLVM, domain.PoolCeph, domain.PoolISCSI:
	default:
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("unknown pool type %q", in.Type))
	}
	if in.NodeID != "" {
		if _, err := s.GetNode(ctx, in.NodeID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	pool := &domain.StoragePool{
		ID:         uuid.New().String(),
		Name:       in.Name,
		Type:       domain.PoolType(in.Type),
		Status:     domain.PoolActive,
		Config:     in.Config,
		CapacityGB: in.CapacityGB,
		NodeID:     in.NodeID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	pool.AvailableGB = pool.CapacityGB
	if err := s.st.CreatePool(ctx, pool); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "pool.create", "storage_pool", pool.ID, actor,
		map[string]interface{}{"name": in.Name, "type": in.Type})
	return pool, nil
}

// GetPool fetches one pool.
func (s *Services) GetPool(ctx context.Context, id string) (*domain.StoragePool, error) {
	pool, err := s.st.GetPool(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodePoolNotFound, "storage pool not found")
		}
		return nil, err
	}
	return pool, nil
}

// ListPools pages pools.
func (s *Services) ListPools(ctx context.Context, page, pageSize int) ([]*domain.StoragePool, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListPools(ctx, offset, pageSize)
}

// UpdatePoolInput carries admin-mutable pool fields.
type UpdatePoolInput struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	CapacityGB int64  `json:"capacity_gb"`
}

// UpdatePool applies admin edits.
func (s *Services) UpdatePool(ctx context.Context, id string, in UpdatePoolInput, actor string) (*domain.StoragePool, error) {
	pool, err := s.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		pool.Name = in.Name
	}
	if in.Status != "" {
		switch domain.PoolStatus(in.Status) {
		case domain.PoolActive, domain.PoolInactive:
			pool.Status = domain.PoolStatus(in.Status)
		default:
			return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
				fmt.Sprintf("unknown pool status %q", in.Status))
		}
	}
	if in.CapacityGB > 0 {
		if in.CapacityGB < pool.AllocatedGB {
			return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
				"capacity below allocated space")
		}
		pool.CapacityGB = in.CapacityGB
	}
	if err := s.st.UpdatePool(ctx, pool); err != nil {
		return nil, err
	}
	pool.AvailableGB = pool.CapacityGB - pool.AllocatedGB
	s.audit.Record(ctx, "pool.update", "storage_pool", id, actor, nil)
	return pool, nil
}

// DeletePool removes a pool; rejected while any volume references it.
func (s *Services) DeletePool(ctx context.Context, id, actor string) error {
	if _, err := s.GetPool(ctx, id); err != nil {
		return err
	}
	count, err := s.st.CountVolumesInPool(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.Conflict(apperrors.CodePreconditionFailed,
			"pool still contains volumes")
	}
	if err := s.st.DeletePool(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, "pool.delete", "storage_pool", id, actor, nil)
	return nil
}

// CreateVolumeInput requests a new volume. Source optionally names a
// URL whose contents seed the volume before it becomes available.
type CreateVolumeInput struct {
	Name   string            `json:"name" binding:"required"`
	Type   string            `json:"type"`
	SizeGB int64             `json:"size_gb" binding:"required,min=1"`
	PoolID string            `json:"pool_id" binding:"required"`
	Source string            `json:"source"`
	Meta   map[string]string `json:"metadata"`
}

// CreateVolume inserts the row in creating and dispatches volume.create
// to the pool's host node. A failed creation transitions the row to
// error, never silently deletes it.
func (s *Services) CreateVolume(ctx context.Context, in CreateVolumeInput, actor string) (*domain.Volume, *domain.Task, error) {
	pool, err := s.GetPool(ctx, in.PoolID)
	if err != nil {
		return nil, nil, err
	}
	if pool.Status != domain.PoolActive {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("pool is %s, not active", pool.Status))
	}
	if in.SizeGB > pool.AvailableGB {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("pool has %d GB available, %d requested", pool.AvailableGB, in.SizeGB))
	}
	if pool.NodeID == "" {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"pool has no host node")
	}
	if !s.reg.IsOnline(pool.NodeID) {
		return nil, nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"pool's host node has no live agent session")
	}

	volType := domain.VolumeType(in.Type)
	if volType == "" {
		volType = defaultVolumeType(pool.Type)
	}

	now := time.Now().UTC()
	meta := in.Meta
	if in.Source != "" {
		if meta == nil {
			meta = map[string]string{}
		}
		meta["source"] = in.Source
	}
	vol := &domain.Volume{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Type:      volType,
		SizeGB:    in.SizeGB,
		PoolID:    pool.ID,
		Status:    domain.VolumeCreating,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	task := newTask("volume.create", "volume", vol.ID, pool.NodeID, actor,
		map[string]interface{}{"pool_id": pool.ID, "size_gb": in.SizeGB}, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateVolume(ctx, vol); err != nil {
			return err
		}
		if err := tx.RefreshPoolUsage(ctx, pool.ID); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, nil, err
	}
	s.audit.Record(ctx, "volume.create", "volume", vol.ID, actor, map[string]interface{}{
		"task_id": task.ID, "pool_id": pool.ID,
	})

	req := rpc.VolumeCreateRequest{
		TaskID:   task.ID,
		VolumeID: vol.ID,
		Name:     vol.Name,
		SizeGB:   vol.SizeGB,
		Format:   string(vol.Type),
		Pool:     poolSpec(pool),
		Source:   in.Source,
	}
	timeout := s.cfg.RequestTimeout
	if in.Source != "" {
		// Fetching initial contents can take far longer than a bare create.
		timeout = s.cfg.LongTimeout
	}
	s.detach(func(ctx context.Context) {
		result, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodVolumeCreate, req, timeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVolumeDispatchFailure(ctx, task.ID, vol.ID, domain.VolumeCreating, err)
			return
		}
		var resp rpc.VolumeCreateResponse
		_ = json.Unmarshal(result, &resp)
		s.completeVolumeCreate(ctx, task.ID, vol.ID, resp)
	})
	return vol, task, nil
}

func (s *Services) completeVolumeCreate(ctx context.Context, taskID, volumeID string, resp rpc.VolumeCreateResponse) {
	final := domain.VolumeAvailable
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		vol, err := tx.GetVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		pool, err := tx.GetPool(ctx, vol.PoolID)
		if err != nil {
			return err
		}
		// A volume on a pool that went inactive mid-create may not
		// become available.
		if pool.Status != domain.PoolActive {
			final = domain.VolumeError
			vol.Status = domain.VolumeError
			vol.Path = resp.Path
			if err := tx.UpdateVolume(ctx, vol); err != nil {
				return err
			}
			return tx.RefreshPoolUsage(ctx, vol.PoolID)
		}
		vol.Status = domain.VolumeAvailable
		vol.Path = resp.Path
		if resp.SizeGB > 0 {
			vol.SizeGB = resp.SizeGB
		}
		if err := tx.UpdateVolume(ctx, vol); err != nil {
			return err
		}
		return tx.RefreshPoolUsage(ctx, vol.PoolID)
	})
	if err != nil {
		logger.Error("apply volume create result", zap.String("volume_id", volumeID), zap.Error(err))
		s.finishTask(ctx, taskID, domain.TaskFailed, nil, err.Error())
		return
	}
	s.finishTask(ctx, taskID, domain.TaskCompleted, nil, "")
	s.notify.VolumeStatus(volumeID, string(final), "volume created")
}

// GetVolume fetches one volume.
func (s *Services) GetVolume(ctx context.Context, id string) (*domain.Volume, error) {
	vol, err := s.st.GetVolume(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeVolumeNotFound, "volume not found")
		}
		return nil, err
	}
	return vol, nil
}

// ListVolumes pages volumes filtered by pool and/or status.
func (s *Services) ListVolumes(ctx context.Context, poolID, status string, page, pageSize int) ([]*domain.Volume, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListVolumes(ctx, poolID, status, offset, pageSize)
}

// UpdateVolumeInput carries mutable volume fields.
type UpdateVolumeInput struct {
	Name string            `json:"name"`
	Meta map[string]string `json:"metadata"`
}

// UpdateVolume renames a volume or replaces its metadata.
func (s *Services) UpdateVolume(ctx context.Context, id string, in UpdateVolumeInput, actor string) (*domain.Volume, error) {
	vol, err := s.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != "" {
		vol.Name = in.Name
	}
	if in.Meta != nil {
		vol.Metadata = in.Meta
	}
	if err := s.st.UpdateVolume(ctx, vol); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "volume.update", "volume", id, actor, nil)
	return vol, nil
}

// DeleteVolume transitions the row to deleting and dispatches
// volume.delete. An in_use volume is rejected.
func (s *Services) DeleteVolume(ctx context.Context, id, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("volume:" + id)
	defer unlock()

	vol, err := s.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	if vol.Status == domain.VolumeInUse {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"volume is attached to a virtual machine")
	}
	if vol.Status == domain.VolumeDeleting {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"volume deletion already in progress")
	}
	count, err := s.st.CountSnapshotsForVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"volume still has snapshots")
	}
	pool, err := s.GetPool(ctx, vol.PoolID)
	if err != nil {
		return nil, err
	}

	// A volume that never reached the host has nothing to delete there.
	if vol.Path == "" || vol.Status == domain.VolumeError {
		err = s.st.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.DeleteVolume(ctx, id); err != nil {
				return err
			}
			return tx.RefreshPoolUsage(ctx, vol.PoolID)
		})
		if err != nil {
			return nil, err
		}
		s.audit.Record(ctx, "volume.delete", "volume", id, actor, nil)
		return nil, nil
	}

	if !s.reg.IsOnline(pool.NodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"pool's host node has no live agent session")
	}

	task := newTask("volume.delete", "volume", id, pool.NodeID, actor, nil, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		vol.Status = domain.VolumeDeleting
		if err := tx.UpdateVolume(ctx, vol); err != nil {
			return err
		}
		if err := tx.RefreshPoolUsage(ctx, vol.PoolID); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "volume.delete", "volume", id, actor, map[string]interface{}{"task_id": task.ID})

	req := rpc.VolumeDeleteRequest{
		TaskID: task.ID, VolumeID: id, Path: vol.Path, Pool: poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodVolumeDelete, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVolumeDispatchFailure(ctx, task.ID, id, domain.VolumeDeleting, err)
			return
		}
		err = s.st.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.DeleteVolume(ctx, id); err != nil && err != store.ErrNotFound {
				return err
			}
			return tx.RefreshPoolUsage(ctx, vol.PoolID)
		})
		if err != nil {
			s.finishTask(ctx, task.ID, domain.TaskFailed, nil, err.Error())
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.VolumeStatus(id, "deleted", "volume deleted")
	})
	return task, nil
}

// ResizeVolume grows an available volume.
func (s *Services) ResizeVolume(ctx context.Context, id string, newSizeGB int64, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("volume:" + id)
	defer unlock()

	vol, err := s.GetVolume(ctx, id)
	if err != nil {
		return nil, err
	}
	if vol.Status != domain.VolumeAvailable {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"resize requires an available volume")
	}
	if newSizeGB <= vol.SizeGB {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			"volumes can only grow")
	}
	pool, err := s.GetPool(ctx, vol.PoolID)
	if err != nil {
		return nil, err
	}
	if newSizeGB-vol.SizeGB > pool.AvailableGB {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"pool lacks space for the resize")
	}
	if !s.reg.IsOnline(pool.NodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"pool's host node has no live agent session")
	}

	task := newTask("volume.resize", "volume", id, pool.NodeID, actor,
		map[string]interface{}{"new_size_gb": newSizeGB}, s.cfg.MaxRetries)
	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "volume.resize", "volume", id, actor, map[string]interface{}{
		"task_id": task.ID, "new_size_gb": newSizeGB,
	})

	req := rpc.VolumeResizeRequest{
		TaskID: task.ID, VolumeID: id, Path: vol.Path,
		NewSizeGB: newSizeGB, Pool: poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodVolumeResize, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVolumeDispatchFailure(ctx, task.ID, id, domain.VolumeAvailable, err)
			return
		}
		err = s.st.WithTx(ctx, func(tx *store.Store) error {
			cur, err := tx.GetVolume(ctx, id)
			if err != nil {
				return err
			}
			cur.SizeGB = newSizeGB
			if err := tx.UpdateVolume(ctx, cur); err != nil {
				return err
			}
			return tx.RefreshPoolUsage(ctx, cur.PoolID)
		})
		if err != nil {
			s.finishTask(ctx, task.ID, domain.TaskFailed, nil, err.Error())
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.VolumeStatus(id, string(domain.VolumeAvailable), "volume resized")
	})
	return task, nil
}

// CloneVolume copies an available volume into a new volume in the same
// pool.
func (s *Services) CloneVolume(ctx context.Context, id, cloneName, actor string) (*domain.Volume, *domain.Task, error) {
	unlock := s.entities.Lock("volume:" + id)
	defer unlock()

	src, err := s.GetVolume(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if src.Status != domain.VolumeAvailable {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"clone requires an available source volume")
	}
	pool, err := s.GetPool(ctx, src.PoolID)
	if err != nil {
		return nil, nil, err
	}
	if src.SizeGB > pool.AvailableGB {
		return nil, nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"pool lacks space for the clone")
	}
	if !s.reg.IsOnline(pool.NodeID) {
		return nil, nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"pool's host node has no live agent session")
	}

	now := time.Now().UTC()
	clone := &domain.Volume{
		ID:        uuid.New().String(),
		Name:      cloneName,
		Type:      src.Type,
		SizeGB:    src.SizeGB,
		PoolID:    src.PoolID,
		Status:    domain.VolumeCreating,
		Metadata:  map[string]string{"cloned_from": src.ID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := newTask("volume.clone", "volume", clone.ID, pool.NodeID, actor,
		map[string]interface{}{"source_id": src.ID}, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateVolume(ctx, clone); err != nil {
			return err
		}
		if err := tx.RefreshPoolUsage(ctx, pool.ID); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, nil, err
	}
	s.audit.Record(ctx, "volume.clone", "volume", clone.ID, actor, map[string]interface{}{
		"source_id": src.ID, "task_id": task.ID,
	})

	req := rpc.VolumeCloneRequest{
		TaskID:     task.ID,
		SourceID:   src.ID,
		SourcePath: src.Path,
		CloneID:    clone.ID,
		CloneName:  cloneName,
		Pool:       poolSpec(pool),
	}
	s.detach(func(ctx context.Context) {
		result, err := s.reg.Call(ctx, pool.NodeID, rpc.MethodVolumeClone, req, s.cfg.LongTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVolumeDispatchFailure(ctx, task.ID, clone.ID, domain.VolumeCreating, err)
			return
		}
		var resp rpc.VolumeCreateResponse
		_ = json.Unmarshal(result, &resp)
		s.completeVolumeCreate(ctx, task.ID, clone.ID, resp)
	})
	return clone, task, nil
}

// resolveVolumeDispatchFailure mirrors the VM classification: transport
// faults leave the intent state for reconciliation, driver errors move
// the row to error and refresh the pool accounting.
func (s *Services) resolveVolumeDispatchFailure(ctx context.Context, taskID, volumeID string, intent domain.VolumeStatus, callErr error) {
	appErr, _ := apperrors.IsAppError(callErr)
	if appErr != nil && isTransportCode(appErr.Code) {
		logger.Warn("Volume dispatch in doubt, leaving intent state",
			zap.String("volume_id", volumeID),
			zap.String("task_id", taskID),
			zap.String("code", appErr.Code))
		s.finishTask(ctx, taskID, domain.TaskFailed, nil, appErr.Error())
		return
	}

	msg := callErr.Error()
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		vol, err := tx.GetVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		if vol.Status != intent {
			return nil
		}
		vol.Status = domain.VolumeError
		if err := tx.UpdateVolume(ctx, vol); err != nil {
			return err
		}
		return tx.RefreshPoolUsage(ctx, vol.PoolID)
	})
	if err != nil {
		logger.Error("apply volume failure", zap.String("volume_id", volumeID), zap.Error(err))
	}
	s.finishTask(ctx, taskID, domain.TaskFailed, nil, msg)
	s.notify.VolumeStatus(volumeID, string(domain.VolumeError), msg)
}

// poolSpec flattens the type-tagged pool config for the wire.
func poolSpec(p *domain.StoragePool) rpc.PoolSpec {
	cfg := map[string]string{}
	switch {
	case p.Config.NFS != nil:
		cfg["server"] = p.Config.NFS.Server
		cfg["export_path"] = p.Config.NFS.ExportPath
		cfg["mount_point"] = p.Config.NFS.MountPoint
	case p.Config.LVM != nil:
		cfg["volume_group"] = p.Config.LVM.VolumeGroup
	case p.Config.Ceph != nil:
		cfg["rbd_pool"] = p.Config.Ceph.RBDPool
		cfg["user"] = p.Config.Ceph.User
		for i, m := range p.Config.Ceph.Monitors {
			cfg[fmt.Sprintf("monitor_%d", i)] = m
		}
	case p.Config.ISCSI != nil:
		cfg["portal"] = p.Config.ISCSI.Portal
		cfg["iqn"] = p.Config.ISCSI.IQN
	}
	return rpc.PoolSpec{
		PoolID: p.ID,
		Name:   p.Name,
		Type:   string(p.Type),
		Config: cfg,
	}
}

func defaultVolumeType(pt domain.PoolType) domain.VolumeType {
	switch pt {
	case domain.PoolLVM:
		return domain.VolumeLVM
	case domain.PoolCeph:
		return domain.VolumeCeph
	default:
		return domain.VolumeQCOW2
	}
}
