package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/agent/hypervisor"
	"cloudpasture.io/corral/internal/agent/network"
	"cloudpasture.io/corral/internal/agent/storage"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// dispatcher binds the agent's RPC methods to the local drivers. Every
// task-bearing method is idempotent by task id: a cached successful
// result is returned without repeating the side effect.
type dispatcher struct {
	hv      *hypervisor.Driver
	stor    *storage.Manager
	net     *network.Manager
	cache   *taskCache
	streams streamSender
}

// streamSender emits progress frames for an in-flight request id.
type streamSender interface {
	Stream(id string, payload interface{}) error
}

func newDispatcher(hv *hypervisor.Driver, stor *storage.Manager, netMgr *network.Manager, cache *taskCache) *dispatcher {
	return &dispatcher{hv: hv, stor: stor, net: netMgr, cache: cache}
}

// mux builds the method table advertised at registration.
func (d *dispatcher) mux() *rpc.Mux {
	m := rpc.NewMux()

	m.HandleRequest(rpc.MethodVMDefineAndStart, d.vmDefineAndStart)
	m.HandleRequest(rpc.MethodVMStop, d.vmStop)
	m.HandleRequest(rpc.MethodVMRestart, d.vmRestart)
	m.HandleRequest(rpc.MethodVMAttachDisk, d.vmAttachDisk)
	m.HandleRequest(rpc.MethodVMDetachDisk, d.vmDetachDisk)
	m.HandleRequest(rpc.MethodVMDescribe, d.vmDescribe)
	m.HandleRequest(rpc.MethodVMMigrate, d.vmMigrate)

	m.HandleRequest(rpc.MethodVolumeCreate, d.volumeCreate)
	m.HandleRequest(rpc.MethodVolumeDelete, d.volumeDelete)
	m.HandleRequest(rpc.MethodVolumeResize, d.volumeResize)
	m.HandleRequest(rpc.MethodVolumeClone, d.volumeClone)
	m.HandleRequest(rpc.MethodVolumeDescribe, d.volumeDescribe)

	m.HandleRequest(rpc.MethodSnapshotCreate, d.snapshotCreate)
	m.HandleRequest(rpc.MethodSnapshotDelete, d.snapshotDelete)
	m.HandleRequest(rpc.MethodSnapshotRestore, d.snapshotRestore)

	m.HandleRequest(rpc.MethodNetworkEnsure, d.networkEnsure)
	m.HandleRequest(rpc.MethodNetworkAttachTap, d.networkAttachTap)
	m.HandleRequest(rpc.MethodNetworkDetachTap, d.networkDetachTap)

	return m
}

// cached wraps a handler body with the task-id idempotency check.
func (d *dispatcher) cached(taskID string, fn func() (interface{}, error)) (interface{}, error) {
	if result, ok := d.cache.Get(taskID); ok {
		logger.Info("Returning cached result", zap.String("task_id", taskID))
		return result, nil
	}
	result, err := fn()
	if err != nil {
		return nil, err
	}
	d.cache.Put(taskID, result)
	return result, nil
}

func (d *dispatcher) vmDefineAndStart(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMDefineAndStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		// Bridges must exist before the domain references them.
		for _, nic := range req.Spec.Networks {
			spec := rpc.NetworkSpec{NetworkID: nic.NetworkID, Bridge: nic.Bridge}
			if err := d.net.Ensure(ctx, spec); err != nil {
				return nil, driverErr(apperrors.CodeNetworkError, err)
			}
		}
		uuid, err := d.hv.DefineAndStart(req.Spec)
		if err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.VMDefineAndStartResponse{UUID: uuid}, nil
	})
}

func (d *dispatcher) vmStop(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMStopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		if err := d.hv.Stop(req.VMID, req.Force); err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) vmRestart(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMRestartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		if err := d.hv.Restart(req.VMID); err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) vmAttachDisk(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMDiskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		if err := d.hv.AttachDisk(req.VMID, req.Disk); err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) vmDetachDisk(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMDiskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		if err := d.hv.DetachDisk(req.VMID, req.Disk); err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) vmDescribe(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMDescribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.hv.Describe(req.VMID), nil
}

func (d *dispatcher) vmMigrate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VMMigrateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	requestID := rpc.InboundRequestID(ctx)
	return d.cached(req.TaskID, func() (interface{}, error) {
		progress := func(stage string, percent float64) {
			if d.streams == nil || requestID == "" {
				return
			}
			_ = d.streams.Stream(requestID, rpc.MigrationProgress{
				VMID:    req.VMID,
				Stage:   stage,
				Percent: percent,
			})
		}
		if err := d.hv.Migrate(req.VMID, req.TargetAddress, progress); err != nil {
			return nil, driverErr(apperrors.CodeHypervisorError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) volumeCreate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VolumeCreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		driver, err := d.stor.For(req.Pool)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		path, sizeGB, err := driver.Create(ctx, req)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		return rpc.VolumeCreateResponse{Path: path, SizeGB: sizeGB}, nil
	})
}

func (d *dispatcher) volumeDelete(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VolumeDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		driver, err := d.stor.For(req.Pool)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		if err := driver.Delete(ctx, req); err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) volumeResize(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VolumeResizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		driver, err := d.stor.For(req.Pool)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		if err := driver.Resize(ctx, req); err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) volumeClone(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VolumeCloneRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		driver, err := d.stor.For(req.Pool)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		path, err := driver.Clone(ctx, req)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		info, err := driver.Describe(ctx, path)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		return rpc.VolumeCreateResponse{Path: path, SizeGB: info.SizeGB}, nil
	})
}

func (d *dispatcher) volumeDescribe(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.VolumeDescribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	driver, err := d.stor.For(req.Pool)
	if err != nil {
		return nil, driverErr(apperrors.CodeStorageError, err)
	}
	info, err := driver.Describe(ctx, req.Path)
	if err != nil {
		return nil, driverErr(apperrors.CodeStorageError, err)
	}
	return rpc.VolumeDescribeResponse{
		VolumeID: req.VolumeID,
		Present:  info.Present,
		Path:     info.Path,
		SizeGB:   info.SizeGB,
		Format:   info.Format,
	}, nil
}

func (d *dispatcher) snapshotCreate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.SnapshotCreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		var tag string
		var err error
		if req.Mode == "live" {
			// The volume is attached to a running VM: snapshot through
			// the hypervisor domain API.
			tag, err = d.hv.SnapshotCreate(req.VMID, req.Name)
			if err != nil {
				return nil, driverErr(apperrors.CodeHypervisorError, err)
			}
		} else {
			driver, derr := d.stor.For(req.Pool)
			if derr != nil {
				return nil, driverErr(apperrors.CodeStorageError, derr)
			}
			tag, err = driver.Snapshot(ctx, req.VolumePath, req.Name)
			if err != nil {
				return nil, driverErr(apperrors.CodeStorageError, err)
			}
		}
		return rpc.SnapshotCreateResponse{Tag: tag}, nil
	})
}

func (d *dispatcher) snapshotDelete(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.SnapshotDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		if req.Mode == "live" {
			if err := d.hv.SnapshotDelete(req.VMID, req.Tag); err != nil {
				return nil, driverErr(apperrors.CodeHypervisorError, err)
			}
		} else {
			driver, err := d.stor.For(req.Pool)
			if err != nil {
				return nil, driverErr(apperrors.CodeStorageError, err)
			}
			if err := driver.SnapshotDelete(ctx, req.VolumePath, req.Tag); err != nil {
				return nil, driverErr(apperrors.CodeStorageError, err)
			}
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) snapshotRestore(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.SnapshotRestoreRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	return d.cached(req.TaskID, func() (interface{}, error) {
		driver, err := d.stor.For(req.Pool)
		if err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		if err := driver.SnapshotRestore(ctx, req.VolumePath, req.Tag); err != nil {
			return nil, driverErr(apperrors.CodeStorageError, err)
		}
		return rpc.Ack{OK: true}, nil
	})
}

func (d *dispatcher) networkEnsure(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.NetworkEnsureRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	if err := d.net.Ensure(ctx, req.Network); err != nil {
		return nil, driverErr(apperrors.CodeNetworkError, err)
	}
	return rpc.Ack{OK: true}, nil
}

func (d *dispatcher) networkAttachTap(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.TapRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	if err := d.net.AttachTap(ctx, req); err != nil {
		return nil, driverErr(apperrors.CodeNetworkError, err)
	}
	return rpc.Ack{OK: true}, nil
}

func (d *dispatcher) networkDetachTap(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req rpc.TapRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, badPayload(err)
	}
	if err := d.net.DetachTap(ctx, req); err != nil {
		return nil, driverErr(apperrors.CodeNetworkError, err)
	}
	return rpc.Ack{OK: true}, nil
}

func badPayload(err error) error {
	return apperrors.BadRequest(apperrors.CodeInvalidRequest,
		fmt.Sprintf("malformed payload: %v", err))
}

func driverErr(code string, err error) error {
	return apperrors.FromCode(code, err.Error())
}
