package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/store"
)

// CreateVMInput is the VM creation request.
type CreateVMInput struct {
	Name     string            `json:"name" binding:"required"`
	NodeID   string            `json:"node_id" binding:"required"`
	VCPU     int               `json:"vcpu" binding:"required,min=1"`
	MemoryMB int64             `json:"memory_mb" binding:"required,min=64"`
	OSType   string            `json:"os_type"`
	Disks    []DiskInput       `json:"disks"`
	Networks []NICInput        `json:"networks"`
	Metadata map[string]string `json:"metadata"`
}

// DiskInput requests one disk attachment at create time.
type DiskInput struct {
	VolumeID string `json:"volume_id" binding:"required"`
	Device   string `json:"device"`
	Bootable bool   `json:"bootable"`
}

// NICInput requests one NIC at create time.
type NICInput struct {
	NetworkID string `json:"network_id" binding:"required"`
	MAC       string `json:"mac"`
	Model     string `json:"model"`
}

// CreateVM inserts the VM row in stopped, marks each attached volume
// in_use, and allocates one address per requested NIC — all in the same
// transaction. No agent call is made.
func (s *Services) CreateVM(ctx context.Context, in CreateVMInput, actor string) (*domain.VM, error) {
	node, err := s.GetNode(ctx, in.NodeID)
	if err != nil {
		return nil, err
	}

	// Validate volumes before opening the transaction.
	for _, d := range in.Disks {
		vol, err := s.st.GetVolume(ctx, d.VolumeID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperrors.NotFound(apperrors.CodeVolumeNotFound,
					fmt.Sprintf("volume %s not found", d.VolumeID))
			}
			return nil, err
		}
		if vol.Status != domain.VolumeAvailable {
			return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
				fmt.Sprintf("volume %s is %s, not available", d.VolumeID, vol.Status))
		}
	}

	// Resolve networks and take their allocation locks in a stable
	// order so concurrent creates cannot deadlock.
	networks := make(map[string]*domain.Network, len(in.Networks))
	lockOrder := make([]string, 0, len(in.Networks))
	for _, n := range in.Networks {
		if _, ok := networks[n.NetworkID]; ok {
			continue
		}
		net, err := s.st.GetNetwork(ctx, n.NetworkID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperrors.NotFound(apperrors.CodeNetworkNotFound,
					fmt.Sprintf("network %s not found", n.NetworkID))
			}
			return nil, err
		}
		networks[n.NetworkID] = net
		lockOrder = append(lockOrder, n.NetworkID)
	}
	sort.Strings(lockOrder)
	for _, id := range lockOrder {
		unlock := s.alloc.LockNetwork(id)
		defer unlock()
	}

	vmID := uuid.New().String()
	now := time.Now().UTC()
	osType := in.OSType
	if osType == "" {
		osType = "linux"
	}

	vm := &domain.VM{
		ID:        vmID,
		Name:      in.Name,
		NodeID:    node.ID,
		Status:    domain.VMStopped,
		VCPU:      in.VCPU,
		MemoryMB:  in.MemoryMB,
		OSType:    osType,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, d := range in.Disks {
		device := d.Device
		if device == "" {
			device = fmt.Sprintf("vd%c", 'a'+i)
		}
		vm.Disks = append(vm.Disks, domain.DiskSpec{
			VolumeID: d.VolumeID,
			Device:   device,
			Bootable: d.Bootable || i == 0,
		})
	}

	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		for _, n := range in.Networks {
			net := networks[n.NetworkID]
			mac := n.MAC
			if mac == "" {
				mac = generateMAC()
			}
			alloc, err := tx.NextAvailableIP(ctx, n.NetworkID)
			if err != nil {
				if err == store.ErrNotFound {
					return apperrors.Conflict(apperrors.CodeIPExhausted,
						fmt.Sprintf("network %s has no available addresses", n.NetworkID))
				}
				return err
			}
			if err := tx.MarkIPAllocated(ctx, alloc.ID, mac, now); err != nil {
				return err
			}
			if err := tx.AssociateIP(ctx, alloc.ID, vmID); err != nil {
				return err
			}
			model := n.Model
			if model == "" {
				model = "virtio"
			}
			vm.NetworkInterfaces = append(vm.NetworkInterfaces, domain.NICSpec{
				NetworkID: n.NetworkID,
				MAC:       mac,
				IP:        alloc.IPAddress,
				Model:     model,
				Bridge:    net.BridgeName(s.cfg.DefaultBridge),
			})
		}

		if err := tx.CreateVM(ctx, vm); err != nil {
			return err
		}
		for _, d := range vm.Disks {
			if err := tx.SetVolumeAttachment(ctx, d.VolumeID, vmID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, "vm.create", "vm", vmID, actor, map[string]interface{}{
		"name": in.Name, "node_id": in.NodeID,
	})
	logger.Info("VM created", zap.String("vm_id", vmID), zap.String("node_id", node.ID))
	return vm, nil
}

// GetVM fetches one VM.
func (s *Services) GetVM(ctx context.Context, id string) (*domain.VM, error) {
	vm, err := s.st.GetVM(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeVMNotFound, "virtual machine not found")
		}
		return nil, err
	}
	return vm, nil
}

// ListVMs pages VMs filtered by node and/or status.
func (s *Services) ListVMs(ctx context.Context, nodeID, status string, page, pageSize int) ([]*domain.VM, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListVMs(ctx, nodeID, status, offset, pageSize)
}

// UpdateVMInput carries mutable VM fields. Shape changes only apply to
// a stopped VM; the next start redefines the domain from them.
type UpdateVMInput struct {
	Name     string            `json:"name"`
	VCPU     int               `json:"vcpu"`
	MemoryMB int64             `json:"memory_mb"`
	OSType   string            `json:"os_type"`
	Metadata map[string]string `json:"metadata"`
}

// UpdateVM applies edits to a VM row.
func (s *Services) UpdateVM(ctx context.Context, id string, in UpdateVMInput, actor string) (*domain.VM, error) {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if (in.VCPU != 0 || in.MemoryMB != 0) && vm.Status != domain.VMStopped {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"cpu/memory changes require a stopped virtual machine")
	}
	if in.Name != "" {
		vm.Name = in.Name
	}
	if in.VCPU != 0 {
		vm.VCPU = in.VCPU
	}
	if in.MemoryMB != 0 {
		vm.MemoryMB = in.MemoryMB
	}
	if in.OSType != "" {
		vm.OSType = in.OSType
	}
	if in.Metadata != nil {
		vm.Metadata = in.Metadata
	}
	if err := s.st.UpdateVM(ctx, vm); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.update", "vm", id, actor, nil)
	return vm, nil
}

// StartVM transitions the row to starting and dispatches
// vm.define_and_start. The REST caller gets the task id; the terminal
// transition applies when the agent responds.
func (s *Services) StartVM(ctx context.Context, id, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vm.Status.CanTransition("start") {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot start a %s virtual machine", vm.Status))
	}
	if vm.NodeID == "" {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"virtual machine has no node assigned")
	}
	if !s.reg.IsOnline(vm.NodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline,
			"node has no live agent session")
	}

	spec, err := s.buildVMSpec(ctx, vm)
	if err != nil {
		return nil, err
	}

	task := newTask("vm.start", "vm", id, vm.NodeID, actor, spec, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateVMStatus(ctx, id, vm.Status, domain.VMStarting); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.start", "vm", id, actor, map[string]interface{}{"task_id": task.ID})
	s.notify.VMStatus(id, string(domain.VMStarting), "")

	req := rpc.VMDefineAndStartRequest{TaskID: task.ID, Spec: *spec}
	s.detach(func(ctx context.Context) {
		result, err := s.reg.Call(ctx, vm.NodeID, rpc.MethodVMDefineAndStart, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVMDispatchFailure(ctx, task.ID, id, domain.VMStarting, err)
			return
		}
		var resp rpc.VMDefineAndStartResponse
		_ = json.Unmarshal(result, &resp)
		s.completeVMStart(ctx, task.ID, id, resp.UUID)
	})
	return task, nil
}

func (s *Services) completeVMStart(ctx context.Context, taskID, vmID, domUUID string) {
	vm, err := s.st.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	vm.Status = domain.VMRunning
	vm.StartedAt = &now
	if domUUID != "" {
		vm.UUID = domUUID
	}
	if err := s.st.UpdateVM(ctx, vm); err != nil {
		logger.Error("apply start result", zap.String("vm_id", vmID), zap.Error(err))
		return
	}
	s.finishTask(ctx, taskID, domain.TaskCompleted, nil, "")
	s.notify.VMStatus(vmID, string(domain.VMRunning), "virtual machine started")
}

// StopVM transitions the row to stopping and dispatches vm.stop. The
// agent also undefines the domain so the next start redefines it from
// controller state.
func (s *Services) StopVM(ctx context.Context, id string, force bool, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vm.Status.CanTransition("stop") {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot stop a %s virtual machine", vm.Status))
	}

	task := newTask("vm.stop", "vm", id, vm.NodeID, actor,
		map[string]interface{}{"force": force}, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateVMStatus(ctx, id, vm.Status, domain.VMStopping); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.stop", "vm", id, actor, map[string]interface{}{
		"task_id": task.ID, "force": force,
	})
	s.notify.VMStatus(id, string(domain.VMStopping), "")

	req := rpc.VMStopRequest{TaskID: task.ID, VMID: id, Force: force}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, vm.NodeID, rpc.MethodVMStop, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVMDispatchFailure(ctx, task.ID, id, domain.VMStopping, err)
			return
		}
		s.completeVMStop(ctx, task.ID, id)
	})
	return task, nil
}

func (s *Services) completeVMStop(ctx context.Context, taskID, vmID string) {
	vm, err := s.st.GetVM(ctx, vmID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	vm.Status = domain.VMStopped
	vm.StoppedAt = &now
	if err := s.st.UpdateVM(ctx, vm); err != nil {
		logger.Error("apply stop result", zap.String("vm_id", vmID), zap.Error(err))
		return
	}
	s.finishTask(ctx, taskID, domain.TaskCompleted, nil, "")
	s.notify.VMStatus(vmID, string(domain.VMStopped), "virtual machine stopped")
}

// RestartVM transitions the row to restarting and dispatches
// vm.restart, which performs graceful shutdown with forced fallback
// then start.
func (s *Services) RestartVM(ctx context.Context, id, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vm.Status.CanTransition("restart") {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot restart a %s virtual machine", vm.Status))
	}

	task := newTask("vm.restart", "vm", id, vm.NodeID, actor, nil, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateVMStatus(ctx, id, vm.Status, domain.VMRestarting); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.restart", "vm", id, actor, map[string]interface{}{"task_id": task.ID})
	s.notify.VMStatus(id, string(domain.VMRestarting), "")

	req := rpc.VMRestartRequest{TaskID: task.ID, VMID: id}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, vm.NodeID, rpc.MethodVMRestart, req, s.cfg.LongTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVMDispatchFailure(ctx, task.ID, id, domain.VMRestarting, err)
			return
		}
		s.completeVMStart(ctx, task.ID, id, "")
	})
	return task, nil
}

// MigrateVM moves a VM to another node. A running VM live-migrates via
// the source agent; a stopped VM is reassigned in metadata only.
func (s *Services) MigrateVM(ctx context.Context, id, targetNodeID, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if !vm.Status.CanTransition("migrate") {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("cannot migrate a %s virtual machine", vm.Status))
	}
	if vm.NodeID == targetNodeID {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			"source and target node are identical")
	}
	target, err := s.GetNode(ctx, targetNodeID)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.NodeOnline || !s.reg.IsOnline(targetNodeID) {
		return nil, apperrors.Conflict(apperrors.CodeNodeOffline, "target node is not online")
	}

	live := vm.Status == domain.VMRunning
	sourceNodeID := vm.NodeID
	prevStatus := vm.Status

	task := newTask("vm.migrate", "vm", id, sourceNodeID, actor,
		map[string]interface{}{"target_node_id": targetNodeID, "live": live}, s.cfg.MaxRetries)
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateVMStatus(ctx, id, vm.Status, domain.VMMigrating); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.migrate", "vm", id, actor, map[string]interface{}{
		"task_id": task.ID, "target_node_id": targetNodeID,
	})
	s.notify.VMStatus(id, string(domain.VMMigrating), "")

	if !live {
		// Cold move: shared-pool volumes need no data transfer, only the
		// assignment changes.
		s.detach(func(ctx context.Context) {
			cur, err := s.st.GetVM(ctx, id)
			if err != nil {
				return
			}
			cur.NodeID = targetNodeID
			cur.Status = prevStatus
			if err := s.st.UpdateVM(ctx, cur); err != nil {
				logger.Error("apply cold migration", zap.String("vm_id", id), zap.Error(err))
				return
			}
			s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
			s.notify.VMStatus(id, string(prevStatus), "migration complete")
		})
		return task, nil
	}

	req := rpc.VMMigrateRequest{
		TaskID:        task.ID,
		VMID:          id,
		TargetNodeID:  targetNodeID,
		TargetAddress: target.IPAddress,
		Live:          true,
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.CallStream(ctx, sourceNodeID, rpc.MethodVMMigrate, req, s.cfg.LongTimeout,
			func(raw json.RawMessage) {
				var p rpc.MigrationProgress
				if json.Unmarshal(raw, &p) == nil {
					_ = s.st.UpdateTaskProgress(ctx, task.ID, int(p.Percent))
					s.notify.TaskStatus(task.ID, string(domain.TaskRunning), int(p.Percent), p.Stage)
				}
			})
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			// On failure node_id stays unchanged.
			s.resolveVMDispatchFailure(ctx, task.ID, id, domain.VMMigrating, err)
			return
		}
		cur, err := s.st.GetVM(ctx, id)
		if err != nil {
			return
		}
		cur.NodeID = targetNodeID
		cur.Status = domain.VMRunning
		if err := s.st.UpdateVM(ctx, cur); err != nil {
			logger.Error("apply migration result", zap.String("vm_id", id), zap.Error(err))
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.VMStatus(id, string(domain.VMRunning), "migration complete")
	})
	return task, nil
}

// DeleteVM releases the VM's addresses, returns its volumes to
// available, and removes the row. A running VM is rejected.
func (s *Services) DeleteVM(ctx context.Context, id, actor string) error {
	unlock := s.entities.Lock("vm:" + id)
	defer unlock()

	vm, err := s.GetVM(ctx, id)
	if err != nil {
		return err
	}
	if vm.Status == domain.VMRunning || vm.Status.InFlight() {
		return apperrors.Conflict(apperrors.CodePreconditionFailed,
			"stop the virtual machine before deleting it")
	}

	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		seen := map[string]bool{}
		for _, nic := range vm.NetworkInterfaces {
			if seen[nic.NetworkID] {
				continue
			}
			seen[nic.NetworkID] = true
			if _, err := tx.ReleaseIPsForVM(ctx, nic.NetworkID, id); err != nil {
				return err
			}
		}
		vols, err := tx.ListVolumesByVM(ctx, id)
		if err != nil {
			return err
		}
		for _, v := range vols {
			if err := tx.SetVolumeAttachment(ctx, v.ID, ""); err != nil {
				return err
			}
		}
		return tx.DeleteVM(ctx, id)
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, "vm.delete", "vm", id, actor, nil)
	logger.Info("VM deleted", zap.String("vm_id", id))
	return nil
}

// AttachVolume attaches an available volume. A running VM hot-plugs the
// disk through the agent first; otherwise only metadata changes and the
// next start picks the disk up at domain definition.
func (s *Services) AttachVolume(ctx context.Context, vmID, volumeID, device, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + vmID)
	defer unlock()

	vm, err := s.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	vol, err := s.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}
	if vol.Status != domain.VolumeAvailable {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("volume is %s, not available", vol.Status))
	}
	if vm.HasDisk(volumeID) {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"volume already attached to this virtual machine")
	}
	if device == "" {
		device = fmt.Sprintf("vd%c", 'a'+len(vm.Disks))
	}
	disk := domain.DiskSpec{VolumeID: volumeID, Device: device}

	applyDB := func(ctx context.Context, tx *store.Store) error {
		cur, err := tx.GetVM(ctx, vmID)
		if err != nil {
			return err
		}
		cur.Disks = append(cur.Disks, disk)
		if err := tx.UpdateVM(ctx, cur); err != nil {
			return err
		}
		return tx.SetVolumeAttachment(ctx, volumeID, vmID)
	}

	if vm.Status != domain.VMRunning {
		if err := s.st.WithTx(ctx, func(tx *store.Store) error { return applyDB(ctx, tx) }); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, "vm.attach_volume", "vm", vmID, actor,
			map[string]interface{}{"volume_id": volumeID})
		return nil, nil
	}

	task := newTask("vm.attach_volume", "vm", vmID, vm.NodeID, actor,
		map[string]interface{}{"volume_id": volumeID, "device": device}, s.cfg.MaxRetries)
	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.attach_volume", "vm", vmID, actor,
		map[string]interface{}{"volume_id": volumeID, "task_id": task.ID})

	req := rpc.VMDiskRequest{
		TaskID: task.ID,
		VMID:   vmID,
		Disk: rpc.DiskAttachment{
			VolumeID: volumeID,
			Device:   device,
			Path:     vol.Path,
			Format:   string(vol.Type),
		},
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, vm.NodeID, rpc.MethodVMAttachDisk, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVMDispatchFailure(ctx, task.ID, vmID, domain.VMRunning, err)
			return
		}
		if err := s.st.WithTx(ctx, func(tx *store.Store) error { return applyDB(ctx, tx) }); err != nil {
			s.finishTask(ctx, task.ID, domain.TaskFailed, nil, err.Error())
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.VMStatus(vmID, string(domain.VMRunning), "volume attached")
	})
	return task, nil
}

// DetachVolume mirrors AttachVolume.
func (s *Services) DetachVolume(ctx context.Context, vmID, volumeID, actor string) (*domain.Task, error) {
	unlock := s.entities.Lock("vm:" + vmID)
	defer unlock()

	vm, err := s.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if !vm.HasDisk(volumeID) {
		return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
			"volume is not attached to this virtual machine")
	}
	vol, err := s.GetVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	applyDB := func(ctx context.Context, tx *store.Store) error {
		cur, err := tx.GetVM(ctx, vmID)
		if err != nil {
			return err
		}
		disks := cur.Disks[:0]
		for _, d := range cur.Disks {
			if d.VolumeID != volumeID {
				disks = append(disks, d)
			}
		}
		cur.Disks = disks
		if err := tx.UpdateVM(ctx, cur); err != nil {
			return err
		}
		return tx.SetVolumeAttachment(ctx, volumeID, "")
	}

	if vm.Status != domain.VMRunning {
		if err := s.st.WithTx(ctx, func(tx *store.Store) error { return applyDB(ctx, tx) }); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, "vm.detach_volume", "vm", vmID, actor,
			map[string]interface{}{"volume_id": volumeID})
		return nil, nil
	}

	var device string
	for _, d := range vm.Disks {
		if d.VolumeID == volumeID {
			device = d.Device
		}
	}
	task := newTask("vm.detach_volume", "vm", vmID, vm.NodeID, actor,
		map[string]interface{}{"volume_id": volumeID}, s.cfg.MaxRetries)
	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "vm.detach_volume", "vm", vmID, actor,
		map[string]interface{}{"volume_id": volumeID, "task_id": task.ID})

	req := rpc.VMDiskRequest{
		TaskID: task.ID,
		VMID:   vmID,
		Disk: rpc.DiskAttachment{
			VolumeID: volumeID,
			Device:   device,
			Path:     vol.Path,
			Format:   string(vol.Type),
		},
	}
	s.detach(func(ctx context.Context) {
		_, err := s.reg.Call(ctx, vm.NodeID, rpc.MethodVMDetachDisk, req, s.cfg.RequestTimeout)
		_ = s.st.MarkTaskRunning(ctx, task.ID, time.Now().UTC())
		if err != nil {
			s.resolveVMDispatchFailure(ctx, task.ID, vmID, domain.VMRunning, err)
			return
		}
		if err := s.st.WithTx(ctx, func(tx *store.Store) error { return applyDB(ctx, tx) }); err != nil {
			s.finishTask(ctx, task.ID, domain.TaskFailed, nil, err.Error())
			return
		}
		s.finishTask(ctx, task.ID, domain.TaskCompleted, nil, "")
		s.notify.VMStatus(vmID, string(domain.VMRunning), "volume detached")
	})
	return task, nil
}

// VMVolumeProjection joins a VM disk with its volume row.
type VMVolumeProjection struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
	Bootable bool   `json:"bootable"`
	Name     string `json:"name,omitempty"`
	SizeGB   int64  `json:"size_gb,omitempty"`
	Type     string `json:"type,omitempty"`
	Path     string `json:"path,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ListVMVolumes projects the VM's disks with volume detail.
func (s *Services) ListVMVolumes(ctx context.Context, vmID string) ([]VMVolumeProjection, error) {
	vm, err := s.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	out := make([]VMVolumeProjection, 0, len(vm.Disks))
	for _, d := range vm.Disks {
		p := VMVolumeProjection{VolumeID: d.VolumeID, Device: d.Device, Bootable: d.Bootable}
		if vol, err := s.st.GetVolume(ctx, d.VolumeID); err == nil {
			p.Name = vol.Name
			p.SizeGB = vol.SizeGB
			p.Type = string(vol.Type)
			p.Path = vol.Path
			p.Status = string(vol.Status)
		}
		out = append(out, p)
	}
	return out, nil
}

// VMNetworkProjection joins a VM NIC with its network row.
type VMNetworkProjection struct {
	NetworkID   string `json:"network_id"`
	NetworkName string `json:"network_name,omitempty"`
	IP          string `json:"ip,omitempty"`
	MAC         string `json:"mac,omitempty"`
	Model       string `json:"model"`
	Bridge      string `json:"bridge,omitempty"`
	CIDR        string `json:"cidr,omitempty"`
	VLANID      *int   `json:"vlan_id,omitempty"`
}

// ListVMNetworks projects the VM's NICs with network detail.
func (s *Services) ListVMNetworks(ctx context.Context, vmID string) ([]VMNetworkProjection, error) {
	vm, err := s.GetVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	out := make([]VMNetworkProjection, 0, len(vm.NetworkInterfaces))
	for _, nic := range vm.NetworkInterfaces {
		p := VMNetworkProjection{
			NetworkID: nic.NetworkID,
			IP:        nic.IP,
			MAC:       nic.MAC,
			Model:     nic.Model,
			Bridge:    nic.Bridge,
		}
		if net, err := s.st.GetNetwork(ctx, nic.NetworkID); err == nil {
			p.NetworkName = net.Name
			p.CIDR = net.CIDR
			p.VLANID = net.VLANID
		}
		out = append(out, p)
	}
	return out, nil
}

// resolveVMDispatchFailure classifies an agent call failure. Transport
// faults (timeout, closed connection) fail the task but leave the
// entity in its intent state for the reconciliation sweep; driver
// errors transition the entity to error with the agent's message
// surfaced verbatim.
func (s *Services) resolveVMDispatchFailure(ctx context.Context, taskID, vmID string, intent domain.VMStatus, callErr error) {
	appErr, _ := apperrors.IsAppError(callErr)
	if appErr != nil && isTransportCode(appErr.Code) {
		logger.Warn("VM dispatch in doubt, leaving intent state",
			zap.String("vm_id", vmID),
			zap.String("task_id", taskID),
			zap.String("code", appErr.Code))
		s.finishTask(ctx, taskID, domain.TaskFailed, nil, appErr.Error())
		return
	}

	msg := callErr.Error()
	_ = s.st.UpdateVMStatus(ctx, vmID, intent, domain.VMError)
	s.finishTask(ctx, taskID, domain.TaskFailed, nil, msg)
	s.notify.VMStatus(vmID, string(domain.VMError), msg)
}

func isTransportCode(code string) bool {
	switch code {
	case apperrors.CodeTimeout, apperrors.CodeTransportClosed,
		apperrors.CodeTransportSuperseded, apperrors.CodeNodeOffline:
		return true
	}
	return false
}

// buildVMSpec joins the VM row with volume paths for the agent.
func (s *Services) buildVMSpec(ctx context.Context, vm *domain.VM) (*rpc.VMSpec, error) {
	spec := &rpc.VMSpec{
		VMID:     vm.ID,
		Name:     vm.Name,
		VCPU:     vm.VCPU,
		MemoryMB: vm.MemoryMB,
		OSType:   vm.OSType,
		Metadata: vm.Metadata,
	}
	for _, d := range vm.Disks {
		vol, err := s.st.GetVolume(ctx, d.VolumeID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperrors.NotFound(apperrors.CodeVolumeNotFound,
					fmt.Sprintf("volume %s not found", d.VolumeID))
			}
			return nil, err
		}
		if vol.Path == "" {
			return nil, apperrors.Conflict(apperrors.CodePreconditionFailed,
				fmt.Sprintf("volume %s has no backing path yet", d.VolumeID))
		}
		spec.Disks = append(spec.Disks, rpc.DiskAttachment{
			VolumeID: d.VolumeID,
			Device:   d.Device,
			Path:     vol.Path,
			Format:   string(vol.Type),
			Bootable: d.Bootable,
		})
	}
	for _, nic := range vm.NetworkInterfaces {
		spec.Networks = append(spec.Networks, rpc.NICAttachment{
			NetworkID: nic.NetworkID,
			MAC:       nic.MAC,
			IP:        nic.IP,
			Model:     nic.Model,
			Bridge:    nic.Bridge,
		})
	}
	return spec, nil
}

// generateMAC produces a MAC with the QEMU/KVM 52:54:00 prefix.
func generateMAC() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", b[0], b[1], b[2])
}
