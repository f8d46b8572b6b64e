package domain

import "time"

// VMStatus is the lifecycle state of a virtual machine.
type VMStatus string

const (
	VMStopped    VMStatus = "stopped"
	VMStarting   VMStatus = "starting"
	VMRunning    VMStatus = "running"
	VMStopping   VMStatus = "stopping"
	VMPaused     VMStatus = "paused"
	VMRestarting VMStatus = "restarting"
	VMMigrating  VMStatus = "migrating"
	VMError      VMStatus = "error"
)

// vmTransitions lists the legal operation entry states. The terminal
// state reached after an agent confirmation is applied by the task
// completion path, not checked here.
var vmTransitions = map[string][]VMStatus{
	"start":   {VMStopped, VMError},
	"stop":    {VMRunning, VMPaused, VMError},
	"restart": {VMRunning},
	"migrate": {VMRunning, VMStopped},
}

// CanTransition reports whether op may begin from the current status.
func (s VMStatus) CanTransition(op string) bool {
	allowed, ok := vmTransitions[op]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

// InFlight reports whether the VM holds an intent state awaiting an
// agent confirmation; the reconciler resolves rows stuck here.
func (s VMStatus) InFlight() bool {
	switch s {
	case VMStarting, VMStopping, VMRestarting, VMMigrating:
		return true
	}
	return false
}

// DiskSpec is one attached disk of a VM.
type DiskSpec struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
	Bootable bool   `json:"bootable"`
}

// NICSpec is one network interface of a VM. Bridge is derived from the
// network's VLAN id at create time (br-vlan<vlan> or the default bridge).
type NICSpec struct {
	NetworkID string `json:"network_id"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty"`
	Model     string `json:"model"`
	Bridge    string `json:"bridge,omitempty"`
}

// VM is a virtual machine owned by the controller. NodeID is empty for
// an unscheduled VM.
type VM struct {
	ID                string            `json:"id"`
	UUID              string            `json:"uuid,omitempty"`
	Name              string            `json:"name"`
	NodeID            string            `json:"node_id,omitempty"`
	Status            VMStatus          `json:"status"`
	VCPU              int               `json:"vcpu"`
	MemoryMB          int64             `json:"memory_mb"`
	OSType            string            `json:"os_type"`
	Disks             []DiskSpec        `json:"disks"`
	NetworkInterfaces []NICSpec         `json:"network_interfaces"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	StoppedAt         *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasDisk reports whether the VM references the given volume.
func (v *VM) HasDisk(volumeID string) bool {
	for _, d := range v.Disks {
		if d.VolumeID == volumeID {
			return true
		}
	}
	return false
}
