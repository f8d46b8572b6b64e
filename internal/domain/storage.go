package domain

import "time"

// PoolType identifies the storage backend kind.
type PoolType string

const (
	PoolNFS   PoolType = "nfs"
	PoolLVM   PoolType = "lvm"
	PoolCeph  PoolType = "ceph"
	PoolISCSI PoolType = "iscsi"
)

// PoolStatus is the lifecycle state of a storage pool.
type PoolStatus string

const (
	PoolActive   PoolStatus = "active"
	PoolInactive PoolStatus = "inactive"
	PoolError    PoolStatus = "error"
)

// PoolConfig is the type-tagged backend configuration. Exactly one of
// the backend sections is set, matching Type on the pool.
type PoolConfig struct {
	NFS   *NFSConfig   `json:"nfs,omitempty"`
	LVM   *LVMConfig   `json:"lvm,omitempty"`
	Ceph  *CephConfig  `json:"ceph,omitempty"`
	ISCSI *ISCSIConfig `json:"iscsi,omitempty"`
}

// NFSConfig locates an NFS export mounted on the pool's node.
type NFSConfig struct {
	Server     string `json:"server"`
	ExportPath string `json:"export_path"`
	MountPoint string `json:"mount_point"`
}

// LVMConfig names the volume group volumes are carved from.
type LVMConfig struct {
	VolumeGroup string `json:"volume_group"`
}

// CephConfig locates an RBD pool.
type CephConfig struct {
	Monitors []string `json:"monitors"`
	RBDPool  string   `json:"rbd_pool"`
	User     string   `json:"user"`
}

// ISCSIConfig locates an iSCSI target.
type ISCSIConfig struct {
	Portal string `json:"portal"`
	IQN    string `json:"iqn"`
}

// StoragePool is a named storage backend on a node.
type StoragePool struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        PoolType   `json:"type"`
	Status      PoolStatus `json:"status"`
	Config      PoolConfig `json:"config"`
	CapacityGB  int64      `json:"capacity_gb"`
	AllocatedGB int64      `json:"allocated_gb"`
	AvailableGB int64      `json:"available_gb"`
	NodeID      string     `json:"node_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// VolumeType identifies the on-disk volume format/backend.
type VolumeType string

const (
	VolumeQCOW2 VolumeType = "qcow2"
	VolumeRaw   VolumeType = "raw"
	VolumeCeph  VolumeType = "ceph"
	VolumeNFS   VolumeType = "nfs"
	VolumeLVM   VolumeType = "lvm"
)

// VolumeStatus is the lifecycle state of a volume.
type VolumeStatus string

const (
	VolumeCreating  VolumeStatus = "creating"
	VolumeAvailable VolumeStatus = "available"
	VolumeInUse     VolumeStatus = "in_use"
	VolumeDeleting  VolumeStatus = "deleting"
	VolumeError     VolumeStatus = "error"
)

// CountsAgainstPool reports whether the volume's size contributes to
// pool.allocated_gb.
func (s VolumeStatus) CountsAgainstPool() bool {
	return s != VolumeDeleting && s != VolumeError
}

// Volume is a virtual disk carved from a pool. VMID is set while the
// volume is attached.
type Volume struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      VolumeType        `json:"type"`
	SizeGB    int64             `json:"size_gb"`
	PoolID    string            `json:"pool_id"`
	Path      string            `json:"path,omitempty"`
	Status    VolumeStatus      `json:"status"`
	VMID      string            `json:"vm_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SnapshotStatus is the lifecycle state of a snapshot.
type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "creating"
	SnapshotAvailable SnapshotStatus = "available"
	SnapshotDeleting  SnapshotStatus = "deleting"
	SnapshotError     SnapshotStatus = "error"
)

// SnapshotMode selects the capture path on the agent.
type SnapshotMode string

const (
	// SnapshotLive captures via the hypervisor domain API while the
	// parent volume is attached to a running VM.
	SnapshotLive SnapshotMode = "live"

	// SnapshotOffline captures via the image tool.
	SnapshotOffline SnapshotMode = "offline"
)

// Snapshot is a point-in-time image of a volume.
type Snapshot struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	VolumeID    string            `json:"volume_id"`
	Status      SnapshotStatus    `json:"status"`
	SizeGB      int64             `json:"size_gb,omitempty"`
	SnapshotTag string            `json:"snapshot_tag,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
