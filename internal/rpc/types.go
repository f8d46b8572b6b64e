package rpc

// Method names of the controller↔agent protocol. Names are stable:
// changing one is a wire-protocol break.
const (
	MethodRegister  = "node.register"
	MethodHeartbeat = "heartbeat"

	MethodNodeResourceInfo = "node.resource_info"
	MethodNodeDescribe     = "node.describe"

	MethodVMDefineAndStart = "vm.define_and_start"
	MethodVMStop           = "vm.stop"
	MethodVMRestart        = "vm.restart"
	MethodVMAttachDisk     = "vm.attach_disk"
	MethodVMDetachDisk     = "vm.detach_disk"
	MethodVMDescribe       = "vm.describe"
	MethodVMMigrate        = "vm.migrate"

	MethodVolumeCreate   = "volume.create"
	MethodVolumeDelete   = "volume.delete"
	MethodVolumeResize   = "volume.resize"
	MethodVolumeClone    = "volume.clone"
	MethodVolumeDescribe = "volume.describe"

	MethodSnapshotCreate  = "snapshot.create"
	MethodSnapshotDelete  = "snapshot.delete"
	MethodSnapshotRestore = "snapshot.restore"

	MethodNetworkEnsure    = "network.ensure"
	MethodNetworkAttachTap = "network.attach_tap"
	MethodNetworkDetachTap = "network.detach_tap"
)

// RegisterRequest is the first frame an agent sends after connect,
// always agent → controller.
type RegisterRequest struct {
	NodeID    string `json:"node_id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	// Token is the shared secret agents present at registration.
	Token string `json:"token"`
	// Methods advertises the handler set this agent serves.
	Methods []string `json:"methods,omitempty"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Accepted bool `json:"accepted"`
}

// HeartbeatPayload travels agent → controller as a notification every
// heartbeat interval.
type HeartbeatPayload struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// NodeResourceInfo reports host capacity after registration.
type NodeResourceInfo struct {
	NodeID            string `json:"node_id"`
	CPUCores          int    `json:"cpu_cores"`
	CPUThreads        int    `json:"cpu_threads"`
	MemoryTotalBytes  int64  `json:"memory_total_bytes"`
	DiskTotalBytes    int64  `json:"disk_total_bytes"`
	HypervisorType    string `json:"hypervisor_type,omitempty"`
	HypervisorVersion string `json:"hypervisor_version,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// DiskAttachment is one disk in a VM definition or hot-plug request.
type DiskAttachment struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
	Path     string `json:"path"`
	Format   string `json:"format"`
	Bootable bool   `json:"bootable"`
}

// NICAttachment is one NIC in a VM definition or tap operation.
type NICAttachment struct {
	NetworkID string `json:"network_id"`
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Model     string `json:"model"`
	Bridge    string `json:"bridge"`
}

// VMSpec is the full definition the agent turns into a domain.
type VMSpec struct {
	VMID     string            `json:"vm_id"`
	Name     string            `json:"name"`
	VCPU     int               `json:"vcpu"`
	MemoryMB int64             `json:"memory_mb"`
	OSType   string            `json:"os_type"`
	Disks    []DiskAttachment  `json:"disks"`
	Networks []NICAttachment   `json:"networks"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VMDefineAndStartRequest defines (or redefines) and starts a domain.
type VMDefineAndStartRequest struct {
	TaskID string `json:"task_id"`
	Spec   VMSpec `json:"spec"`
}

// VMDefineAndStartResponse carries the hypervisor-assigned UUID.
type VMDefineAndStartResponse struct {
	UUID string `json:"uuid"`
}

// VMStopRequest stops and undefines a domain so the next start
// redefines it from controller state.
type VMStopRequest struct {
	TaskID string `json:"task_id"`
	VMID   string `json:"vm_id"`
	Force  bool   `json:"force"`
}

// VMRestartRequest performs graceful shutdown with forced fallback,
// then start.
type VMRestartRequest struct {
	TaskID string `json:"task_id"`
	VMID   string `json:"vm_id"`
}

// VMDiskRequest hot-plugs or hot-unplugs one disk.
type VMDiskRequest struct {
	TaskID string         `json:"task_id"`
	VMID   string         `json:"vm_id"`
	Disk   DiskAttachment `json:"disk"`
}

// VMDescribeRequest queries live domain state; used by reconciliation.
type VMDescribeRequest struct {
	VMID string `json:"vm_id"`
}

// VMDescribeResponse reports observed domain state.
type VMDescribeResponse struct {
	VMID    string `json:"vm_id"`
	UUID    string `json:"uuid,omitempty"`
	Present bool   `json:"present"`
	Running bool   `json:"running"`
	State   string `json:"state"`
}

// VMMigrateRequest moves a domain to another node.
type VMMigrateRequest struct {
	TaskID        string `json:"task_id"`
	VMID          string `json:"vm_id"`
	TargetNodeID  string `json:"target_node_id"`
	TargetAddress string `json:"target_address"`
	Live          bool   `json:"live"`
}

// MigrationProgress is streamed while a migration runs.
type MigrationProgress struct {
	VMID      string  `json:"vm_id"`
	Stage     string  `json:"stage"`
	Percent   float64 `json:"progress_percent"`
	Message   string  `json:"message,omitempty"`
	Completed bool    `json:"completed"`
	Error     string  `json:"error,omitempty"`
}

// PoolSpec tells the agent which backend a volume operation targets.
type PoolSpec struct {
	PoolID string            `json:"pool_id"`
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// VolumeCreateRequest creates a volume in a pool. Source optionally
// names a URL whose contents seed the volume before it becomes
// available.
type VolumeCreateRequest struct {
	TaskID   string   `json:"task_id"`
	VolumeID string   `json:"volume_id"`
	Name     string   `json:"name"`
	SizeGB   int64    `json:"size_gb"`
	Format   string   `json:"format"`
	Pool     PoolSpec `json:"pool"`
	Source   string   `json:"source,omitempty"`
}

// VolumeCreateResponse reports where the volume landed.
type VolumeCreateResponse struct {
	Path   string `json:"path"`
	SizeGB int64  `json:"size_gb"`
}

// VolumeDeleteRequest removes a volume's backing object.
type VolumeDeleteRequest struct {
	TaskID   string   `json:"task_id"`
	VolumeID string   `json:"volume_id"`
	Path     string   `json:"path"`
	Pool     PoolSpec `json:"pool"`
}

// VolumeResizeRequest grows a volume.
type VolumeResizeRequest struct {
	TaskID    string   `json:"task_id"`
	VolumeID  string   `json:"volume_id"`
	Path      string   `json:"path"`
	NewSizeGB int64    `json:"new_size_gb"`
	Pool      PoolSpec `json:"pool"`
}

// VolumeCloneRequest copies a volume within the same pool.
type VolumeCloneRequest struct {
	TaskID       string   `json:"task_id"`
	SourceID     string   `json:"source_id"`
	SourcePath   string   `json:"source_path"`
	CloneID      string   `json:"clone_id"`
	CloneName    string   `json:"clone_name"`
	Pool         PoolSpec `json:"pool"`
}

// VolumeDescribeRequest queries observed volume state.
type VolumeDescribeRequest struct {
	VolumeID string   `json:"volume_id"`
	Path     string   `json:"path"`
	Pool     PoolSpec `json:"pool"`
}

// VolumeDescribeResponse reports observed volume state.
type VolumeDescribeResponse struct {
	VolumeID string `json:"volume_id"`
	Present  bool   `json:"present"`
	Path     string `json:"path,omitempty"`
	SizeGB   int64  `json:"size_gb,omitempty"`
	Format   string `json:"format,omitempty"`
}

// SnapshotCreateRequest captures a point-in-time image. Mode selects
// the live (domain API) or offline (image tool) path.
type SnapshotCreateRequest struct {
	TaskID     string   `json:"task_id"`
	SnapshotID string   `json:"snapshot_id"`
	VolumeID   string   `json:"volume_id"`
	VolumePath string   `json:"volume_path"`
	VMID       string   `json:"vm_id,omitempty"`
	Name       string   `json:"name"`
	Mode       string   `json:"mode"`
	Pool       PoolSpec `json:"pool"`
}

// SnapshotCreateResponse carries the on-disk tag and measured size.
type SnapshotCreateResponse struct {
	Tag    string `json:"tag"`
	SizeGB int64  `json:"size_gb"`
}

// SnapshotDeleteRequest removes a snapshot.
type SnapshotDeleteRequest struct {
	TaskID     string   `json:"task_id"`
	SnapshotID string   `json:"snapshot_id"`
	VolumeID   string   `json:"volume_id"`
	VolumePath string   `json:"volume_path"`
	VMID       string   `json:"vm_id,omitempty"`
	Tag        string   `json:"tag"`
	Mode       string   `json:"mode"`
	Pool       PoolSpec `json:"pool"`
}

// SnapshotRestoreRequest reverts a volume to a snapshot. The parent
// volume must be detached; the controller enforces that precondition.
type SnapshotRestoreRequest struct {
	TaskID     string   `json:"task_id"`
	SnapshotID string   `json:"snapshot_id"`
	VolumeID   string   `json:"volume_id"`
	VolumePath string   `json:"volume_path"`
	Tag        string   `json:"tag"`
	Pool       PoolSpec `json:"pool"`
}

// NetworkSpec describes the layer-2 domain an agent must materialize.
type NetworkSpec struct {
	NetworkID string `json:"network_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Bridge    string `json:"bridge"`
	VLANID    *int   `json:"vlan_id,omitempty"`
	MTU       int    `json:"mtu,omitempty"`
}

// NetworkEnsureRequest converges host bridging for a network. All
// operations are idempotent ensures; re-invocation converges.
type NetworkEnsureRequest struct {
	Network NetworkSpec `json:"network"`
}

// TapRequest attaches or detaches a VM tap on a bridge.
type TapRequest struct {
	VMID    string        `json:"vm_id"`
	NIC     NICAttachment `json:"nic"`
	Network NetworkSpec   `json:"network"`
}

// Ack is the generic empty success payload.
type Ack struct {
	OK bool `json:"ok"`
}
