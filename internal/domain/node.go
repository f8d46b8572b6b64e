// Package domain defines the persisted entities of the Corral control
// plane and their legal state transitions. Cross-entity references are
// identifiers only; live objects never own each other.
package domain

import "time"

// NodeStatus is the lifecycle state of a compute node.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
	NodeError       NodeStatus = "error"
)

// Node is a physical or virtual host running the node agent and a
// hypervisor.
type Node struct {
	ID                string            `json:"id"`
	Hostname          string            `json:"hostname"`
	IPAddress         string            `json:"ip_address"`
	Status            NodeStatus        `json:"status"`
	HypervisorType    string            `json:"hypervisor_type,omitempty"`
	HypervisorVersion string            `json:"hypervisor_version,omitempty"`
	CPUCores          int               `json:"cpu_cores"`
	CPUThreads        int               `json:"cpu_threads"`
	MemoryTotalBytes  int64             `json:"memory_total_bytes"`
	DiskTotalBytes    int64             `json:"disk_total_bytes"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	LastHeartbeat     *time.Time        `json:"last_heartbeat,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NodeStats aggregates node counts and capacity for the stats endpoint.
type NodeStats struct {
	Total            int   `json:"total"`
	Online           int   `json:"online"`
	Offline          int   `json:"offline"`
	Maintenance      int   `json:"maintenance"`
	Error            int   `json:"error"`
	CPUCoresTotal    int   `json:"cpu_cores_total"`
	MemoryTotalBytes int64 `json:"memory_total_bytes"`
	DiskTotalBytes   int64 `json:"disk_total_bytes"`
}
