// Package storage implements the agent-side volume drivers, one per
// pool backend. Every operation is idempotent: re-running a create
// against an existing volume or a delete against a missing one
// converges instead of failing.
package storage

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"cloudpasture.io/corral/internal/rpc"
)

// VolumeInfo is the observed state of one volume on the host.
type VolumeInfo struct {
	Present bool
	Path    string
	SizeGB  int64
	Format  string
}

// Driver is one pool backend.
type Driver interface {
	// Create materializes a volume and returns its path. source, when
	// set, names a URL whose contents seed the volume.
	Create(ctx context.Context, req rpc.VolumeCreateRequest) (path string, sizeGB int64, err error)

	// Delete removes the volume's backing object.
	Delete(ctx context.Context, req rpc.VolumeDeleteRequest) error

	// Resize grows the volume.
	Resize(ctx context.Context, req rpc.VolumeResizeRequest) error

	// Clone copies a volume within the pool.
	Clone(ctx context.Context, req rpc.VolumeCloneRequest) (path string, err error)

	// Snapshot captures an offline snapshot, returning the on-disk tag.
	Snapshot(ctx context.Context, volumePath, name string) (tag string, err error)

	// SnapshotDelete removes an offline snapshot by tag.
	SnapshotDelete(ctx context.Context, volumePath, tag string) error

	// SnapshotRestore reverts the volume to a snapshot tag.
	SnapshotRestore(ctx context.Context, volumePath, tag string) error

	// Describe reports observed volume state.
	Describe(ctx context.Context, volumePath string) (VolumeInfo, error)
}

// Manager resolves the driver for a pool spec.
type Manager struct {
	drivers map[string]Driver
}

// NewManager wires the backend drivers.
func NewManager() *Manager {
	return &Manager{drivers: map[string]Driver{
		"nfs":   NewFileDriver(),
		"lvm":   NewLVMDriver(),
		"ceph":  NewCephDriver(),
		"iscsi": NewISCSIDriver(),
	}}
}

// For returns the driver for the pool's type.
func (m *Manager) For(pool rpc.PoolSpec) (Driver, error) {
	d, ok := m.drivers[pool.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported pool type %q", pool.Type)
	}
	return d, nil
}

// runCommand executes a host tool, returning trimmed combined output.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, text)
	}
	return text, nil
}
