package storage

import (
	"context"
	"fmt"
	"strings"

	"cloudpasture.io/corral/internal/rpc"
)

// ISCSIDriver serves pools backed by an iSCSI target already logged in
// on the host. LUN provisioning happens on the target side; the agent
// only validates the session and addresses pre-provisioned block
// devices, so the mutating operations reject rather than pretend.
type ISCSIDriver struct {
	block *LVMDriver
}

// NewISCSIDriver creates the iSCSI driver.
func NewISCSIDriver() *ISCSIDriver {
	return &ISCSIDriver{block: NewLVMDriver()}
}

func (d *ISCSIDriver) ensureSession(ctx context.Context, pool rpc.PoolSpec) error {
	portal := pool.Config["portal"]
	iqn := pool.Config["iqn"]
	if portal == "" || iqn == "" {
		return fmt.Errorf("pool %s has no portal/iqn configured", pool.PoolID)
	}
	out, err := runCommand(ctx, "iscsiadm", "-m", "session")
	if err == nil && strings.Contains(out, iqn) {
		return nil
	}
	if _, err := runCommand(ctx, "iscsiadm", "-m", "node",
		"-T", iqn, "-p", portal, "--login"); err != nil {
		return err
	}
	return nil
}

// Create ensures the session and then rejects the request: LUNs are
// provisioned on the target side, so no device path is returned.
func (d *ISCSIDriver) Create(ctx context.Context, req rpc.VolumeCreateRequest) (string, int64, error) {
	if err := d.ensureSession(ctx, req.Pool); err != nil {
		return "", 0, err
	}
	return "", 0, fmt.Errorf("iscsi pools serve pre-provisioned LUNs; provision %s on the target", req.VolumeID)
}

// Delete is a target-side operation.
func (d *ISCSIDriver) Delete(ctx context.Context, req rpc.VolumeDeleteRequest) error {
	return fmt.Errorf("iscsi LUNs are deleted on the target")
}

// Resize is a target-side operation.
func (d *ISCSIDriver) Resize(ctx context.Context, req rpc.VolumeResizeRequest) error {
	return fmt.Errorf("iscsi LUNs are resized on the target")
}

// Clone is a target-side operation.
func (d *ISCSIDriver) Clone(ctx context.Context, req rpc.VolumeCloneRequest) (string, error) {
	return "", fmt.Errorf("iscsi LUNs are cloned on the target")
}

// Snapshot is a target-side operation.
func (d *ISCSIDriver) Snapshot(ctx context.Context, volumePath, name string) (string, error) {
	return "", fmt.Errorf("iscsi LUN snapshots are taken on the target")
}

// SnapshotDelete is a target-side operation.
func (d *ISCSIDriver) SnapshotDelete(ctx context.Context, volumePath, tag string) error {
	return fmt.Errorf("iscsi LUN snapshots are managed on the target")
}

// SnapshotRestore is a target-side operation.
func (d *ISCSIDriver) SnapshotRestore(ctx context.Context, volumePath, tag string) error {
	return fmt.Errorf("iscsi LUN snapshots are managed on the target")
}

// Describe reports observed device state.
func (d *ISCSIDriver) Describe(ctx context.Context, volumePath string) (VolumeInfo, error) {
	return d.block.Describe(ctx, volumePath)
}
