package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cloudpasture.io/corral/internal/rpc"
)

// LVMDriver carves logical volumes from the pool's volume group.
type LVMDriver struct{}

// NewLVMDriver creates the LVM driver.
func NewLVMDriver() *LVMDriver {
	return &LVMDriver{}
}

func (d *LVMDriver) vg(pool rpc.PoolSpec) (string, error) {
	vg := pool.Config["volume_group"]
	if vg == "" {
		return "", fmt.Errorf("pool %s has no volume_group configured", pool.PoolID)
	}
	return vg, nil
}

func lvPath(vg, volumeID string) string {
	return fmt.Sprintf("/dev/%s/%s", vg, volumeID)
}

// Create makes the logical volume, converging when it already exists.
func (d *LVMDriver) Create(ctx context.Context, req rpc.VolumeCreateRequest) (string, int64, error) {
	vg, err := d.vg(req.Pool)
	if err != nil {
		return "", 0, err
	}
	path := lvPath(vg, req.VolumeID)
	if _, err := os.Stat(path); err == nil {
		return path, req.SizeGB, nil
	}
	if _, err := runCommand(ctx, "lvcreate", "-y",
		"-L", fmt.Sprintf("%dG", req.SizeGB), "-n", req.VolumeID, vg); err != nil {
		return "", 0, err
	}
	if req.Source != "" {
		if _, err := runCommand(ctx, "qemu-img", "dd",
			fmt.Sprintf("if=%s", req.Source), fmt.Sprintf("of=%s", path),
			"-O", "raw", "bs=4M"); err != nil {
			return "", 0, err
		}
	}
	return path, req.SizeGB, nil
}

// Delete removes the logical volume; a missing LV converges.
func (d *LVMDriver) Delete(ctx context.Context, req rpc.VolumeDeleteRequest) error {
	if req.Path == "" {
		return nil
	}
	if _, err := os.Stat(req.Path); os.IsNotExist(err) {
		return nil
	}
	_, err := runCommand(ctx, "lvremove", "-y", req.Path)
	return err
}

// Resize grows the logical volume.
func (d *LVMDriver) Resize(ctx context.Context, req rpc.VolumeResizeRequest) error {
	_, err := runCommand(ctx, "lvextend",
		"-L", fmt.Sprintf("%dG", req.NewSizeGB), req.Path)
	return err
}

// Clone makes a new LV and copies the source block-for-block.
func (d *LVMDriver) Clone(ctx context.Context, req rpc.VolumeCloneRequest) (string, error) {
	vg, err := d.vg(req.Pool)
	if err != nil {
		return "", err
	}
	info, err := d.Describe(ctx, req.SourcePath)
	if err != nil {
		return "", err
	}
	if !info.Present {
		return "", fmt.Errorf("source volume %s absent", req.SourceID)
	}
	dest := lvPath(vg, req.CloneID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if _, err := runCommand(ctx, "lvcreate", "-y",
		"-L", fmt.Sprintf("%dG", info.SizeGB), "-n", req.CloneID, vg); err != nil {
		return "", err
	}
	if _, err := runCommand(ctx, "dd",
		fmt.Sprintf("if=%s", req.SourcePath), fmt.Sprintf("of=%s", dest),
		"bs=4M", "conv=sparse"); err != nil {
		return "", err
	}
	return dest, nil
}

// Snapshot creates an LVM snapshot LV named <vg>-<lv>-snap-<name>.
func (d *LVMDriver) Snapshot(ctx context.Context, volumePath, name string) (string, error) {
	tag := fmt.Sprintf("%s-snap-%s", strings.TrimPrefix(volumePath, "/dev/"), name)
	tag = strings.ReplaceAll(tag, "/", "-")
	if _, err := runCommand(ctx, "lvcreate", "-y", "-s",
		"-L", "1G", "-n", tag, volumePath); err != nil {
		return "", err
	}
	return tag, nil
}

// SnapshotDelete removes the snapshot LV.
func (d *LVMDriver) SnapshotDelete(ctx context.Context, volumePath, tag string) error {
	vg := vgOf(volumePath)
	if vg == "" {
		return fmt.Errorf("cannot derive volume group from %s", volumePath)
	}
	snapPath := lvPath(vg, tag)
	if _, err := os.Stat(snapPath); os.IsNotExist(err) {
		return nil
	}
	_, err := runCommand(ctx, "lvremove", "-y", snapPath)
	return err
}

// SnapshotRestore merges the snapshot back into the origin.
func (d *LVMDriver) SnapshotRestore(ctx context.Context, volumePath, tag string) error {
	vg := vgOf(volumePath)
	if vg == "" {
		return fmt.Errorf("cannot derive volume group from %s", volumePath)
	}
	_, err := runCommand(ctx, "lvconvert", "--mergesnapshot", lvPath(vg, tag))
	return err
}

// Describe reports observed LV state via lvs.
func (d *LVMDriver) Describe(ctx context.Context, volumePath string) (VolumeInfo, error) {
	if volumePath == "" {
		return VolumeInfo{}, nil
	}
	if _, err := os.Stat(volumePath); err != nil {
		if os.IsNotExist(err) {
			return VolumeInfo{}, nil
		}
		return VolumeInfo{}, err
	}
	out, err := runCommand(ctx, "lvs", "--noheadings", "--units", "g",
		"--nosuffix", "-o", "lv_size", volumePath)
	if err != nil {
		return VolumeInfo{}, err
	}
	size, _ := strconv.ParseFloat(strings.TrimSpace(out), 64)
	return VolumeInfo{
		Present: true,
		Path:    volumePath,
		SizeGB:  int64(size),
		Format:  "raw",
	}, nil
}

func vgOf(volumePath string) string {
	parts := strings.Split(strings.TrimPrefix(volumePath, "/dev/"), "/")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}
