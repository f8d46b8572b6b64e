package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloudpasture.io/corral/internal/rpc"
)

// CephDriver manages RBD images through the rbd tool.
type CephDriver struct{}

// NewCephDriver creates the Ceph driver.
func NewCephDriver() *CephDriver {
	return &CephDriver{}
}

func (d *CephDriver) rbdPool(pool rpc.PoolSpec) (string, error) {
	name := pool.Config["rbd_pool"]
	if name == "" {
		return "", fmt.Errorf("pool %s has no rbd_pool configured", pool.PoolID)
	}
	return name, nil
}

func rbdImage(pool, volumeID string) string {
	return fmt.Sprintf("%s/%s", pool, volumeID)
}

// Create makes the RBD image; an existing image converges.
func (d *CephDriver) Create(ctx context.Context, req rpc.VolumeCreateRequest) (string, int64, error) {
	pool, err := d.rbdPool(req.Pool)
	if err != nil {
		return "", 0, err
	}
	image := rbdImage(pool, req.VolumeID)
	if info, err := d.Describe(ctx, image); err == nil && info.Present {
		return image, info.SizeGB, nil
	}
	if _, err := runCommand(ctx, "rbd", "create", image,
		"--size", fmt.Sprintf("%dG", req.SizeGB)); err != nil {
		return "", 0, err
	}
	return image, req.SizeGB, nil
}

// Delete removes the image; a missing image converges.
func (d *CephDriver) Delete(ctx context.Context, req rpc.VolumeDeleteRequest) error {
	if req.Path == "" {
		return nil
	}
	if info, err := d.Describe(ctx, req.Path); err == nil && !info.Present {
		return nil
	}
	_, err := runCommand(ctx, "rbd", "rm", req.Path)
	return err
}

// Resize grows the image.
func (d *CephDriver) Resize(ctx context.Context, req rpc.VolumeResizeRequest) error {
	_, err := runCommand(ctx, "rbd", "resize", req.Path,
		"--size", fmt.Sprintf("%dG", req.NewSizeGB))
	return err
}

// Clone copies the image within the pool.
func (d *CephDriver) Clone(ctx context.Context, req rpc.VolumeCloneRequest) (string, error) {
	pool, err := d.rbdPool(req.Pool)
	if err != nil {
		return "", err
	}
	dest := rbdImage(pool, req.CloneID)
	if info, err := d.Describe(ctx, dest); err == nil && info.Present {
		return dest, nil
	}
	if _, err := runCommand(ctx, "rbd", "cp", req.SourcePath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Snapshot creates an RBD snapshot.
func (d *CephDriver) Snapshot(ctx context.Context, volumePath, name string) (string, error) {
	if _, err := runCommand(ctx, "rbd", "snap", "create",
		fmt.Sprintf("%s@%s", volumePath, name)); err != nil {
		return "", err
	}
	return name, nil
}

// SnapshotDelete removes an RBD snapshot.
func (d *CephDriver) SnapshotDelete(ctx context.Context, volumePath, tag string) error {
	_, err := runCommand(ctx, "rbd", "snap", "rm",
		fmt.Sprintf("%s@%s", volumePath, tag))
	if err != nil && strings.Contains(err.Error(), "No such") {
		return nil
	}
	return err
}

// SnapshotRestore rolls the image back to a snapshot.
func (d *CephDriver) SnapshotRestore(ctx context.Context, volumePath, tag string) error {
	_, err := runCommand(ctx, "rbd", "snap", "rollback",
		fmt.Sprintf("%s@%s", volumePath, tag))
	return err
}

// Describe reports observed image state via rbd info.
func (d *CephDriver) Describe(ctx context.Context, volumePath string) (VolumeInfo, error) {
	if volumePath == "" {
		return VolumeInfo{}, nil
	}
	out, err := runCommand(ctx, "rbd", "info", "--format", "json", volumePath)
	if err != nil {
		if strings.Contains(err.Error(), "No such") || strings.Contains(err.Error(), "not found") {
			return VolumeInfo{}, nil
		}
		return VolumeInfo{}, err
	}
	var info struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return VolumeInfo{}, fmt.Errorf("parse rbd info: %w", err)
	}
	return VolumeInfo{
		Present: true,
		Path:    volumePath,
		SizeGB:  info.Size >> 30,
		Format:  "raw",
	}, nil
}
