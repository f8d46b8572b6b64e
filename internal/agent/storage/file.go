package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// FileDriver serves file-backed pools (NFS exports mounted on the
// host). Volumes are qcow2 or raw images managed with qemu-img.
type FileDriver struct {
	httpClient *http.Client
}

// NewFileDriver creates the file-backed driver.
func NewFileDriver() *FileDriver {
	return &FileDriver{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// poolDir resolves where the pool's volumes live on this host.
func (d *FileDriver) poolDir(pool rpc.PoolSpec) (string, error) {
	dir := pool.Config["mount_point"]
	if dir == "" {
		dir = pool.Config["export_path"]
	}
	if dir == "" {
		return "", fmt.Errorf("pool %s has no mount_point configured", pool.PoolID)
	}
	return dir, nil
}

func volumeFile(dir, volumeID, format string) string {
	ext := "img"
	if format == "qcow2" {
		ext = "qcow2"
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s", volumeID, ext))
}

// Create allocates the image, optionally seeding it from a source URL
// before it is handed back.
func (d *FileDriver) Create(ctx context.Context, req rpc.VolumeCreateRequest) (string, int64, error) {
	dir, err := d.poolDir(req.Pool)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("ensure pool directory: %w", err)
	}

	path := volumeFile(dir, req.VolumeID, req.Format)
	if _, err := os.Stat(path); err == nil {
		logger.Info("Volume already present", zap.String("path", path))
		return path, req.SizeGB, nil
	}

	if req.Source != "" {
		if err := d.fetchSource(ctx, req.Source, path); err != nil {
			return "", 0, err
		}
		// Grow the seeded image to the requested size.
		if _, err := runCommand(ctx, "qemu-img", "resize", path,
			fmt.Sprintf("%dG", req.SizeGB)); err != nil {
			_ = os.Remove(path)
			return "", 0, err
		}
		return path, req.SizeGB, nil
	}

	format := req.Format
	if format == "" {
		format = "qcow2"
	}
	if _, err := runCommand(ctx, "qemu-img", "create", "-f", format, path,
		fmt.Sprintf("%dG", req.SizeGB)); err != nil {
		return "", 0, err
	}
	logger.Info("Volume created",
		zap.String("path", path), zap.Int64("size_gb", req.SizeGB))
	return path, req.SizeGB, nil
}

// fetchSource downloads initial volume contents to a temp file and
// moves it into place only on success.
func (d *FileDriver) fetchSource(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build source request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch source %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write source image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Delete removes the image file; a missing file converges.
func (d *FileDriver) Delete(ctx context.Context, req rpc.VolumeDeleteRequest) error {
	if req.Path == "" {
		return nil
	}
	if err := os.Remove(req.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove volume: %w", err)
	}
	return nil
}

// Resize grows the image.
func (d *FileDriver) Resize(ctx context.Context, req rpc.VolumeResizeRequest) error {
	_, err := runCommand(ctx, "qemu-img", "resize", req.Path,
		fmt.Sprintf("%dG", req.NewSizeGB))
	return err
}

// Clone copies the image with format conversion preserved.
func (d *FileDriver) Clone(ctx context.Context, req rpc.VolumeCloneRequest) (string, error) {
	dir, err := d.poolDir(req.Pool)
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
	dest := volumeFile(dir, req.CloneID, info.Format)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if _, err := runCommand(ctx, "qemu-img", "convert", "-O", info.Format,
		req.SourcePath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Snapshot captures an internal qcow2 snapshot; the name is the tag.
func (d *FileDriver) Snapshot(ctx context.Context, volumePath, name string) (string, error) {
	if _, err := runCommand(ctx, "qemu-img", "snapshot", "-c", name, volumePath); err != nil {
		return "", err
	}
	return name, nil
}

// SnapshotDelete drops an internal snapshot by tag.
func (d *FileDriver) SnapshotDelete(ctx context.Context, volumePath, tag string) error {
	_, err := runCommand(ctx, "qemu-img", "snapshot", "-d", tag, volumePath)
	return err
}

// SnapshotRestore reverts the image to a snapshot tag.
func (d *FileDriver) SnapshotRestore(ctx context.Context, volumePath, tag string) error {
	_, err := runCommand(ctx, "qemu-img", "snapshot", "-a", tag, volumePath)
	return err
}

// Describe reports observed image state via qemu-img info.
func (d *FileDriver) Describe(ctx context.Context, volumePath string) (VolumeInfo, error) {
	if volumePath == "" {
		return VolumeInfo{}, nil
	}
	if _, err := os.Stat(volumePath); err != nil {
		if os.IsNotExist(err) {
			return VolumeInfo{}, nil
		}
		return VolumeInfo{}, err
	}

	out, err := runCommand(ctx, "qemu-img", "info", "--output=json", volumePath)
	if err != nil {
		return VolumeInfo{}, err
	}
	var info struct {
		VirtualSize int64  `json:"virtual-size"`
		Format      string `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return VolumeInfo{}, fmt.Errorf("parse qemu-img info: %w", err)
	}
	return VolumeInfo{
		Present: true,
		Path:    volumePath,
		SizeGB:  info.VirtualSize >> 30,
		Format:  info.Format,
	}, nil
}
