package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"cloudpasture.io/corral/internal/domain"
)

const poolColumns = `id, name, type, status, config, capacity_gb, allocated_gb,
	node_id, created_at, updated_at`

func scanPool(row interface{ Scan(...interface{}) error }) (*domain.StoragePool, error) {
	var (
		p         domain.StoragePool
		config    string
		nodeID    sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Status, &config,
		&p.CapacityGB, &p.AllocatedGB, &nodeID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(config), &p.Config)
	p.NodeID = stringOrEmpty(nodeID)
	p.AvailableGB = p.CapacityGB - p.AllocatedGB
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// CreatePool inserts a storage pool row.
func (s *Store) CreatePool(ctx context.Context, p *domain.StoragePool) error {
	config, _ := json.Marshal(p.Config)
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO storage_pools
		(id, name, type, status, config, capacity_gb, allocated_gb, node_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Type, p.Status, string(config), p.CapacityGB, p.AllocatedGB,
		nullable(p.NodeID), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	return err
}

// GetPool fetches a pool by id.
func (s *Store) GetPool(ctx context.Context, id string) (*domain.StoragePool, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+poolColumns+` FROM storage_pools WHERE id = ?`), id)
	return scanPool(row)
}

// GetPoolByName fetches a pool by its unique name.
func (s *Store) GetPoolByName(ctx context.Context, name string) (*domain.StoragePool, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+poolColumns+` FROM storage_pools WHERE name = ?`), name)
	return scanPool(row)
}

// ListPools returns a page of pools plus the unpaged total.
func (s *Store) ListPools(ctx context.Context, offset, limit int) ([]*domain.StoragePool, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM storage_pools`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+poolColumns+` FROM storage_pools
			ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var pools []*domain.StoragePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, 0, err
		}
		pools = append(pools, p)
	}
	return pools, total, rows.Err()
}

// UpdatePool rewrites the mutable pool fields.
func (s *Store) UpdatePool(ctx context.Context, p *domain.StoragePool) error {
	config, _ := json.Marshal(p.Config)
	p.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE storage_pools SET
		name = ?, type = ?, status = ?, config = ?, capacity_gb = ?,
		allocated_gb = ?, node_id = ?, updated_at = ?
		WHERE id = ?`),
		p.Name, p.Type, p.Status, string(config), p.CapacityGB, p.AllocatedGB,
		nullable(p.NodeID), fmtTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RefreshPoolUsage recomputes allocated_gb from the pool's volumes not
// in deleting/error, keeping the accounting invariant after every
// committed mutation. Run inside the same transaction as the volume
// change.
func (s *Store) RefreshPoolUsage(ctx context.Context, poolID string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE storage_pools SET
		allocated_gb = (
			SELECT COALESCE(SUM(size_gb), 0) FROM volumes
			WHERE pool_id = ? AND status NOT IN (?, ?)
		),
		updated_at = ?
		WHERE id = ?`),
		poolID, domain.VolumeDeleting, domain.VolumeError, fmtTime(time.Now()), poolID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeletePool removes a pool row.
func (s *Store) DeletePool(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM storage_pools WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountVolumesInPool counts volumes still referencing the pool.
func (s *Store) CountVolumesInPool(ctx context.Context, poolID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM volumes WHERE pool_id = ?`), poolID).Scan(&n)
	return n, err
}

const volumeColumns = `id, name, type, size_gb, pool_id, path, status, vm_id,
	metadata, created_at, updated_at`

func scanVolume(row interface{ Scan(...interface{}) error }) (*domain.Volume, error) {
	var (
		v         domain.Volume
		vmID      sql.NullString
		metadata  string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Type, &v.SizeGB, &v.PoolID, &v.Path,
		&v.Status, &vmID, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.VMID = stringOrEmpty(vmID)
	_ = json.Unmarshal([]byte(metadata), &v.Metadata)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// CreateVolume inserts a volume row.
func (s *Store) CreateVolume(ctx context.Context, v *domain.Volume) error {
	metadata, _ := json.Marshal(orEmptyMap(v.Metadata))
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO volumes
		(id, name, type, size_gb, pool_id, path, status, vm_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.Name, v.Type, v.SizeGB, v.PoolID, v.Path, v.Status,
		nullable(v.VMID), string(metadata), fmtTime(v.CreatedAt), fmtTime(v.UpdatedAt))
	return err
}

// GetVolume fetches a volume by id.
func (s *Store) GetVolume(ctx context.Context, id string) (*domain.Volume, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+volumeColumns+` FROM volumes WHERE id = ?`), id)
	return scanVolume(row)
}

// ListVolumes returns a page of volumes filtered by pool and/or status.
func (s *Store) ListVolumes(ctx context.Context, poolID, status string, offset, limit int) ([]*domain.Volume, int, error) {
	where, args := " WHERE 1=1", []interface{}{}
	if poolID != "" {
		where += " AND pool_id = ?"
		args = append(args, poolID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM volumes`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+volumeColumns+` FROM volumes`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var volumes []*domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, 0, err
		}
		volumes = append(volumes, v)
	}
	return volumes, total, rows.Err()
}

// ListVolumesByVM returns the volumes attached to a VM.
func (s *Store) ListVolumesByVM(ctx context.Context, vmID string) ([]*domain.Volume, error) {
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+volumeColumns+` FROM volumes WHERE vm_id = ?`), vmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []*domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// ListVolumesByStatus returns every volume in one of the given
// statuses; used by the reconciliation sweep.
func (s *Store) ListVolumesByStatus(ctx context.Context, statuses ...domain.VolumeStatus) ([]*domain.Volume, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, st)
	}
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+volumeColumns+` FROM volumes WHERE status IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []*domain.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}
	return volumes, rows.Err()
}

// UpdateVolume rewrites the mutable volume fields.
func (s *Store) UpdateVolume(ctx context.Context, v *domain.Volume) error {
	metadata, _ := json.Marshal(orEmptyMap(v.Metadata))
	v.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE volumes SET
		name = ?, type = ?, size_gb = ?, pool_id = ?, path = ?, status = ?,
		vm_id = ?, metadata = ?, updated_at = ?
		WHERE id = ?`),
		v.Name, v.Type, v.SizeGB, v.PoolID, v.Path, v.Status,
		nullable(v.VMID), string(metadata), fmtTime(v.UpdatedAt), v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetVolumeAttachment links or clears the volume's VM and flips the
// in_use/available status together.
func (s *Store) SetVolumeAttachment(ctx context.Context, volumeID, vmID string) error {
	status := domain.VolumeAvailable
	if vmID != "" {
		status = domain.VolumeInUse
	}
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE volumes SET
		vm_id = ?, status = ?, updated_at = ? WHERE id = ?`),
		nullable(vmID), status, fmtTime(time.Now()), volumeID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteVolume removes a volume row.
func (s *Store) DeleteVolume(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM volumes WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const snapshotColumns = `id, name, volume_id, status, size_gb, snapshot_tag,
	description, metadata, created_at, updated_at`

func scanSnapshot(row interface{ Scan(...interface{}) error }) (*domain.Snapshot, error) {
	var (
		sn        domain.Snapshot
		metadata  string
		createdAt string
		updatedAt string
	)
	err := row.Scan(&sn.ID, &sn.Name, &sn.VolumeID, &sn.Status, &sn.SizeGB,
		&sn.SnapshotTag, &sn.Description, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadata), &sn.Metadata)
	sn.CreatedAt = parseTime(createdAt)
	sn.UpdatedAt = parseTime(updatedAt)
	return &sn, nil
}

// CreateSnapshot inserts a snapshot row.
func (s *Store) CreateSnapshot(ctx context.Context, sn *domain.Snapshot) error {
	metadata, _ := json.Marshal(orEmptyMap(sn.Metadata))
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO snapshots
		(id, name, volume_id, status, size_gb, snapshot_tag, description, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sn.ID, sn.Name, sn.VolumeID, sn.Status, sn.SizeGB, sn.SnapshotTag,
		sn.Description, string(metadata), fmtTime(sn.CreatedAt), fmtTime(sn.UpdatedAt))
	return err
}

// GetSnapshot fetches a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`), id)
	return scanSnapshot(row)
}

// ListSnapshots returns a page of snapshots, optionally filtered by
// parent volume.
func (s *Store) ListSnapshots(ctx context.Context, volumeID string, offset, limit int) ([]*domain.Snapshot, int, error) {
	where, args := "", []interface{}{}
	if volumeID != "" {
		where = " WHERE volume_id = ?"
		args = append(args, volumeID)
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM snapshots`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+snapshotColumns+` FROM snapshots`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var snapshots []*domain.Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, err
		}
		snapshots = append(snapshots, sn)
	}
	return snapshots, total, rows.Err()
}

// CountSnapshotsForVolume counts snapshots still referencing a volume.
func (s *Store) CountSnapshotsForVolume(ctx context.Context, volumeID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM snapshots WHERE volume_id = ?`), volumeID).Scan(&n)
	return n, err
}

// UpdateSnapshot rewrites the mutable snapshot fields.
func (s *Store) UpdateSnapshot(ctx context.Context, sn *domain.Snapshot) error {
	metadata, _ := json.Marshal(orEmptyMap(sn.Metadata))
	sn.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE snapshots SET
		name = ?, status = ?, size_gb = ?, snapshot_tag = ?, description = ?,
		metadata = ?, updated_at = ?
		WHERE id = ?`),
		sn.Name, sn.Status, sn.SizeGB, sn.SnapshotTag, sn.Description,
		string(metadata), fmtTime(sn.UpdatedAt), sn.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSnapshot removes a snapshot row.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM snapshots WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
