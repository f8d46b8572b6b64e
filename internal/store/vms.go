package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"cloudpasture.io/corral/internal/domain"
)

const vmColumns = `id, uuid, name, node_id, status, vcpu, memory_mb, os_type,
	disks, network_interfaces, metadata, started_at, stopped_at, created_at, updated_at`

func scanVM(row interface{ Scan(...interface{}) error }) (*domain.VM, error) {
	var (
		v          domain.VM
		nodeID     sql.NullString
		disks      string
		nics       string
		metadata   string
		startedAt  sql.NullString
		stoppedAt  sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&v.ID, &v.UUID, &v.Name, &nodeID, &v.Status, &v.VCPU, &v.MemoryMB,
		&v.OSType, &disks, &nics, &metadata, &startedAt, &stoppedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.NodeID = stringOrEmpty(nodeID)
	_ = json.Unmarshal([]byte(disks), &v.Disks)
	_ = json.Unmarshal([]byte(nics), &v.NetworkInterfaces)
	_ = json.Unmarshal([]byte(metadata), &v.Metadata)
	v.StartedAt = parseTimePtr(startedAt)
	v.StoppedAt = parseTimePtr(stoppedAt)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

func vmJSONColumns(v *domain.VM) (disks, nics, metadata string) {
	d, _ := json.Marshal(orEmptySlice(v.Disks))
	n, _ := json.Marshal(orEmptyNICs(v.NetworkInterfaces))
	m, _ := json.Marshal(orEmptyMap(v.Metadata))
	return string(d), string(n), string(m)
}

// CreateVM inserts a VM row.
func (s *Store) CreateVM(ctx context.Context, v *domain.VM) error {
	disks, nics, metadata := vmJSONColumns(v)
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO vms
		(id, uuid, name, node_id, status, vcpu, memory_mb, os_type,
		 disks, network_interfaces, metadata, started_at, stopped_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.UUID, v.Name, nullable(v.NodeID), v.Status, v.VCPU, v.MemoryMB, v.OSType,
		disks, nics, metadata, fmtTimePtr(v.StartedAt), fmtTimePtr(v.StoppedAt),
		fmtTime(v.CreatedAt), fmtTime(v.UpdatedAt))
	return err
}

// GetVM fetches a VM by id.
func (s *Store) GetVM(ctx context.Context, id string) (*domain.VM, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+vmColumns+` FROM vms WHERE id = ?`), id)
	return scanVM(row)
}

// ListVMs returns a page of VMs filtered by node and/or status, plus
// the unpaged total.
func (s *Store) ListVMs(ctx context.Context, nodeID, status string, offset, limit int) ([]*domain.VM, int, error) {
	where, args := "", []interface{}{}
	if nodeID != "" {
		where += " AND node_id = ?"
		args = append(args, nodeID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	where = " WHERE 1=1" + where

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM vms`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+vmColumns+` FROM vms`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var vms []*domain.VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, 0, err
		}
		vms = append(vms, v)
	}
	return vms, total, rows.Err()
}

// ListVMsByStatus returns every VM in one of the given statuses; used
// by the reconciliation sweep.
func (s *Store) ListVMsByStatus(ctx context.Context, statuses ...domain.VMStatus) ([]*domain.VM, error) {
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
		s.rebind(`SELECT `+vmColumns+` FROM vms WHERE status IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vms []*domain.VM
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// UpdateVM rewrites the mutable VM fields.
func (s *Store) UpdateVM(ctx context.Context, v *domain.VM) error {
	disks, nics, metadata := vmJSONColumns(v)
	v.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE vms SET
		uuid = ?, name = ?, node_id = ?, status = ?, vcpu = ?, memory_mb = ?,
		os_type = ?, disks = ?, network_interfaces = ?, metadata = ?,
		started_at = ?, stopped_at = ?, updated_at = ?
		WHERE id = ?`),
		v.UUID, v.Name, nullable(v.NodeID), v.Status, v.VCPU, v.MemoryMB,
		v.OSType, disks, nics, metadata,
		fmtTimePtr(v.StartedAt), fmtTimePtr(v.StoppedAt), fmtTime(v.UpdatedAt), v.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateVMStatus transitions only the status column, guarded by the
// expected current status when expect is non-empty.
func (s *Store) UpdateVMStatus(ctx context.Context, id string, expect, status domain.VMStatus) error {
	query := `UPDATE vms SET status = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{status, fmtTime(time.Now()), id}
	if expect != "" {
		query += ` AND status = ?`
		args = append(args, expect)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteVM removes a VM row.
func (s *Store) DeleteVM(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM vms WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func orEmptySlice(d []domain.DiskSpec) []domain.DiskSpec {
	if d == nil {
		return []domain.DiskSpec{}
	}
	return d
}

func orEmptyNICs(n []domain.NICSpec) []domain.NICSpec {
	if n == nil {
		return []domain.NICSpec{}
	}
	return n
}
