package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cloudpasture.io/corral/internal/domain"
)

const networkColumns = `id, name, type, cidr, gateway, mtu, vlan_id, node_id,
	status, created_at, updated_at`

func scanNetwork(row interface{ Scan(...interface{}) error }) (*domain.Network, error) {
	var (
		n         domain.Network
		vlanID    sql.NullInt64
		createdAt string
		updatedAt string
	)
	err := row.Scan(&n.ID, &n.Name, &n.Type, &n.CIDR, &n.Gateway, &n.MTU,
		&vlanID, &n.NodeID, &n.Status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if vlanID.Valid {
		v := int(vlanID.Int64)
		n.VLANID = &v
	}
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

// CreateNetwork inserts a network row.
func (s *Store) CreateNetwork(ctx context.Context, n *domain.Network) error {
	var vlan interface{}
	if n.VLANID != nil {
		vlan = *n.VLANID
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO networks
		(id, name, type, cidr, gateway, mtu, vlan_id, node_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.Name, n.Type, n.CIDR, n.Gateway, n.MTU, vlan, n.NodeID,
		n.Status, fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	return err
}

// GetNetwork fetches a network by id.
func (s *Store) GetNetwork(ctx context.Context, id string) (*domain.Network, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+networkColumns+` FROM networks WHERE id = ?`), id)
	return scanNetwork(row)
}

// ListNetworks returns a page of networks plus the unpaged total.
func (s *Store) ListNetworks(ctx context.Context, offset, limit int) ([]*domain.Network, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+networkColumns+` FROM networks
			ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var networks []*domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, 0, err
		}
		networks = append(networks, n)
	}
	return networks, total, rows.Err()
}

// UpdateNetworkName renames a network. Once referenced, name is the
// only mutable field.
func (s *Store) UpdateNetworkName(ctx context.Context, id, name string) error {
	res, err := s.q.ExecContext(ctx,
		s.rebind(`UPDATE networks SET name = ?, updated_at = ? WHERE id = ?`),
		name, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteNetwork removes the network and its allocation rows.
func (s *Store) DeleteNetwork(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx,
		s.rebind(`DELETE FROM ip_allocations WHERE network_id = ?`), id); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM networks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const ipColumns = `id, network_id, ip_address, mac, vm_id, status, allocated_at, created_at`

func scanIPAllocation(row interface{ Scan(...interface{}) error }) (*domain.IPAllocation, error) {
	var (
		a           domain.IPAllocation
		vmID        sql.NullString
		allocatedAt sql.NullString
		createdAt   string
	)
	err := row.Scan(&a.ID, &a.NetworkID, &a.IPAddress, &a.MAC, &vmID,
		&a.Status, &allocatedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.VMID = stringOrEmpty(vmID)
	a.AllocatedAt = parseTimePtr(allocatedAt)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// InsertIPAllocations pre-materializes one row per address.
func (s *Store) InsertIPAllocations(ctx context.Context, allocs []*domain.IPAllocation, numeric []int64) error {
	for i, a := range allocs {
		_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO ip_allocations
			(id, network_id, ip_address, ip_numeric, mac, vm_id, status, allocated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.NetworkID, a.IPAddress, numeric[i], a.MAC, nullable(a.VMID),
			a.Status, fmtTimePtr(a.AllocatedAt), fmtTime(a.CreatedAt))
		if err != nil {
			return err
		}
	}
	return nil
}

// NextAvailableIP selects the numerically lowest available address.
func (s *Store) NextAvailableIP(ctx context.Context, networkID string) (*domain.IPAllocation, error) {
	row := s.q.QueryRowContext(ctx, s.rebind(`SELECT `+ipColumns+`
		FROM ip_allocations
		WHERE network_id = ? AND status = ?
		ORDER BY ip_numeric ASC LIMIT 1`),
		networkID, domain.IPAvailable)
	return scanIPAllocation(row)
}

// GetIPAllocation fetches one allocation row.
func (s *Store) GetIPAllocation(ctx context.Context, id string) (*domain.IPAllocation, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+ipColumns+` FROM ip_allocations WHERE id = ?`), id)
	return scanIPAllocation(row)
}

// GetIPAllocationByAddress fetches the row for one address.
func (s *Store) GetIPAllocationByAddress(ctx context.Context, networkID, ip string) (*domain.IPAllocation, error) {
	row := s.q.QueryRowContext(ctx, s.rebind(`SELECT `+ipColumns+`
		FROM ip_allocations WHERE network_id = ? AND ip_address = ?`), networkID, ip)
	return scanIPAllocation(row)
}

// MarkIPAllocated transitions an available row to allocated, guarded by
// the current status so two transactions cannot claim the same row.
func (s *Store) MarkIPAllocated(ctx context.Context, id, mac string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE ip_allocations SET
		status = ?, mac = ?, allocated_at = ?
		WHERE id = ? AND status = ?`),
		domain.IPAllocated, mac, fmtTime(at), id, domain.IPAvailable)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkIPReserved moves an available address to reserved.
func (s *Store) MarkIPReserved(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE ip_allocations SET
		status = ?, allocated_at = ?
		WHERE id = ? AND status = ?`),
		domain.IPReserved, fmtTime(at), id, domain.IPAvailable)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AssociateIP links an allocated or reserved row to a VM; idempotent.
func (s *Store) AssociateIP(ctx context.Context, id, vmID string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE ip_allocations SET
		vm_id = ?, status = ?
		WHERE id = ? AND status != ?`),
		vmID, domain.IPAllocated, id, domain.IPAvailable)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ReleaseIPsForVM returns every allocation held by the VM in the
// network to available, clearing vm_id, mac, and allocated_at.
func (s *Store) ReleaseIPsForVM(ctx context.Context, networkID, vmID string) (int, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE ip_allocations SET
		status = ?, vm_id = NULL, mac = '', allocated_at = NULL
		WHERE network_id = ? AND vm_id = ?`),
		domain.IPAvailable, networkID, vmID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseIP returns one address to available regardless of whether it
// was allocated or reserved.
func (s *Store) ReleaseIP(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE ip_allocations SET
		status = ?, vm_id = NULL, mac = '', allocated_at = NULL
		WHERE id = ?`),
		domain.IPAvailable, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListIPAllocations pages allocation rows ordered by numeric address.
// An empty status matches all.
func (s *Store) ListIPAllocations(ctx context.Context, networkID, status string, offset, limit int) ([]*domain.IPAllocation, int, error) {
	where := ` WHERE network_id = ?`
	args := []interface{}{networkID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM ip_allocations`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+ipColumns+` FROM ip_allocations`+where+
			` ORDER BY ip_numeric ASC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var allocs []*domain.IPAllocation
	for rows.Next() {
		a, err := scanIPAllocation(rows)
		if err != nil {
			return nil, 0, err
		}
		allocs = append(allocs, a)
	}
	return allocs, total, rows.Err()
}

// CountNonAvailableIPs counts addresses not currently available; a
// network with any is not deletable.
func (s *Store) CountNonAvailableIPs(ctx context.Context, networkID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*)
		FROM ip_allocations WHERE network_id = ? AND status != ?`),
		networkID, domain.IPAvailable).Scan(&n)
	return n, err
}
