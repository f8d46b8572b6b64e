package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"cloudpasture.io/corral/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("row not found")

const nodeColumns = `id, hostname, ip_address, status, hypervisor_type, hypervisor_version,
	cpu_cores, cpu_threads, memory_total_bytes, disk_total_bytes, metadata,
	last_heartbeat, created_at, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*domain.Node, error) {
	var (
		n             domain.Node
		metadata      string
		lastHeartbeat sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&n.ID, &n.Hostname, &n.IPAddress, &n.Status,
		&n.HypervisorType, &n.HypervisorVersion,
		&n.CPUCores, &n.CPUThreads, &n.MemoryTotalBytes, &n.DiskTotalBytes,
		&metadata, &lastHeartbeat, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadata), &n.Metadata)
	n.LastHeartbeat = parseTimePtr(lastHeartbeat)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

// CreateNode inserts a node row.
func (s *Store) CreateNode(ctx context.Context, n *domain.Node) error {
	metadata, _ := json.Marshal(orEmptyMap(n.Metadata))
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO nodes
		(id, hostname, ip_address, status, hypervisor_type, hypervisor_version,
		 cpu_cores, cpu_threads, memory_total_bytes, disk_total_bytes, metadata,
		 last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.Hostname, n.IPAddress, n.Status, n.HypervisorType, n.HypervisorVersion,
		n.CPUCores, n.CPUThreads, n.MemoryTotalBytes, n.DiskTotalBytes, string(metadata),
		fmtTimePtr(n.LastHeartbeat), fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	return err
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	row := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`), id)
	return scanNode(row)
}

// ListNodes returns a page of nodes plus the unpaged total. An empty
// status matches all.
func (s *Store) ListNodes(ctx context.Context, status string, offset, limit int) ([]*domain.Node, int, error) {
	where, args := "", []interface{}{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM nodes`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx,
		s.rebind(`SELECT `+nodeColumns+` FROM nodes`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, 0, err
		}
		nodes = append(nodes, n)
	}
	return nodes, total, rows.Err()
}

// UpdateNode rewrites the mutable node fields.
func (s *Store) UpdateNode(ctx context.Context, n *domain.Node) error {
	metadata, _ := json.Marshal(orEmptyMap(n.Metadata))
	n.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE nodes SET
		hostname = ?, ip_address = ?, status = ?, hypervisor_type = ?,
		hypervisor_version = ?, cpu_cores = ?, cpu_threads = ?,
		memory_total_bytes = ?, disk_total_bytes = ?, metadata = ?, updated_at = ?
		WHERE id = ?`),
		n.Hostname, n.IPAddress, n.Status, n.HypervisorType, n.HypervisorVersion,
		n.CPUCores, n.CPUThreads, n.MemoryTotalBytes, n.DiskTotalBytes,
		string(metadata), fmtTime(n.UpdatedAt), n.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateNodeStatus transitions only the status column.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	res, err := s.q.ExecContext(ctx,
		s.rebind(`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`),
		status, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchHeartbeat stamps last_heartbeat and flips the node online.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`UPDATE nodes SET
		last_heartbeat = ?, status = ?, updated_at = ?
		WHERE id = ? AND status != ?`),
		fmtTime(at), domain.NodeOnline, fmtTime(at), id, domain.NodeMaintenance)
	if err != nil {
		return err
	}
	// A maintenance node keeps its status but still records the beat.
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.q.ExecContext(ctx,
			s.rebind(`UPDATE nodes SET last_heartbeat = ?, updated_at = ? WHERE id = ?`),
			fmtTime(at), fmtTime(at), id)
	}
	return err
}

// MarkStaleNodesOffline flips online nodes whose last heartbeat is
// older than the cutoff, returning the affected ids.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(`SELECT id FROM nodes
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`),
		domain.NodeOnline, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.UpdateNodeStatus(ctx, id, domain.NodeOffline); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteNode removes a node row.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`DELETE FROM nodes WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountVMsOnNode counts VMs assigned to the node.
func (s *Store) CountVMsOnNode(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM vms WHERE node_id = ?`), nodeID).Scan(&n)
	return n, err
}

// NodeStats aggregates counts per status and total capacity.
func (s *Store) NodeStats(ctx context.Context) (*domain.NodeStats, error) {
	stats := &domain.NodeStats{}

	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM nodes GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch domain.NodeStatus(status) {
		case domain.NodeOnline:
			stats.Online = count
		case domain.NodeOffline:
			stats.Offline = count
		case domain.NodeMaintenance:
			stats.Maintenance = count
		case domain.NodeError:
			stats.Error = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.q.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(cpu_cores), 0), COALESCE(SUM(memory_total_bytes), 0),
		COALESCE(SUM(disk_total_bytes), 0) FROM nodes`).
		Scan(&stats.CPUCoresTotal, &stats.MemoryTotalBytes, &stats.DiskTotalBytes)
	return stats, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
