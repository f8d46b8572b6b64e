package store

import (
	"context"
	"encoding/json"

	"cloudpasture.io/corral/internal/domain"
)

// InsertAuditLog appends one audit record. Audit rows are never
// updated or deleted.
func (s *Store) InsertAuditLog(ctx context.Context, a *domain.AuditLog) error {
	details, _ := json.Marshal(a.Details)
	if a.Details == nil {
		details = []byte("{}")
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`INSERT INTO audit_logs
		(id, action, resource_type, resource_id, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Action, a.ResourceType, a.ResourceID, a.Actor,
		string(details), fmtTime(a.CreatedAt))
	return err
}

// ListAuditLogs pages audit records newest-first.
func (s *Store) ListAuditLogs(ctx context.Context, offset, limit int) ([]*domain.AuditLog, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.q.QueryContext(ctx, s.rebind(`SELECT
		id, action, resource_type, resource_id, actor, details, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*domain.AuditLog
	for rows.Next() {
		var (
			a         domain.AuditLog
			details   string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.ResourceType, &a.ResourceID,
			&a.Actor, &details, &createdAt); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(details), &a.Details)
		a.CreatedAt = parseTime(createdAt)
		logs = append(logs, &a)
	}
	return logs, total, rows.Err()
}
