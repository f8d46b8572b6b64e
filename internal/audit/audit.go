// Package audit implements the audit logging service.
//
// Audit logs are append-only compliance records. Hard-delete is NOT
// allowed; every mutating action records an entry before the call
// returns to the caller.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/store"
)

// Logger writes audit records to the metadata store.
type Logger struct {
	st *store.Store
}

// NewLogger creates a new audit Logger.
func NewLogger(st *store.Store) *Logger {
	return &Logger{st: st}
}

// Record writes one auditable action. Failures are logged but not
// returned: a lost audit row must not fail the user's operation after
// its state transition already committed.
func (l *Logger) Record(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) {
	entry := &domain.AuditLog{
		ID:           generateAuditID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.st.InsertAuditLog(ctx, entry); err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	}
}

// List pages audit records newest-first.
func (l *Logger) List(ctx context.Context, offset, limit int) ([]*domain.AuditLog, int, error) {
	return l.st.ListAuditLogs(ctx, offset, limit)
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
