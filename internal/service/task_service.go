package service

import (
	"context"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/store"
)

// GetTask fetches one task for polling clients.
func (s *Services) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.st.GetTask(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeTaskNotFound, "task not found")
		}
		return nil, err
	}
	return task, nil
}

// ListTasks pages tasks filtered by status and/or target.
func (s *Services) ListTasks(ctx context.Context, status, targetType, targetID string, page, pageSize int) ([]*domain.Task, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListTasks(ctx, status, targetType, targetID, offset, pageSize)
}

// CancelTask marks a non-terminal task cancelled and pushes the update
// to front-end clients; no message is sent to the agent.
func (s *Services) CancelTask(ctx context.Context, id, actor string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return apperrors.Conflict(apperrors.CodePreconditionFailed, "task already finished")
	}
	if err := s.st.FinishTask(ctx, id, domain.TaskCancelled, nil, "cancelled by user"); err != nil {
		if err == store.ErrTaskTerminal {
			return apperrors.Conflict(apperrors.CodePreconditionFailed, "task already finished")
		}
		return err
	}
	s.audit.Record(ctx, "task.cancel", "task", id, actor, nil)
	s.notify.TaskStatus(id, string(domain.TaskCancelled), task.Progress, "cancelled by user")
	return nil
}
