package service

import (
	"context"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService wraps task writes in store transactions.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// CanRunTask reports whether the task's dependency, if any, has completed.
// A dependency that cannot be found never completes.
func (ts *TaskService) CanRunTask(ctx context.Context, task models.Task) (bool, error) {
	dep := task.DependsOn()
	if dep == "" {
		return true, nil
	}
	d, err := ts.store.GetTask(ctx, dep)
	if errors.Is(err, storage.ErrNotFound) {
		ts.logger.Warnf("Dependency %s of task %s does not exist", dep, task.ID)
		return false, nil
	}
	if err != nil {
		ts.logger.Errorf("Error retrieving dependency %s: %v", dep, err)
		return false, errors.Wrapf(err, "failed to retrieve dependency %s", dep)
	}
	if d.Status != models.CompletedTaskStatus {
		ts.logger.Infof("Cannot run task %s as dependency %s is in status %s", task.ID, dep, d.Status)
		return false, nil
	}
	return true, nil
}

// CheckDependencyChain walks the dependency chain of task hop by hop and
// rejects chains that leave the session or loop back.
func (ts *TaskService) CheckDependencyChain(ctx context.Context, task models.Task) error {
	seen := map[string]struct{}{task.ID: {}}
	for dep := task.DependsOn(); dep != ""; {
		if _, ok := seen[dep]; ok {
			return errors.Wrapf(ErrDependencyCycle, "task %s", task.ID)
		}
		seen[dep] = struct{}{}
		d, err := ts.store.GetTask(ctx, dep)
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(ErrValidation, "dependency %s does not exist", dep)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to retrieve dependency %s", dep)
		}
		if d.SessionID != task.SessionID {
			return errors.Wrapf(ErrValidation, "dependency %s belongs to another session", dep)
		}
		dep = d.DependsOn()
	}
	return nil
}

func (ts *TaskService) SaveTask(ctx context.Context, task models.Task) (err error) {
	txStore, err := ts.store.Begin(ctx)
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for SaveTask: %v", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.SaveTask(ctx, task); err != nil {
		ts.logger.Errorf("Failed to save task %s: %v", task.ID, err)
		return errors.Wrapf(err, "failed to save task %s", task.ID)
	}
	return nil
}

// TransitionTask writes task only if its stored status is one of from and its
// stored attempt count is still attempts.
func (ts *TaskService) TransitionTask(ctx context.Context, task models.Task, attempts int, from ...models.TaskStatus) (err error) {
	txStore, err := ts.store.Begin(ctx)
	if err != nil {
		ts.logger.Errorf("Failed to begin transaction for TransitionTask: %v", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ts.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.TransitionTask(ctx, task, attempts, from...); err != nil {
		if !errors.Is(err, storage.ErrClaimConflict) {
			ts.logger.Errorf("Failed to move task %s to %s: %v", task.ID, task.Status, err)
		}
		return errors.WithMessagef(err, "task %s to %s", task.ID, task.Status)
	}
	return nil
}
