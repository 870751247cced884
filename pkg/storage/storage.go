package storage

import (
	"context"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned by TransitionTask when the stored status
	// or attempt count no longer matches what the caller read.
	ErrClaimConflict = errors.New("claim conflict")
)

// ExecutionHistory is the rolling per-provider window of execution records.
type ExecutionHistory interface {
	AppendExecution(ctx context.Context, rec models.ExecutionRecord) error
	// RecentExecutions returns at most limit records for provider, newest first.
	RecentExecutions(ctx context.Context, provider string, limit int) ([]models.ExecutionRecord, error)
}

// Store defines the storage operations of the orchestrator.
type Store interface {
	// Transaction operations
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	// ListSessionTasks returns the session's tasks in the given statuses
	// ordered by priority ascending, then creation time ascending.
	ListSessionTasks(ctx context.Context, sessionID string, statuses ...models.TaskStatus) ([]models.Task, error)
	// TransitionTask writes t only if the stored status is one of from and the
	// stored attempt count is still attempts, the value the caller read.
	// It returns ErrClaimConflict otherwise and ErrNotFound if t does not exist.
	TransitionTask(ctx context.Context, t models.Task, attempts int, from ...models.TaskStatus) error
	CountTasksByStatus(ctx context.Context, sessionID string) (map[models.TaskStatus]int, error)

	// Audit operations (append only)
	AppendAuditRecord(ctx context.Context, r models.AuditRecord) (models.AuditRecord, error)
	// ListAuditRecords returns the session's audit records in append order.
	ListAuditRecords(ctx context.Context, sessionID string) ([]models.AuditRecord, error)

	// Execution history
	ExecutionHistory
}
