package storage_test

import (
	"context"
	"testing"
	"time"

	internal_storage "github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/storage"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/testutil"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin(ctx)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = txStore.Rollback()
			_ = store.Close()
		})
		return txStore.(*internal_storage.PostgresStore)
	}

	newTask := func(id, session string, priority int, created time.Time) models.Task {
		return models.Task{
			ID:             id,
			SessionID:      session,
			UserID:         "u1",
			Name:           "Task " + id,
			Priority:       priority,
			Status:         models.PendingTaskStatus,
			MaxRetries:     3,
			TimeoutSeconds: 300,
			Actions: models.ActionList{
				models.NavigateAction{URL: "https://example.com"},
				models.ClickAction{Selector: "#go"},
			},
			CreatedAt: created,
			UpdatedAt: created,
		}
	}

	t.Run("SaveTask and GetTask round trip actions", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("t1", "s1", 5, time.Now().UTC())
		require.NoError(t, store.SaveTask(ctx, task))

		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, models.PendingTaskStatus, got.Status)
		require.Len(t, got.Actions, 2)
		assert.Equal(t, models.NavigateAction{URL: "https://example.com"}, got.Actions[0])
		assert.Nil(t, got.DependsOnTaskID)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListSessionTasks orders by priority then creation", func(t *testing.T) {
		store := newTxStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.SaveTask(ctx, newTask("a", "s2", 5, base)))
		require.NoError(t, store.SaveTask(ctx, newTask("b", "s2", 1, base.Add(time.Minute))))
		require.NoError(t, store.SaveTask(ctx, newTask("c", "s2", 5, base.Add(-time.Minute))))
		require.NoError(t, store.SaveTask(ctx, newTask("d", "other", 0, base)))

		tasks, err := store.ListSessionTasks(ctx, "s2", models.PendingTaskStatus, models.QueuedTaskStatus)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, "b", tasks[0].ID)
		assert.Equal(t, "c", tasks[1].ID)
		assert.Equal(t, "a", tasks[2].ID)
	})

	t.Run("TransitionTask is a compare and swap", func(t *testing.T) {
		store := newTxStore(t)
		task := newTask("cas", "s3", 5, time.Now().UTC())
		require.NoError(t, store.SaveTask(ctx, task))

		task.Status = models.ExecutingTaskStatus
		task.AttemptCount = 1
		require.NoError(t, store.TransitionTask(ctx, task, 0, models.PendingTaskStatus, models.QueuedTaskStatus))

		err := store.TransitionTask(ctx, task, 0, models.PendingTaskStatus, models.QueuedTaskStatus)
		assert.ErrorIs(t, err, storage.ErrClaimConflict)

		ghost := newTask("ghost", "s3", 5, time.Now().UTC())
		err = store.TransitionTask(ctx, ghost, 0, models.PendingTaskStatus)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got, err := store.GetTask(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutingTaskStatus, got.Status)
		assert.Equal(t, 1, got.AttemptCount)

		// back in the queue after a failed attempt; a claim read before
		// that attempt must not win
		retry := got
		retry.Status = models.QueuedTaskStatus
		require.NoError(t, store.TransitionTask(ctx, retry, 1, models.ExecutingTaskStatus))
		stale := task
		stale.AttemptCount = 1
		err = store.TransitionTask(ctx, stale, 0, models.PendingTaskStatus, models.QueuedTaskStatus)
		assert.ErrorIs(t, err, storage.ErrClaimConflict)

		got, err = store.GetTask(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("CountTasksByStatus", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		require.NoError(t, store.SaveTask(ctx, newTask("x1", "s4", 5, now)))
		require.NoError(t, store.SaveTask(ctx, newTask("x2", "s4", 5, now)))
		done := newTask("x3", "s4", 5, now)
		done.Status = models.CompletedTaskStatus
		require.NoError(t, store.SaveTask(ctx, done))

		counts, err := store.CountTasksByStatus(ctx, "s4")
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.PendingTaskStatus])
		assert.Equal(t, 1, counts[models.CompletedTaskStatus])
	})

	t.Run("AppendAuditRecord chains hashes per session", func(t *testing.T) {
		store := newTxStore(t)
		first, err := store.AppendAuditRecord(ctx, models.AuditRecord{
			ID: "r1", SessionID: "s5", TaskID: "t", UserID: "u1", ActionType: "navigate",
			URL: "https://example.com", Success: true,
			ResponseData:    map[string]any{"title": "Example"},
			ComplianceFlags: []models.ComplianceFlag{models.TOSViolationRiskFlag},
			TOSRiskScore:    30,
		})
		require.NoError(t, err)
		assert.Empty(t, first.PrevHash)
		assert.NotEmpty(t, first.RecordHash)

		second, err := store.AppendAuditRecord(ctx, models.AuditRecord{
			ID: "r2", SessionID: "s5", TaskID: "t", UserID: "u1", ActionType: "click",
		})
		require.NoError(t, err)
		assert.Equal(t, first.RecordHash, second.PrevHash)

		recs, err := store.ListAuditRecords(ctx, "s5")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "r1", recs[0].ID)
		for _, r := range recs {
			assert.Equal(t, r.RecordHash, storage.ComputeAuditHash(r))
		}
		assert.True(t, recs[0].HasFlag(models.TOSViolationRiskFlag))
	})

	t.Run("RecentExecutions returns newest first", func(t *testing.T) {
		store := newTxStore(t)
		for _, st := range []models.ExecutionStatus{models.ExecutionCompleted, models.ExecutionFailed} {
			require.NoError(t, store.AppendExecution(ctx, models.ExecutionRecord{
				Provider: "headless_browser", TaskID: "t", SessionID: "s", Status: st, DurationMs: 10,
			}))
		}
		recs, err := store.RecentExecutions(ctx, "headless_browser", 100)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, models.ExecutionFailed, recs[0].Status)
	})
}
