package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TransitionTaskAllowsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveTask(ctx, models.Task{
		ID: "t1", SessionID: "s", Status: models.QueuedTaskStatus, CreatedAt: time.Now(),
	}))

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := store.GetTask(ctx, "t1")
			if !assert.NoError(t, err) {
				return
			}
			task.Status = models.ExecutingTaskStatus
			err = store.TransitionTask(ctx, task, task.AttemptCount, models.PendingTaskStatus, models.QueuedTaskStatus)
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if assert.ErrorIs(t, err, storage.ErrClaimConflict) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), conflicts)
}

func TestMemoryStore_TransitionTaskChecksAttemptCount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveTask(ctx, models.Task{
		ID: "t1", SessionID: "s", Status: models.QueuedTaskStatus, AttemptCount: 1, CreatedAt: time.Now(),
	}))

	stale := models.Task{ID: "t1", SessionID: "s", Status: models.ExecutingTaskStatus, AttemptCount: 1}
	err := store.TransitionTask(ctx, stale, 0, models.PendingTaskStatus, models.QueuedTaskStatus)
	assert.ErrorIs(t, err, storage.ErrClaimConflict)

	fresh := models.Task{ID: "t1", SessionID: "s", Status: models.ExecutingTaskStatus, AttemptCount: 2}
	require.NoError(t, store.TransitionTask(ctx, fresh, 1, models.PendingTaskStatus, models.QueuedTaskStatus))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutingTaskStatus, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestMemoryStore_GetTaskReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dep := "t0"
	require.NoError(t, store.SaveTask(ctx, models.Task{ID: "t1", SessionID: "s", DependsOnTaskID: &dep}))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	*got.DependsOnTaskID = "mutated"

	again, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t0", again.DependsOn())
}

func TestMemoryStore_AuditChain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	r1, err := store.AppendAuditRecord(ctx, models.AuditRecord{ID: "a", SessionID: "s1", ActionType: "navigate"})
	require.NoError(t, err)
	_, err = store.AppendAuditRecord(ctx, models.AuditRecord{ID: "x", SessionID: "s2", ActionType: "navigate"})
	require.NoError(t, err)
	r2, err := store.AppendAuditRecord(ctx, models.AuditRecord{ID: "b", SessionID: "s1", ActionType: "click"})
	require.NoError(t, err)

	assert.Empty(t, r1.PrevHash)
	assert.Equal(t, r1.RecordHash, r2.PrevHash)
	assert.Greater(t, r2.Seq, r1.Seq)

	recs, err := store.ListAuditRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, r2.RecordHash, storage.ComputeAuditHash(recs[1]))
}

func TestMemoryStore_CommittedTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveTask(ctx, models.Task{ID: "t1", SessionID: "s"}))
	require.NoError(t, tx.Commit())

	assert.Error(t, tx.SaveTask(ctx, models.Task{ID: "t2", SessionID: "s"}))
	assert.Error(t, tx.Rollback())
	assert.Error(t, store.Commit())

	_, err = store.GetTask(ctx, "t1")
	assert.NoError(t, err)
}

func TestMemoryStore_RecentExecutionsLimit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendExecution(ctx, models.ExecutionRecord{Provider: "p", DurationMs: int64(i)}))
	}
	recs, err := store.RecentExecutions(ctx, "p", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(4), recs[0].DurationMs)
	assert.Equal(t, int64(3), recs[1].DurationMs)
}
