package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/pkg/errors"
)

// memoryData is the state shared by a memoryStore and its transactions.
type memoryData struct {
	mu         sync.Mutex
	tasks      map[string]models.Task
	audits     []models.AuditRecord
	executions map[string][]models.ExecutionRecord // provider -> oldest first
	nextSeq    int64
	nextExecID int64
}

// memoryStore implements Store in process memory. Writes made inside a
// transaction are applied immediately; Rollback does not undo them.
type memoryStore struct {
	data      *memoryData
	inTx      bool
	committed bool
}

func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{
		tasks:      make(map[string]models.Task),
		executions: make(map[string][]models.ExecutionRecord),
	}}
}

func (m *memoryStore) Begin(_ context.Context) (Store, error) {
	return &memoryStore{data: m.data, inTx: true}, nil
}

func (m *memoryStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.committed {
		return errors.New("already committed")
	}
	m.committed = true
	return nil
}

func (m *memoryStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.committed {
		return errors.New("cannot rollback committed transaction")
	}
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) writable() error {
	if m.committed {
		return errors.New("transaction already committed")
	}
	return nil
}

func (m *memoryStore) SaveTask(_ context.Context, t models.Task) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if _, exists := m.data.tasks[t.ID]; exists {
		return errors.Errorf("task %s already exists", t.ID)
	}
	m.data.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *memoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	t, ok := m.data.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *memoryStore) ListSessionTasks(_ context.Context, sessionID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	out := make([]models.Task, 0)
	for _, t := range m.data.tasks {
		if t.SessionID != sessionID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, t.Status) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) TransitionTask(_ context.Context, t models.Task, attempts int, from ...models.TaskStatus) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	current, ok := m.data.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if !hasStatus(from, current.Status) || current.AttemptCount != attempts {
		return ErrClaimConflict
	}
	t.UpdatedAt = time.Now().UTC()
	m.data.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *memoryStore) CountTasksByStatus(_ context.Context, sessionID string) (map[models.TaskStatus]int, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range m.data.tasks {
		if t.SessionID == sessionID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (m *memoryStore) AppendAuditRecord(_ context.Context, r models.AuditRecord) (models.AuditRecord, error) {
	if err := m.writable(); err != nil {
		return models.AuditRecord{}, err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Microsecond)
	r.PrevHash = ""
	for i := len(m.data.audits) - 1; i >= 0; i-- {
		if m.data.audits[i].SessionID == r.SessionID {
			r.PrevHash = m.data.audits[i].RecordHash
			break
		}
	}
	r.RecordHash = ComputeAuditHash(r)
	m.data.nextSeq++
	r.Seq = m.data.nextSeq
	m.data.audits = append(m.data.audits, r)
	return r, nil
}

func (m *memoryStore) ListAuditRecords(_ context.Context, sessionID string) ([]models.AuditRecord, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	out := make([]models.AuditRecord, 0)
	for _, r := range m.data.audits {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) AppendExecution(_ context.Context, rec models.ExecutionRecord) error {
	if err := m.writable(); err != nil {
		return err
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.data.nextExecID++
	rec.ID = m.data.nextExecID
	m.data.executions[rec.Provider] = append(m.data.executions[rec.Provider], rec)
	return nil
}

func (m *memoryStore) RecentExecutions(_ context.Context, provider string, limit int) ([]models.ExecutionRecord, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	recs := m.data.executions[provider]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]models.ExecutionRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func hasStatus(statuses []models.TaskStatus, s models.TaskStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// cloneTask copies the pointer and map fields so callers never alias stored state.
func cloneTask(t models.Task) models.Task {
	if t.DependsOnTaskID != nil {
		dep := *t.DependsOnTaskID
		t.DependsOnTaskID = &dep
	}
	if t.ScheduledTime != nil {
		st := *t.ScheduledTime
		t.ScheduledTime = &st
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		t.StartedAt = &st
	}
	if t.FinishedAt != nil {
		ft := *t.FinishedAt
		t.FinishedAt = &ft
	}
	if t.Result != nil {
		res := make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			res[k] = v
		}
		t.Result = res
	}
	if t.Actions != nil {
		t.Actions = append(models.ActionList(nil), t.Actions...)
	}
	return t
}
