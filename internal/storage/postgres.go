package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/bytedance/sonic"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// taskRow is the tasks table shape; JSONB columns are scanned as raw bytes.
type taskRow struct {
	models.Task
	ResultJSON  []byte `db:"result"`
	ActionsJSON []byte `db:"actions"`
}

func (r taskRow) toTask() (models.Task, error) {
	t := r.Task
	if len(r.ResultJSON) > 0 && string(r.ResultJSON) != "null" {
		if err := sonic.Unmarshal(r.ResultJSON, &t.Result); err != nil {
			return models.Task{}, fmt.Errorf("decode result of task %s: %w", t.ID, err)
		}
	}
	if len(r.ActionsJSON) > 0 && string(r.ActionsJSON) != "null" {
		if err := sonic.Unmarshal(r.ActionsJSON, &t.Actions); err != nil {
			return models.Task{}, fmt.Errorf("decode actions of task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func taskJSON(t models.Task) (result, actions []byte, err error) {
	if t.Result != nil {
		if result, err = sonic.Marshal(t.Result); err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
	}
	if t.Actions != nil {
		if actions, err = sonic.Marshal(t.Actions); err != nil {
			return nil, nil, fmt.Errorf("encode actions: %w", err)
		}
	}
	return result, actions, nil
}

const taskColumns = `id, session_id, user_id, name, priority, depends_on_task_id, status, scheduled_time,
	max_retries, attempt_count, last_error, result, requires_vision, is_high_risk, complexity,
	timeout_seconds, instructions, actions, provider, created_at, updated_at, started_at, finished_at`

// SaveTask inserts a new task
func (s *PostgresStore) SaveTask(ctx context.Context, t models.Task) error {
	result, actions, err := taskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		t.ID, t.SessionID, t.UserID, t.Name, t.Priority, t.DependsOnTaskID, t.Status, t.ScheduledTime,
		t.MaxRetries, t.AttemptCount, t.LastError, result, t.RequiresVision, t.IsHighRisk, t.Complexity,
		t.TimeoutSeconds, t.Instructions, actions, t.Provider, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return row.toTask()
}

func (s *PostgresStore) ListSessionTasks(ctx context.Context, sessionID string, statuses ...models.TaskStatus) ([]models.Task, error) {
	var rows []taskRow
	query := "SELECT " + taskColumns + " FROM tasks WHERE session_id = $1"
	args := []interface{}{sessionID}
	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		args = append(args, pq.Array(statusStrings(statuses)))
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks of session %s: %w", sessionID, err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// TransitionTask rewrites the mutable task columns if the stored status is
// still one of from and nobody has claimed the task since it was read.
func (s *PostgresStore) TransitionTask(ctx context.Context, t models.Task, attempts int, from ...models.TaskStatus) error {
	result, _, err := taskJSON(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1,
		scheduled_time = $2,
		attempt_count = $3,
		last_error = $4,
		result = $5,
		provider = $6,
		started_at = $7,
		finished_at = $8,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $9 AND status = ANY($10) AND attempt_count = $11`,
		t.Status, t.ScheduledTime, t.AttemptCount, t.LastError, result, t.Provider,
		t.StartedAt, t.FinishedAt, t.ID, pq.Array(statusStrings(from)), attempts)
	if err != nil {
		return fmt.Errorf("transition task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)", t.ID); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrClaimConflict
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context, sessionID string) (map[models.TaskStatus]int, error) {
	var rows []struct {
		Status models.TaskStatus `db:"status"`
		Count  int               `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT status, COUNT(*) AS count FROM tasks WHERE session_id = $1 GROUP BY status", sessionID)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

type auditRow struct {
	models.AuditRecord
	ResponseJSON []byte         `db:"response_data"`
	Flags        pq.StringArray `db:"compliance_flags"`
	PII          pq.StringArray `db:"pii_fields"`
}

const auditColumns = `seq, id, session_id, task_id, user_id, action_type, url, success, response_data, error_msg,
	screenshot_ref, duration_ms, compliance_flags, pii_fields, tos_risk_score, prev_hash, record_hash, created_at`

// AppendAuditRecord chains r onto the session's last record. Appends for one
// session are serialized with a transaction-scoped advisory lock, so the store
// should be a transaction for the lock to cover the read and the insert.
func (s *PostgresStore) AppendAuditRecord(ctx context.Context, r models.AuditRecord) (models.AuditRecord, error) {
	if _, ok := s.db.(*sqlx.Tx); ok {
		if _, err := s.db.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", r.SessionID); err != nil {
			return models.AuditRecord{}, fmt.Errorf("lock audit chain: %w", err)
		}
	}
	var prev string
	err := s.db.GetContext(ctx, &prev,
		"SELECT record_hash FROM audit_records WHERE session_id = $1 ORDER BY seq DESC LIMIT 1", r.SessionID)
	if err != nil && err != sql.ErrNoRows {
		return models.AuditRecord{}, fmt.Errorf("read audit chain head: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Microsecond)
	r.PrevHash = prev
	r.RecordHash = storage.ComputeAuditHash(r)

	var response []byte
	if r.ResponseData != nil {
		if response, err = sonic.Marshal(r.ResponseData); err != nil {
			return models.AuditRecord{}, fmt.Errorf("encode response data: %w", err)
		}
	}
	flags := make([]string, 0, len(r.ComplianceFlags))
	for _, f := range r.ComplianceFlags {
		flags = append(flags, string(f))
	}
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO audit_records (id, session_id, task_id, user_id, action_type, url, success, response_data,
			error_msg, screenshot_ref, duration_ms, compliance_flags, pii_fields, tos_risk_score, prev_hash,
			record_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq`,
		r.ID, r.SessionID, r.TaskID, r.UserID, r.ActionType, r.URL, r.Success, response,
		r.Error, r.ScreenshotRef, r.DurationMs, pq.Array(flags), pq.Array(r.PIIFields), r.TOSRiskScore,
		r.PrevHash, r.RecordHash, r.CreatedAt).Scan(&r.Seq)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("append audit record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListAuditRecords(ctx context.Context, sessionID string) ([]models.AuditRecord, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+auditColumns+" FROM audit_records WHERE session_id = $1 ORDER BY seq ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit records of session %s: %w", sessionID, err)
	}
	out := make([]models.AuditRecord, 0, len(rows))
	for _, row := range rows {
		r := row.AuditRecord
		if len(row.ResponseJSON) > 0 && string(row.ResponseJSON) != "null" {
			if err := sonic.Unmarshal(row.ResponseJSON, &r.ResponseData); err != nil {
				return nil, fmt.Errorf("decode audit record %s: %w", r.ID, err)
			}
		}
		r.CreatedAt = r.CreatedAt.UTC()
		for _, f := range row.Flags {
			r.ComplianceFlags = append(r.ComplianceFlags, models.ComplianceFlag(f))
		}
		r.PIIFields = []string(row.PII)
		out = append(out, r)
	}
	return out, nil
}

func (s *PostgresStore) AppendExecution(ctx context.Context, rec models.ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records (provider, task_id, session_id, status, duration_ms, error_msg, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Provider, rec.TaskID, rec.SessionID, rec.Status, rec.DurationMs, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentExecutions(ctx context.Context, provider string, limit int) ([]models.ExecutionRecord, error) {
	recs := []models.ExecutionRecord{}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, provider, task_id, session_id, status, duration_ms, error_msg, created_at
		FROM execution_records WHERE provider = $1 ORDER BY id DESC LIMIT $2`, provider, limit)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func statusStrings(statuses []models.TaskStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
