package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultPriority       = 5
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 300
	MaxComplexity         = 10

	maxRetriesExceeded  = "max retries exceeded"
	taskExecutionAction = "task_execution"
)

// ExecuteStatus is the outcome kind of one ExecuteNext call.
type ExecuteStatus string

const (
	ExecuteBlocked   ExecuteStatus = "blocked"   // nothing eligible, or every claim was lost
	ExecuteScheduled ExecuteStatus = "scheduled" // next eligible task is not due yet
	ExecuteCompleted ExecuteStatus = "completed"
	ExecuteRetrying  ExecuteStatus = "retrying"
	ExecuteFailed    ExecuteStatus = "failed"
)

// NewTask is the admission request for a task.
type NewTask struct {
	ID              string            `json:"id,omitempty"`
	SessionID       string            `json:"session_id"`
	UserID          string            `json:"user_id"`
	Name            string            `json:"name"`
	Priority        *int              `json:"priority,omitempty"`
	DependsOnTaskID string            `json:"depends_on_task_id,omitempty"`
	ScheduledTime   *time.Time        `json:"scheduled_time,omitempty"`
	MaxRetries      *int              `json:"max_retries,omitempty"`
	RequiresVision  bool              `json:"requires_vision"`
	IsHighRisk      bool              `json:"is_high_risk"`
	Complexity      int               `json:"complexity"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	Instructions    string            `json:"instructions,omitempty"`
	Actions         models.ActionList `json:"actions,omitempty"`
}

type ScheduleResult struct {
	TaskID        string            `json:"task_id"`
	Status        models.TaskStatus `json:"status"`
	ScheduledTime time.Time         `json:"scheduled_time"`
}

type ExecuteOutcome struct {
	TaskID          string         `json:"task_id,omitempty"`
	Status          ExecuteStatus  `json:"status"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Attempts        int            `json:"attempts"`
	Provider        string         `json:"provider,omitempty"`
	ProviderReason  string         `json:"provider_reason,omitempty"`
	RetryInMs       int64          `json:"retry_in_ms,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Message         string         `json:"message,omitempty"`
}

type RetryResult struct {
	TaskID        string            `json:"task_id"`
	Status        models.TaskStatus `json:"status"`
	Attempts      int               `json:"attempts"`
	RetryInMs     int64             `json:"retry_in_ms,omitempty"`
	ScheduledTime *time.Time        `json:"scheduled_time,omitempty"`
	Message       string            `json:"message,omitempty"`
}

type CancelResult struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns the task lifecycle: admission, dependency gating, claiming,
// delegation to a provider's adapter and recording the outcome.
type Scheduler struct {
	store       storage.Store
	taskService *TaskService
	selector    *ProviderSelector
	adapters    *AdapterRegistry
	audit       *AuditLog
	retry       RetryPolicy
	logger      Logger
	metrics     *observability.Registry
	now         func() time.Time
}

func NewScheduler(store storage.Store, selector *ProviderSelector, adapters *AdapterRegistry, audit *AuditLog,
	retry RetryPolicy, logger Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:       store,
		taskService: NewTaskService(store, logger),
		selector:    selector,
		adapters:    adapters,
		audit:       audit,
		retry:       retry,
		logger:      logger,
		metrics:     observability.Default,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) clock() time.Time {
	return s.now().UTC()
}

// SubmitTask validates and persists a new pending task.
func (s *Scheduler) SubmitTask(ctx context.Context, in NewTask) (models.Task, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.Task{}, errors.Wrap(ErrValidation, "task name cannot be empty")
	}
	if len(in.Name) > 200 {
		return models.Task{}, errors.Wrap(ErrValidation, "task name too long (max 200 characters)")
	}
	if in.SessionID == "" || in.UserID == "" {
		return models.Task{}, errors.Wrap(ErrValidation, "session_id and user_id are required")
	}
	if in.Complexity < 0 || in.Complexity > MaxComplexity {
		return models.Task{}, errors.Wrapf(ErrValidation, "complexity must be between 0 and %d", MaxComplexity)
	}
	if in.TimeoutSeconds < 0 {
		return models.Task{}, errors.Wrap(ErrValidation, "timeout_seconds cannot be negative")
	}

	now := s.clock()
	task := models.Task{
		ID:             in.ID,
		SessionID:      in.SessionID,
		UserID:         in.UserID,
		Name:           in.Name,
		Priority:       DefaultPriority,
		Status:         models.PendingTaskStatus,
		MaxRetries:     DefaultMaxRetries,
		RequiresVision: in.RequiresVision,
		IsHighRisk:     in.IsHighRisk,
		Complexity:     in.Complexity,
		TimeoutSeconds: in.TimeoutSeconds,
		Instructions:   in.Instructions,
		Actions:        in.Actions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if in.Priority != nil {
		task.Priority = *in.Priority
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return models.Task{}, errors.Wrap(ErrValidation, "max_retries cannot be negative")
		}
		task.MaxRetries = *in.MaxRetries
	}
	if task.TimeoutSeconds == 0 {
		task.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if in.ScheduledTime != nil {
		st := in.ScheduledTime.UTC()
		task.ScheduledTime = &st
	}
	if in.DependsOnTaskID != "" {
		dep := in.DependsOnTaskID
		task.DependsOnTaskID = &dep
		if err := s.taskService.CheckDependencyChain(ctx, task); err != nil {
			return models.Task{}, err
		}
	}

	if err := s.taskService.SaveTask(ctx, task); err != nil {
		return models.Task{}, err
	}
	s.metrics.IncCounter(observability.TasksSubmittedTotal, nil, 1)
	s.logger.Infof("Submitted task '%s' (%s) to session %s with priority %d", task.Name, task.ID, task.SessionID, task.Priority)
	return task, nil
}

// GetTask returns a task owned by userID. Tasks of other users are reported
// as not found. An empty userID skips the ownership check.
func (s *Scheduler) GetTask(ctx context.Context, taskID, userID string) (models.Task, error) {
	if taskID == "" {
		return models.Task{}, errors.Wrap(ErrValidation, "task_id is required")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "task %s", taskID)
	}
	if userID != "" && task.UserID != userID {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", taskID)
	}
	return task, nil
}

// ScheduleTask queues a task for execution at the given time, clamped to now.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID, userID string, at *time.Time) (res ScheduleResult, err error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.schedule_task", attribute.String("task_id", taskID))
	defer func() { observability.EndSpan(span, err) }()

	task, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return ScheduleResult{}, err
	}
	if !task.Status.Claimable() {
		return ScheduleResult{}, errors.Wrapf(ErrInvalidTransition, "cannot schedule task %s in status %s", taskID, task.Status)
	}
	ok, err := s.taskService.CanRunTask(ctx, task)
	if err != nil {
		return ScheduleResult{}, err
	}
	if !ok {
		return ScheduleResult{}, errors.Wrapf(ErrDependencyUnsatisfied, "task %s depends on %s", taskID, task.DependsOn())
	}

	now := s.clock()
	when := now
	if at != nil && at.After(now) {
		when = at.UTC()
	}
	prev := task.Status
	task.Status = models.QueuedTaskStatus
	task.ScheduledTime = &when
	if err = s.taskService.TransitionTask(ctx, task, task.AttemptCount, models.PendingTaskStatus, models.QueuedTaskStatus); err != nil {
		return ScheduleResult{}, err
	}
	s.logger.Infof("Task %s moved from %s to queued for %s", taskID, prev, when.Format(time.RFC3339))
	return ScheduleResult{TaskID: taskID, Status: task.Status, ScheduledTime: when}, nil
}

// ExecuteNext runs the next eligible task of a session, if there is one.
func (s *Scheduler) ExecuteNext(ctx context.Context, sessionID, userID string) (out ExecuteOutcome, err error) {
	if sessionID == "" {
		return ExecuteOutcome{}, errors.Wrap(ErrValidation, "session_id is required")
	}
	ctx, span := observability.StartSpan(ctx, "scheduler.execute_next", attribute.String("session_id", sessionID))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(out.Status)))
		observability.EndSpan(span, err)
	}()

	candidates, err := s.store.ListSessionTasks(ctx, sessionID, models.PendingTaskStatus, models.QueuedTaskStatus)
	if err != nil {
		return ExecuteOutcome{}, errors.Wrapf(err, "list tasks for session %s", sessionID)
	}
	if userID != "" {
		owned := candidates[:0]
		for _, t := range candidates {
			if t.UserID == userID {
				owned = append(owned, t)
			}
		}
		candidates = owned
	}
	if len(candidates) == 0 {
		return ExecuteOutcome{Status: ExecuteBlocked, Message: "no pending or queued tasks"}, nil
	}

	lostClaims := 0
	for _, task := range candidates {
		ok, err := s.taskService.CanRunTask(ctx, task)
		if err != nil {
			return ExecuteOutcome{}, err
		}
		if !ok {
			continue
		}

		now := s.clock()
		if task.ScheduledTime != nil && task.ScheduledTime.After(now) {
			wait := task.ScheduledTime.Sub(now)
			return ExecuteOutcome{
				TaskID:    task.ID,
				Status:    ExecuteScheduled,
				Attempts:  task.AttemptCount,
				RetryInMs: wait.Milliseconds(),
				Message:   fmt.Sprintf("task scheduled in %s", wait.Round(time.Millisecond)),
			}, nil
		}

		claimed := task
		claimed.Status = models.ExecutingTaskStatus
		claimed.AttemptCount++
		claimed.StartedAt = &now
		claimed.FinishedAt = nil
		err = s.taskService.TransitionTask(ctx, claimed, task.AttemptCount, models.PendingTaskStatus, models.QueuedTaskStatus)
		if errors.Is(err, ErrClaimConflict) {
			lostClaims++
			s.metrics.IncCounter(observability.ClaimConflictsTotal, map[string]string{"session": sessionID}, 1)
			s.logger.Infof("Lost claim on task %s, trying next", task.ID)
			continue
		}
		if err != nil {
			return ExecuteOutcome{}, err
		}
		return s.run(ctx, claimed)
	}

	if lostClaims > 0 {
		return ExecuteOutcome{Status: ExecuteBlocked, Message: "every eligible task was claimed by another worker"}, nil
	}
	return ExecuteOutcome{Status: ExecuteBlocked, Message: "all remaining tasks wait on unfinished dependencies"}, nil
}

// run executes a claimed task and records its outcome.
func (s *Scheduler) run(ctx context.Context, task models.Task) (ExecuteOutcome, error) {
	out := ExecuteOutcome{TaskID: task.ID, Attempts: task.AttemptCount}
	start := s.now()

	var (
		result  ExecutionResult
		execErr error
	)
	sel, err := s.selector.SelectProvider(ctx, task.Complexity, task.RequiresVision, task.IsHighRisk)
	if err != nil {
		execErr = err
	} else {
		out.Provider, out.ProviderReason = sel.SelectedProvider, sel.Reason
		task.Provider = sel.SelectedProvider
		result, execErr = s.invoke(ctx, task, sel.SelectedProvider)
	}
	elapsed := s.now().Sub(start)
	out.ExecutionTimeMs = elapsed.Milliseconds()

	success := execErr == nil && result.Status == ResultSuccess
	errMsg := ""
	switch {
	case execErr != nil:
		errMsg = execErr.Error()
	case result.Status == ResultPending:
		errMsg = "execution still pending"
		if result.Error != "" {
			errMsg = result.Error
		}
	case !success:
		errMsg = result.Error
		if errMsg == "" {
			errMsg = "execution failed"
		}
	}

	if task.Provider != "" {
		s.logSteps(ctx, task, result, success, errMsg, out.ExecutionTimeMs)
		status := models.ExecutionCompleted
		if !success {
			status = models.ExecutionFailed
		}
		rec := models.ExecutionRecord{
			Provider:   task.Provider,
			TaskID:     task.ID,
			SessionID:  task.SessionID,
			Status:     status,
			DurationMs: out.ExecutionTimeMs,
			Error:      errMsg,
			CreatedAt:  s.clock(),
		}
		if err := s.selector.monitor.RecordExecution(ctx, rec); err != nil {
			s.logger.Errorf("Failed to record execution of task %s: %v", task.ID, err)
		}
	}

	now := s.clock()
	if success {
		task.Status = models.CompletedTaskStatus
		task.Result = result.Result
		task.LastError = ""
		task.FinishedAt = &now
		if err := s.taskService.TransitionTask(ctx, task, task.AttemptCount, models.ExecutingTaskStatus); err != nil {
			return ExecuteOutcome{}, err
		}
		s.metrics.IncCounter(observability.TaskExecutionsTotal, map[string]string{"outcome": "completed", "provider": task.Provider}, 1)
		s.logger.Infof("Task %s completed on %s in %dms", task.ID, task.Provider, out.ExecutionTimeMs)
		out.Status = ExecuteCompleted
		out.Result = result.Result
		return out, nil
	}

	out.Error = errMsg
	decision := s.retry.Decide(task.AttemptCount, task.MaxRetries)
	if decision.Retry {
		when := now.Add(decision.Delay)
		task.Status = models.QueuedTaskStatus
		task.ScheduledTime = &when
		task.LastError = errMsg
		if err := s.taskService.TransitionTask(ctx, task, task.AttemptCount, models.ExecutingTaskStatus); err != nil {
			return ExecuteOutcome{}, err
		}
		s.metrics.IncCounter(observability.TaskRetriesTotal, map[string]string{"provider": task.Provider}, 1)
		s.logger.Warnf("Task %s attempt %d/%d failed: %s; retrying in %s",
			task.ID, task.AttemptCount, task.MaxRetries, errMsg, decision.Delay)
		out.Status = ExecuteRetrying
		out.RetryInMs = decision.DelayMs()
		return out, nil
	}

	task.Status = models.FailedTaskStatus
	task.LastError = maxRetriesExceeded
	task.FinishedAt = &now
	if err := s.taskService.TransitionTask(ctx, task, task.AttemptCount, models.ExecutingTaskStatus); err != nil {
		return ExecuteOutcome{}, err
	}
	s.metrics.IncCounter(observability.TaskExecutionsTotal, map[string]string{"outcome": "failed", "provider": task.Provider}, 1)
	s.logger.Errorf("Task %s failed after %d attempt(s): %s", task.ID, task.AttemptCount, errMsg)
	out.Status = ExecuteFailed
	out.Message = maxRetriesExceeded
	return out, nil
}

// invoke hands the task to the provider's adapter under the task timeout.
func (s *Scheduler) invoke(ctx context.Context, task models.Task, provider string) (ExecutionResult, error) {
	adapter, ok := s.adapters.Get(provider)
	if !ok {
		return ExecutionResult{}, errors.Errorf("no adapter registered for provider %s", provider)
	}
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Infof("Starting task %s attempt %d on %s", task.ID, task.AttemptCount, provider)
	return adapter.Execute(execCtx, ExecutionRequest{
		SessionID:      task.SessionID,
		TaskID:         task.ID,
		UserID:         task.UserID,
		TaskName:       task.Name,
		Actions:        task.Actions,
		Instructions:   task.Instructions,
		TimeoutSeconds: task.TimeoutSeconds,
		Provider:       provider,
		Attempt:        task.AttemptCount,
	})
}

// logSteps writes one audit record per reported step, or a single
// task-level record when the adapter reported none.
func (s *Scheduler) logSteps(ctx context.Context, task models.Task, result ExecutionResult, success bool, errMsg string, elapsedMs int64) {
	entries := make([]ActionLog, 0, len(result.Steps))
	for _, step := range result.Steps {
		entries = append(entries, ActionLog{
			SessionID:     task.SessionID,
			TaskID:        task.ID,
			UserID:        task.UserID,
			ActionType:    string(step.ActionType),
			URL:           step.URL,
			Success:       step.Success,
			ResponseData:  step.ResponseData,
			Error:         step.Error,
			ScreenshotRef: step.ScreenshotRef,
			DurationMs:    step.DurationMs,
		})
	}
	if len(entries) == 0 {
		screenshot := ""
		if len(result.Screenshots) > 0 {
			screenshot = result.Screenshots[0]
		}
		entries = append(entries, ActionLog{
			SessionID:     task.SessionID,
			TaskID:        task.ID,
			UserID:        task.UserID,
			ActionType:    taskExecutionAction,
			URL:           firstURL(task.Actions),
			Success:       success,
			ResponseData:  result.Result,
			Error:         errMsg,
			ScreenshotRef: screenshot,
			DurationMs:    elapsedMs,
		})
	}
	for _, e := range entries {
		if _, _, err := s.audit.LogAction(ctx, e); err != nil {
			s.logger.Errorf("Failed to audit %s action of task %s: %v", e.ActionType, task.ID, err)
		}
	}
}

func firstURL(actions models.ActionList) string {
	for _, a := range actions {
		if u := models.TargetURL(a); u != "" {
			return u
		}
	}
	return ""
}

// RetryTask re-arms the backoff of a waiting task, or fails it when its
// retries are exhausted.
func (s *Scheduler) RetryTask(ctx context.Context, taskID, userID string) (RetryResult, error) {
	task, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return RetryResult{}, err
	}
	if !task.Status.Claimable() {
		return RetryResult{}, errors.Wrapf(ErrInvalidTransition, "cannot retry task %s in status %s", taskID, task.Status)
	}

	prev := task.Status
	now := s.clock()
	decision := s.retry.Decide(task.AttemptCount, task.MaxRetries)
	res := RetryResult{TaskID: taskID, Attempts: task.AttemptCount}
	if decision.Retry {
		when := now.Add(decision.Delay)
		task.Status = models.QueuedTaskStatus
		task.ScheduledTime = &when
		res.RetryInMs = decision.DelayMs()
		res.ScheduledTime = &when
		res.Message = fmt.Sprintf("retry scheduled in %s", decision.Delay)
	} else {
		task.Status = models.FailedTaskStatus
		task.LastError = maxRetriesExceeded
		task.FinishedAt = &now
		res.Message = maxRetriesExceeded
	}
	if err := s.taskService.TransitionTask(ctx, task, task.AttemptCount, prev); err != nil {
		return RetryResult{}, err
	}
	res.Status = task.Status
	s.metrics.IncCounter(observability.TaskRetriesTotal, map[string]string{"provider": "manual"}, 1)
	s.logger.Infof("Retry of task %s: %s", taskID, res.Message)
	return res, nil
}

// CancelTask stops a task that has not started executing.
func (s *Scheduler) CancelTask(ctx context.Context, taskID, userID string) (CancelResult, error) {
	task, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return CancelResult{}, err
	}
	if !task.Status.Claimable() {
		return CancelResult{}, errors.Wrapf(ErrInvalidTransition, "cannot cancel task %s in status %s", taskID, task.Status)
	}
	now := s.clock()
	task.Status = models.CancelledTaskStatus
	task.FinishedAt = &now
	if err := s.taskService.TransitionTask(ctx, task, task.AttemptCount, models.PendingTaskStatus, models.QueuedTaskStatus); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			return CancelResult{}, errors.Wrapf(ErrInvalidTransition, "task %s changed status while cancelling", taskID)
		}
		return CancelResult{}, err
	}
	s.logger.Infof("Cancelled task %s", taskID)
	return CancelResult{TaskID: taskID, Status: task.Status}, nil
}

// GetQueueStatus counts a session's tasks by status; every status is present.
func (s *Scheduler) GetQueueStatus(ctx context.Context, sessionID string) (models.QueueStatus, error) {
	if sessionID == "" {
		return models.QueueStatus{}, errors.Wrap(ErrValidation, "session_id is required")
	}
	counts, err := s.store.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		return models.QueueStatus{}, errors.Wrapf(err, "count tasks for session %s", sessionID)
	}
	qs := models.QueueStatus{SessionID: sessionID, Counts: make(map[models.TaskStatus]int, len(models.AllTaskStatuses))}
	for _, st := range models.AllTaskStatuses {
		qs.Counts[st] = counts[st]
		qs.Total += counts[st]
	}
	return qs, nil
}
