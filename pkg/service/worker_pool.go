package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolNotStarted is returned by Drain before Start has been called.
var ErrPoolNotStarted = errors.New("worker pool not started")

// drainState holds state for a single session drain
type drainState struct {
	outcomes     []ExecuteOutcome
	errs         []error
	pendingCount int           // workers still draining
	completeChan chan struct{} // closed when every worker is done
	mu           sync.Mutex
	cleanupOnce  sync.Once
}

type drainJob struct {
	ctx       context.Context
	drainID   string
	sessionID string
	userID    string
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	SessionID string           `json:"session_id"`
	Executed  int              `json:"executed"`
	Completed int              `json:"completed"`
	Retrying  int              `json:"retrying"`
	Failed    int              `json:"failed"`
	Outcomes  []ExecuteOutcome `json:"outcomes"`
	// StoppedOn is the outcome that ended the last worker, blocked or scheduled.
	StoppedOn ExecuteStatus `json:"stopped_on"`
}

// WorkerPool runs ExecuteNext for a session on several workers at once.
// Workers compete for the same tasks; the scheduler's claim makes sure every
// task runs at most once per attempt.
type WorkerPool struct {
	scheduler *Scheduler
	logger    Logger
	jobs      chan drainJob
	drains    map[string]*drainState
	workers   int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
}

func NewWorkerPool(mainCtx context.Context, scheduler *Scheduler, logger Logger) *WorkerPool {
	return &WorkerPool{
		scheduler: scheduler,
		logger:    logger,
		drains:    make(map[string]*drainState),
		ctx:       mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.mu.Lock()
	wp.workers = workers
	wp.jobs = make(chan drainJob, workers)
	wp.mu.Unlock()
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	close(wp.jobs)
	wp.wg.Wait()

	wp.mu.Lock()
	for id := range wp.drains {
		wp.cleanupDrain(id)
	}
	wp.mu.Unlock()
}

// Drain executes the session's tasks until none is runnable right now.
// Only one drain per session may run at a time.
func (wp *WorkerPool) Drain(ctx context.Context, sessionID, userID string) (DrainReport, error) {
	if sessionID == "" {
		return DrainReport{}, errors.Wrap(ErrValidation, "session_id is required")
	}
	drainID := sessionID + "/" + userID

	wp.mu.Lock()
	if wp.jobs == nil {
		wp.mu.Unlock()
		return DrainReport{}, ErrPoolNotStarted
	}
	if _, exists := wp.drains[drainID]; exists {
		wp.mu.Unlock()
		return DrainReport{}, errors.Errorf("drain of session %s already running", sessionID)
	}
	state := &drainState{
		pendingCount: wp.workers,
		completeChan: make(chan struct{}),
	}
	wp.drains[drainID] = state
	wp.mu.Unlock()

	for i := 0; i < wp.workers; i++ {
		select {
		case wp.jobs <- drainJob{ctx: ctx, drainID: drainID, sessionID: sessionID, userID: userID}:
		case <-ctx.Done():
			wp.finish(drainID, state, i, ctx.Err())
			return wp.report(sessionID, state), ctx.Err()
		}
	}

	select {
	case <-state.completeChan:
	case <-ctx.Done():
		// workers notice the cancelled context after their current task
		<-state.completeChan
	}

	wp.mu.Lock()
	delete(wp.drains, drainID)
	wp.mu.Unlock()

	report := wp.report(sessionID, state)
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.errs) > 0 {
		return report, state.errs[0]
	}
	return report, nil
}

// finish accounts for jobs that were never queued.
func (wp *WorkerPool) finish(drainID string, state *drainState, queued int, err error) {
	wp.logger.Infof("Drain %s interrupted after queuing %d job(s): %v", drainID, queued, err)
	state.mu.Lock()
	state.pendingCount -= wp.workers - queued
	state.errs = append(state.errs, err)
	done := state.pendingCount <= 0
	state.mu.Unlock()
	if done {
		state.cleanupOnce.Do(func() { close(state.completeChan) })
	}
	if queued > 0 {
		<-state.completeChan
	}
	wp.mu.Lock()
	delete(wp.drains, drainID)
	wp.mu.Unlock()
}

func (wp *WorkerPool) report(sessionID string, state *drainState) DrainReport {
	state.mu.Lock()
	defer state.mu.Unlock()
	r := DrainReport{SessionID: sessionID, Outcomes: []ExecuteOutcome{}, StoppedOn: ExecuteBlocked}
	for _, o := range state.outcomes {
		switch o.Status {
		case ExecuteCompleted:
			r.Completed++
		case ExecuteRetrying:
			r.Retrying++
		case ExecuteFailed:
			r.Failed++
		default:
			r.StoppedOn = o.Status
			continue
		}
		r.Executed++
		r.Outcomes = append(r.Outcomes, o)
	}
	return r
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		wp.mu.RLock()
		state, ok := wp.drains[job.drainID]
		wp.mu.RUnlock()
		if !ok {
			wp.logger.Infof("Skipping job for drain %s: drain has been cleaned up", job.drainID)
			continue
		}
		wp.drain(job, state)
	}
}

// drain calls ExecuteNext until the session has nothing runnable.
func (wp *WorkerPool) drain(job drainJob, state *drainState) {
	defer func() {
		state.mu.Lock()
		state.pendingCount--
		done := state.pendingCount <= 0
		state.mu.Unlock()
		if done {
			state.cleanupOnce.Do(func() { close(state.completeChan) })
		}
	}()

	for {
		if err := firstErr(job.ctx.Err(), wp.ctx.Err()); err != nil {
			state.mu.Lock()
			state.errs = append(state.errs, err)
			state.mu.Unlock()
			return
		}
		out, err := wp.scheduler.ExecuteNext(job.ctx, job.sessionID, job.userID)
		state.mu.Lock()
		if err != nil {
			state.errs = append(state.errs, err)
			state.mu.Unlock()
			wp.logger.Errorf("Drain of session %s stopped: %v", job.sessionID, err)
			return
		}
		state.outcomes = append(state.outcomes, out)
		state.mu.Unlock()

		switch out.Status {
		case ExecuteBlocked, ExecuteScheduled:
			return
		}
	}
}

func (wp *WorkerPool) cleanupDrain(drainID string) {
	if state, ok := wp.drains[drainID]; ok {
		state.cleanupOnce.Do(func() { close(state.completeChan) })
		delete(wp.drains, drainID)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
