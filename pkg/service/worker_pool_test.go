package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
)

func TestWorkerPool_Drain(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		workers   int
		tasks     int
		fail      bool
		completed int
		retrying  int
		runs      int32
	}{
		{name: "Single worker drains session", workers: 1, tasks: 5, completed: 5, runs: 5},
		{name: "Competing workers run every task once", workers: 4, tasks: 12, completed: 12, runs: 12},
		{name: "Failures back off and stop the drain", workers: 2, tasks: 3, fail: true, retrying: 3, runs: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs int32
			adapter := service.AdapterFunc(func(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
				atomic.AddInt32(&runs, 1)
				if tt.fail {
					return service.ExecutionResult{Status: service.ResultFailed, Error: "element not found"}, nil
				}
				return service.ExecutionResult{Status: service.ResultSuccess}, nil
			})
			orch := newTestOrchestrator(storage.NewMemoryStore(), adapter, newFakeClock())
			for i := 0; i < tt.tasks; i++ {
				if _, err := orch.Scheduler.SubmitTask(ctx, service.NewTask{SessionID: "s1", UserID: "u1", Name: fmt.Sprintf("task-%d", i)}); err != nil {
					t.Fatalf("Failed to submit task: %v", err)
				}
			}

			pool := service.NewWorkerPool(ctx, orch.Scheduler, logger{})
			pool.Start(tt.workers)
			defer pool.Stop()

			report, err := pool.Drain(ctx, "s1", "u1")
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if report.Completed != tt.completed {
				t.Errorf("Expected %d completed, got %d", tt.completed, report.Completed)
			}
			if report.Retrying != tt.retrying {
				t.Errorf("Expected %d retrying, got %d", tt.retrying, report.Retrying)
			}
			if got := atomic.LoadInt32(&runs); got != tt.runs {
				t.Errorf("Expected %d adapter runs, got %d", tt.runs, got)
			}

			qs, err := orch.Scheduler.GetQueueStatus(ctx, "s1")
			if err != nil {
				t.Fatalf("Failed to get queue status: %v", err)
			}
			if qs.Counts[models.ExecutingTaskStatus] != 0 {
				t.Errorf("Expected no executing tasks after drain, got %d", qs.Counts[models.ExecutingTaskStatus])
			}
		})
	}
}

func TestWorkerPool_DrainRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	var order []string
	done := make(chan string, 3)
	adapter := service.AdapterFunc(func(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
		done <- req.TaskName
		return service.ExecutionResult{Status: service.ResultSuccess}, nil
	})
	orch := newTestOrchestrator(storage.NewMemoryStore(), adapter, newFakeClock())

	prev := ""
	for _, name := range []string{"login", "search", "export"} {
		task, err := orch.Scheduler.SubmitTask(ctx, service.NewTask{SessionID: "s1", UserID: "u1", Name: name, DependsOnTaskID: prev})
		if err != nil {
			t.Fatalf("Failed to submit %s: %v", name, err)
		}
		prev = task.ID
	}

	pool := service.NewWorkerPool(ctx, orch.Scheduler, logger{})
	pool.Start(3)
	defer pool.Stop()

	report, err := pool.Drain(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	close(done)
	for name := range done {
		order = append(order, name)
	}
	if fmt.Sprint(order) != "[login search export]" {
		t.Errorf("Expected dependency order, got %v", order)
	}
	if report.Completed != 3 {
		t.Errorf("Expected 3 completed, got %d", report.Completed)
	}
}

func TestWorkerPool_DrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	adapter := service.AdapterFunc(func(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
		return service.ExecutionResult{Status: service.ResultSuccess}, nil
	})
	orch := newTestOrchestrator(storage.NewMemoryStore(), adapter, newFakeClock())
	if _, err := orch.Scheduler.SubmitTask(context.Background(), service.NewTask{SessionID: "s1", UserID: "u1", Name: "never"}); err != nil {
		t.Fatalf("Failed to submit task: %v", err)
	}

	pool := service.NewWorkerPool(context.Background(), orch.Scheduler, logger{})
	pool.Start(2)
	defer pool.Stop()

	cancel()
	resultChan := make(chan error, 1)
	go func() {
		_, err := pool.Drain(ctx, "s1", "u1")
		resultChan <- err
	}()

	select {
	case err := <-resultChan:
		if err == nil {
			t.Error("Expected context error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return after cancellation")
	}
}

func TestWorkerPool_DrainBeforeStart(t *testing.T) {
	orch := newTestOrchestrator(storage.NewMemoryStore(), &recordingAdapter{}, newFakeClock())
	pool := service.NewWorkerPool(context.Background(), orch.Scheduler, logger{})

	resultChan := make(chan error, 1)
	go func() {
		_, err := pool.Drain(context.Background(), "s1", "u1")
		resultChan <- err
	}()

	select {
	case err := <-resultChan:
		if !errors.Is(err, service.ErrPoolNotStarted) {
			t.Errorf("Expected ErrPoolNotStarted, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain on an unstarted pool did not return")
	}
}

func TestWorkerPool_DrainAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	store := newHeldListStore(storage.NewMemoryStore())
	orch := newTestOrchestrator(store, &recordingAdapter{}, newFakeClock())

	pool := service.NewWorkerPool(ctx, orch.Scheduler, logger{})
	pool.Start(1)
	defer pool.Stop()

	first := make(chan error, 1)
	go func() {
		_, err := pool.Drain(ctx, "s1", "u1")
		first <- err
	}()
	<-store.listed

	_, err := pool.Drain(ctx, "s1", "u1")
	if err == nil || !strings.Contains(err.Error(), "drain of session s1 already running") {
		t.Errorf("Expected already running error, got: %v", err)
	}

	close(store.release)
	if err := <-first; err != nil {
		t.Fatalf("Expected first drain to finish, got: %v", err)
	}
}
