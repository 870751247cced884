package service

import (
	"context"
	"sort"
	"sync"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
)

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultPending ResultStatus = "pending"
)

// ExecutionRequest is what a provider receives for one task attempt.
type ExecutionRequest struct {
	SessionID      string            `json:"session_id"`
	TaskID         string            `json:"task_id"`
	UserID         string            `json:"user_id"`
	TaskName       string            `json:"task_name"`
	Actions        models.ActionList `json:"actions,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	Instructions   string            `json:"instructions,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Provider       string            `json:"provider"`
	Attempt        int               `json:"attempt"`
}

// ExecutionResult is the envelope every adapter returns.
type ExecutionResult struct {
	Status          ResultStatus           `json:"status"`
	Result          map[string]any         `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Screenshots     []string               `json:"screenshots,omitempty"`
	TokensUsed      int                    `json:"tokens_used,omitempty"`
	CostUSD         float64                `json:"cost_usd,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Steps           []models.ExecutionStep `json:"steps,omitempty"`
}

// ExecutionAdapter runs a task on one provider. A non-nil error is treated
// the same as a failed envelope.
type ExecutionAdapter interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// AdapterFunc lets ordinary functions act as adapters.
type AdapterFunc func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)

func (f AdapterFunc) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return f(ctx, req)
}

// AdapterRegistry maps provider names to adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]ExecutionAdapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]ExecutionAdapter)}
}

func (r *AdapterRegistry) Register(provider string, a ExecutionAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = a
}

func (r *AdapterRegistry) Get(provider string) (ExecutionAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers returns the registered provider names, sorted.
func (r *AdapterRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
