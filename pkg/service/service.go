package service

import (
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the orchestrator services
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = storage.ErrNotFound
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")
	ErrClaimConflict         = storage.ErrClaimConflict
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrNoProviderAvailable   = errors.New("no provider available")
	ErrDependencyCycle       = errors.New("dependency cycle")
)

// Orchestrator bundles the services behind the action dispatcher.
type Orchestrator struct {
	Scheduler  *Scheduler
	Monitor    *HealthMonitor
	Selector   *ProviderSelector
	Compliance *ComplianceFilter
	Audit      *AuditLog
	Adapters   *AdapterRegistry
}

// Config holds the immutable policy tables the services are built from.
type Config struct {
	Providers     []ProviderConfig
	HistoryWindow int
	Backoff       RetryPolicy
	Compliance    CompliancePolicy
}

// DefaultConfig returns the built-in provider list, retry table and compliance rules.
func DefaultConfig() Config {
	return Config{
		Providers:     DefaultProviders(),
		HistoryWindow: DefaultHistoryWindow,
		Backoff:       NewRetryPolicy(DefaultBackoff),
		Compliance:    DefaultCompliancePolicy(),
	}
}

// NewOrchestrator wires every service over one store. A nil history makes
// the store itself the execution history.
func NewOrchestrator(cfg Config, store storage.Store, history storage.ExecutionHistory,
	adapters *AdapterRegistry, logger Logger, opts ...SchedulerOption) *Orchestrator {
	if history == nil {
		history = store
	}
	if adapters == nil {
		adapters = NewAdapterRegistry()
	}
	metrics := observability.Default
	monitor := NewHealthMonitor(history, cfg.Providers, cfg.HistoryWindow, logger, metrics)
	selector := NewProviderSelector(monitor, logger, metrics)
	compliance := NewComplianceFilter(cfg.Compliance)
	audit := NewAuditLog(store, compliance, logger, metrics)
	scheduler := NewScheduler(store, selector, adapters, audit, cfg.Backoff, logger, opts...)
	return &Orchestrator{
		Scheduler:  scheduler,
		Monitor:    monitor,
		Selector:   selector,
		Compliance: compliance,
		Audit:      audit,
		Adapters:   adapters,
	}
}
