package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const (
	slowLatencyMs             = 5000
	consecutiveFailureAlertAt = 3
)

type AlertSeverity string

const (
	CriticalAlert AlertSeverity = "critical"
	WarningAlert  AlertSeverity = "warning"
	SlowAlert     AlertSeverity = "slow"
	ErrorAlert    AlertSeverity = "error"
)

type HealthAlert struct {
	Provider string        `json:"provider"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallCritical OverallStatus = "critical"
)

// HealthReport aggregates every provider into alerts.
type HealthReport struct {
	Status    OverallStatus           `json:"status"`
	Alerts    []HealthAlert           `json:"alerts"`
	Providers []models.ProviderHealth `json:"providers"`
	CheckedAt time.Time               `json:"checked_at"`
}

// HealthMonitor derives provider health from the execution history. It keeps
// no health state of its own.
type HealthMonitor struct {
	history   storage.ExecutionHistory
	providers []ProviderConfig
	window    int
	logger    Logger
	metrics   *observability.Registry
}

func NewHealthMonitor(history storage.ExecutionHistory, providers []ProviderConfig, window int,
	logger Logger, metrics *observability.Registry) *HealthMonitor {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if metrics == nil {
		metrics = observability.Default
	}
	return &HealthMonitor{
		history:   history,
		providers: append([]ProviderConfig(nil), providers...),
		window:    window,
		logger:    logger,
		metrics:   metrics,
	}
}

// Providers returns the configured providers in preference order.
func (m *HealthMonitor) Providers() []ProviderConfig {
	return append([]ProviderConfig(nil), m.providers...)
}

func (m *HealthMonitor) provider(name string) (ProviderConfig, bool) {
	for _, p := range m.providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// RecordExecution appends one attempt to the provider's history.
func (m *HealthMonitor) RecordExecution(ctx context.Context, rec models.ExecutionRecord) error {
	if err := m.history.AppendExecution(ctx, rec); err != nil {
		return errors.Wrapf(err, "record execution for %s", rec.Provider)
	}
	return nil
}

// GetProviderHealth computes health over the provider's most recent records.
func (m *HealthMonitor) GetProviderHealth(ctx context.Context, provider string) (models.ProviderHealth, error) {
	recs, err := m.history.RecentExecutions(ctx, provider, m.window)
	if err != nil {
		return models.ProviderHealth{}, errors.Wrapf(err, "load history for %s", provider)
	}
	h := ComputeHealth(provider, recs)
	m.metrics.SetGauge(observability.ProviderSuccessRate, map[string]string{"provider": provider}, h.SuccessRate)
	return h, nil
}

// GetAllHealth returns health for every configured provider in preference order.
func (m *HealthMonitor) GetAllHealth(ctx context.Context) ([]models.ProviderHealth, error) {
	out := make([]models.ProviderHealth, 0, len(m.providers))
	for _, p := range m.providers {
		h, err := m.GetProviderHealth(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// ComputeHealth derives health from records ordered newest first.
func ComputeHealth(provider string, recs []models.ExecutionRecord) models.ProviderHealth {
	h := models.ProviderHealth{Provider: provider, SampleSize: len(recs)}
	if len(recs) == 0 {
		h.CircuitState = models.CircuitOpen
		return h
	}
	var completed int
	var totalMs int64
	countingStreak := true
	for _, r := range recs {
		totalMs += r.DurationMs
		if r.Status == models.ExecutionCompleted {
			completed++
			countingStreak = false
			continue
		}
		h.ErrorCount++
		if countingStreak {
			h.ConsecutiveFailures++
		}
	}
	h.SuccessRate = float64(completed) / float64(len(recs)) * 100
	h.AvgLatencyMs = float64(totalMs) / float64(len(recs))
	h.CircuitState = CircuitStateFor(h.SuccessRate)
	last := recs[0].CreatedAt
	h.LastExecutionAt = &last
	return h
}

// CircuitStateFor maps a success rate onto the breaker thresholds.
func CircuitStateFor(successRate float64) models.CircuitState {
	switch {
	case successRate < 50:
		return models.CircuitOpen
	case successRate < 80:
		return models.CircuitDegraded
	default:
		return models.CircuitHealthy
	}
}

// ReportProviderFailure emits a failure signal. Health is always derived
// from history, so nothing is stored.
func (m *HealthMonitor) ReportProviderFailure(ctx context.Context, provider, message, taskID string) (models.ProviderHealth, error) {
	if provider == "" {
		return models.ProviderHealth{}, errors.Wrap(ErrValidation, "provider is required")
	}
	ctx, span := observability.StartSpan(ctx, "health.report_failure",
		attribute.String("provider", provider), attribute.String("task_id", taskID))
	defer span.End()

	m.metrics.IncCounter(observability.ProviderFailuresTotal, map[string]string{"provider": provider}, 1)
	if taskID != "" {
		m.logger.Warnf("Provider %s reported failure on task %s: %s", provider, taskID, message)
	} else {
		m.logger.Warnf("Provider %s reported failure: %s", provider, message)
	}
	return m.GetProviderHealth(ctx, provider)
}

// ResetCircuitBreaker logs an operator reset and returns the recomputed health.
func (m *HealthMonitor) ResetCircuitBreaker(ctx context.Context, provider string) (models.ProviderHealth, error) {
	if _, ok := m.provider(provider); !ok {
		return models.ProviderHealth{}, errors.Wrapf(ErrUnknownProvider, "provider %q", provider)
	}
	m.metrics.IncCounter(observability.CircuitResetsTotal, map[string]string{"provider": provider}, 1)
	m.logger.Infof("Circuit breaker reset requested for provider %s", provider)
	return m.GetProviderHealth(ctx, provider)
}

// MonitorProviderHealth turns every provider's health into alerts.
func (m *HealthMonitor) MonitorProviderHealth(ctx context.Context) (HealthReport, error) {
	all, err := m.GetAllHealth(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	report := HealthReport{Alerts: []HealthAlert{}, Providers: all, CheckedAt: time.Now().UTC()}
	for _, h := range all {
		switch h.CircuitState {
		case models.CircuitOpen:
			report.Alerts = append(report.Alerts, HealthAlert{
				Provider: h.Provider, Severity: CriticalAlert,
				Message: fmt.Sprintf("circuit open (success rate %.1f%%)", h.SuccessRate),
			})
		case models.CircuitDegraded:
			report.Alerts = append(report.Alerts, HealthAlert{
				Provider: h.Provider, Severity: WarningAlert,
				Message: fmt.Sprintf("degraded (success rate %.1f%%)", h.SuccessRate),
			})
		}
		if h.AvgLatencyMs > slowLatencyMs {
			report.Alerts = append(report.Alerts, HealthAlert{
				Provider: h.Provider, Severity: SlowAlert,
				Message: fmt.Sprintf("average latency %.0fms", h.AvgLatencyMs),
			})
		}
		if h.ConsecutiveFailures > consecutiveFailureAlertAt {
			report.Alerts = append(report.Alerts, HealthAlert{
				Provider: h.Provider, Severity: ErrorAlert,
				Message: fmt.Sprintf("%d consecutive failures", h.ConsecutiveFailures),
			})
		}
	}
	report.Status = OverallHealthy
	for _, a := range report.Alerts {
		if a.Severity == CriticalAlert {
			report.Status = OverallCritical
			break
		}
		report.Status = OverallDegraded
	}
	if report.Status != OverallHealthy {
		m.logger.Warnf("Provider health %s: %d alert(s)", report.Status, len(report.Alerts))
	}
	return report, nil
}
