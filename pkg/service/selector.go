package service

import (
	"context"
	"math"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

const (
	overrideMinScore       = -50
	complexityOverrideOver = 7

	ReasonVisionRequired  = "vision required"
	ReasonHighRisk        = "high-risk task"
	ReasonHighComplexity  = "high complexity"
	ReasonBestScore       = "highest health score"
	ReasonCircuitFallback = "selected provider circuit open, using next best"
	ReasonBestAvailable   = "no provider scored above zero, using best available"
	ReasonAllUnhealthy    = "all providers unhealthy"
)

// Selection is the provider chosen for one task.
type Selection struct {
	SelectedProvider string                           `json:"selected_provider"`
	Reason           string                           `json:"reason"`
	HealthSnapshot   map[string]models.ProviderHealth `json:"health_snapshot"`
	Scores           map[string]float64               `json:"scores"`
}

type ProviderSelector struct {
	monitor *HealthMonitor
	logger  Logger
	metrics *observability.Registry
}

func NewProviderSelector(monitor *HealthMonitor, logger Logger, metrics *observability.Registry) *ProviderSelector {
	if metrics == nil {
		metrics = observability.Default
	}
	return &ProviderSelector{monitor: monitor, logger: logger, metrics: metrics}
}

// Score rates a provider's health; higher is better and open circuits go
// well below zero.
func Score(h models.ProviderHealth) float64 {
	score := 100.0
	switch h.CircuitState {
	case models.CircuitOpen:
		score -= 100
	case models.CircuitDegraded:
		score -= 30
	}
	score -= 100 - h.SuccessRate
	score -= math.Min(h.AvgLatencyMs/10, 50)
	return score
}

type scoredProvider struct {
	cfg    ProviderConfig
	health models.ProviderHealth
	score  float64
}

// SelectProvider picks a provider for a task with the given requirements.
func (s *ProviderSelector) SelectProvider(ctx context.Context, complexity int, requiresVision, isHighRisk bool) (sel Selection, err error) {
	ctx, span := observability.StartSpan(ctx, "selector.select_provider",
		attribute.Int("complexity", complexity),
		attribute.Bool("requires_vision", requiresVision),
		attribute.Bool("is_high_risk", isHighRisk))
	defer func() { observability.EndSpan(span, err) }()

	providers := s.monitor.Providers()
	if len(providers) == 0 {
		return Selection{}, ErrNoProviderAvailable
	}

	sel = Selection{
		HealthSnapshot: make(map[string]models.ProviderHealth, len(providers)),
		Scores:         make(map[string]float64, len(providers)),
	}
	scored := make([]scoredProvider, 0, len(providers))
	for _, p := range providers {
		h, err := s.monitor.GetProviderHealth(ctx, p.Name)
		if err != nil {
			return Selection{}, err
		}
		sc := Score(h)
		sel.HealthSnapshot[p.Name] = h
		sel.Scores[p.Name] = sc
		scored = append(scored, scoredProvider{cfg: p, health: h, score: sc})
	}

	var chosen *scoredProvider
	if vision := firstVisionCapable(scored); vision != nil && vision.score > overrideMinScore {
		switch {
		case requiresVision:
			chosen, sel.Reason = vision, ReasonVisionRequired
		case isHighRisk:
			chosen, sel.Reason = vision, ReasonHighRisk
		case complexity > complexityOverrideOver:
			chosen, sel.Reason = vision, ReasonHighComplexity
		}
	}
	if chosen == nil {
		if best := bestScored(scored, "", func(sp scoredProvider) bool { return sp.score > 0 }); best != nil {
			chosen, sel.Reason = best, ReasonBestScore
		}
	}

	if chosen == nil || chosen.health.CircuitState == models.CircuitOpen {
		exclude := ""
		if chosen != nil {
			exclude = chosen.cfg.Name
		}
		next := bestScored(scored, exclude, func(sp scoredProvider) bool {
			return sp.health.CircuitState != models.CircuitOpen
		})
		switch {
		case next != nil && chosen == nil:
			chosen, sel.Reason = next, ReasonBestAvailable
		case next != nil:
			chosen, sel.Reason = next, ReasonCircuitFallback
		default:
			chosen, sel.Reason = lastResort(scored), ReasonAllUnhealthy
		}
	}

	sel.SelectedProvider = chosen.cfg.Name
	s.metrics.IncCounter(observability.ProviderSelectionsTotal,
		map[string]string{"provider": sel.SelectedProvider, "reason": sel.Reason}, 1)
	if sel.Reason == ReasonAllUnhealthy {
		s.logger.Warnf("All providers unhealthy, falling back to %s", sel.SelectedProvider)
	} else {
		s.logger.Infof("Selected provider %s (%s, score %.1f)", sel.SelectedProvider, sel.Reason, chosen.score)
	}
	return sel, nil
}

func firstVisionCapable(scored []scoredProvider) *scoredProvider {
	for i := range scored {
		if scored[i].cfg.VisionCapable {
			return &scored[i]
		}
	}
	return nil
}

// bestScored returns the highest scoring provider accepted by keep. Ties go
// to the earlier provider in configuration order.
func bestScored(scored []scoredProvider, exclude string, keep func(scoredProvider) bool) *scoredProvider {
	var best *scoredProvider
	for i := range scored {
		sp := &scored[i]
		if sp.cfg.Name == exclude || !keep(*sp) {
			continue
		}
		if best == nil || sp.score > best.score {
			best = sp
		}
	}
	return best
}

// lastResort returns the designated last-resort provider, or the last
// configured one when none is marked.
func lastResort(scored []scoredProvider) *scoredProvider {
	for i := range scored {
		if scored[i].cfg.LastResort {
			return &scored[i]
		}
	}
	return &scored[len(scored)-1]
}
