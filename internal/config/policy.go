package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"gopkg.in/yaml.v3"
)

type providerFile struct {
	Name          string `yaml:"name"`
	VisionCapable bool   `yaml:"vision_capable"`
	LastResort    bool   `yaml:"last_resort"`
}

type tosRuleFile struct {
	AllowedActions    []string `yaml:"allowed_actions"`
	RestrictedActions []string `yaml:"restricted_actions"`
}

// PolicyFile is the YAML form of the orchestrator's lookup tables. Sections
// left out keep their built-in defaults; tos_rules entries override the
// default rule of the same domain.
type PolicyFile struct {
	HistoryWindow     int                    `yaml:"history_window"`
	Backoff           []string               `yaml:"backoff"`
	MaxScanRunes      int                    `yaml:"max_scan_runes"`
	Providers         []providerFile         `yaml:"providers"`
	TOSRules          map[string]tosRuleFile `yaml:"tos_rules"`
	AntiBotSignatures []string               `yaml:"anti_bot_signatures"`
}

// LoadPolicy reads a policy file. An empty path returns the defaults.
func LoadPolicy(path string) (service.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return service.DefaultConfig(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return service.Config{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (service.Config, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return service.Config{}, fmt.Errorf("parse policy file: %w", err)
	}
	return pf.apply(service.DefaultConfig())
}

func (pf PolicyFile) apply(cfg service.Config) (service.Config, error) {
	if pf.HistoryWindow < 0 {
		return service.Config{}, fmt.Errorf("history_window cannot be negative")
	}
	if pf.HistoryWindow > 0 {
		cfg.HistoryWindow = pf.HistoryWindow
	}

	if len(pf.Backoff) > 0 {
		table := make([]time.Duration, 0, len(pf.Backoff))
		for _, raw := range pf.Backoff {
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return service.Config{}, fmt.Errorf("backoff %q: %w", raw, err)
			}
			if d < 0 {
				return service.Config{}, fmt.Errorf("backoff %q cannot be negative", raw)
			}
			table = append(table, d)
		}
		cfg.Backoff = service.NewRetryPolicy(table)
	}

	if len(pf.Providers) > 0 {
		seen := map[string]bool{}
		providers := make([]service.ProviderConfig, 0, len(pf.Providers))
		for _, p := range pf.Providers {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				return service.Config{}, fmt.Errorf("provider name cannot be empty")
			}
			if seen[name] {
				return service.Config{}, fmt.Errorf("duplicate provider %q", name)
			}
			seen[name] = true
			providers = append(providers, service.ProviderConfig{Name: name, VisionCapable: p.VisionCapable, LastResort: p.LastResort})
		}
		cfg.Providers = providers
	}

	if pf.MaxScanRunes > 0 {
		cfg.Compliance.MaxScanRunes = pf.MaxScanRunes
	}
	for domain, r := range pf.TOSRules {
		d := strings.ToLower(strings.TrimSpace(domain))
		if d == "" {
			return service.Config{}, fmt.Errorf("tos_rules domain cannot be empty")
		}
		cfg.Compliance.TOSRules[d] = service.TOSRule{AllowedActions: r.AllowedActions, RestrictedActions: r.RestrictedActions}
	}
	if len(pf.AntiBotSignatures) > 0 {
		cfg.Compliance.AntiBotSignatures = append([]string(nil), pf.AntiBotSignatures...)
	}
	return cfg, nil
}
