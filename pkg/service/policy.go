package service

import (
	"time"
)

const (
	VisionAgentProvider     = "vision_agent"
	HeadlessBrowserProvider = "headless_browser"
	FallbackBrowserProvider = "fallback_browser"

	// DefaultHistoryWindow is how many execution records health is computed over.
	DefaultHistoryWindow = 100
)

// ProviderConfig describes one automation backend.
type ProviderConfig struct {
	Name          string
	VisionCapable bool
	// LastResort marks the provider used when every circuit is open.
	LastResort bool
}

func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: VisionAgentProvider, VisionCapable: true},
		{Name: HeadlessBrowserProvider},
		{Name: FallbackBrowserProvider, LastResort: true},
	}
}

var DefaultBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// TOSRule lists what automation a site's terms permit. An empty
// AllowedActions means there is no allow-list.
type TOSRule struct {
	AllowedActions    []string
	RestrictedActions []string
}

// CompliancePolicy holds the per-domain TOS table and anti-bot signatures.
type CompliancePolicy struct {
	TOSRules          map[string]TOSRule
	AntiBotSignatures []string
	// MaxScanRunes bounds how much of a serialized payload PII detection reads.
	MaxScanRunes int
}

const DefaultMaxScanRunes = 1000

func DefaultCompliancePolicy() CompliancePolicy {
	return CompliancePolicy{
		TOSRules:          DefaultTOSRules(),
		AntiBotSignatures: DefaultAntiBotSignatures(),
		MaxScanRunes:      DefaultMaxScanRunes,
	}
}

func DefaultTOSRules() map[string]TOSRule {
	return map[string]TOSRule{
		"tradingview.com": {
			AllowedActions:    []string{"navigate", "click", "type", "extract", "screenshot", "wait"},
			RestrictedActions: []string{"place_order", "submit", "scrape"},
		},
		"linkedin.com": {
			AllowedActions:    []string{"navigate", "click", "screenshot", "wait"},
			RestrictedActions: []string{"scrape", "extract"},
		},
		"facebook.com": {
			RestrictedActions: []string{"scrape", "submit"},
		},
		"instagram.com": {
			RestrictedActions: []string{"scrape"},
		},
		"amazon.com": {
			RestrictedActions: []string{"scrape", "place_order"},
		},
		"google.com": {
			AllowedActions: []string{"navigate", "click", "type", "extract", "screenshot", "wait"},
		},
	}
}

// DefaultAntiBotSignatures is scanned in order; the first hit is reported.
func DefaultAntiBotSignatures() []string {
	return []string{
		"cloudflare",
		"captcha",
		"recaptcha",
		"hcaptcha",
		"403",
		"429",
		"access denied",
		"blocked",
		"verify you are human",
		"verify",
		"too many requests",
	}
}
