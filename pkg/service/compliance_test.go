package service_test

import (
	"testing"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplianceFilter_DetectPII(t *testing.T) {
	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())

	tests := []struct {
		name     string
		payload  any
		expected []string
	}{
		{"email and phone", "Contact john@example.com or 555-123-4567", []string{service.PIIEmail, service.PIIPhone}},
		{"ssn", "ssn: 123-45-6789", []string{service.PIISSN}},
		{"credit card", "card 4111 1111 1111 1111", []string{service.PIICreditCard}},
		{"api key", "token sk_live_abcdefghijklmnop1234", []string{service.PIIAPIKey}},
		{"password in map", map[string]any{"password": "hunter2"}, []string{service.PIIPassword}},
		{"nothing", map[string]any{"symbol": "AAPL"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.DetectPII(tt.payload))
		})
	}
}

func TestComplianceFilter_DetectPIIScansPrefixOnly(t *testing.T) {
	policy := service.DefaultCompliancePolicy()
	policy.MaxScanRunes = 20
	f := service.NewComplianceFilter(policy)

	assert.Empty(t, f.DetectPII("padding padding padding padding john@example.com"))
	assert.Equal(t, []string{service.PIIEmail}, f.DetectPII("john@example.com"))
}

func TestComplianceFilter_RedactPII(t *testing.T) {
	in := "Contact john@example.com or 555-123-4567, ssn 123-45-6789, password=hunter2"
	once := service.RedactPII(in)
	assert.Equal(t, "Contact [REDACTED_EMAIL] or [REDACTED_PHONE], ssn [REDACTED_SSN], password=[REDACTED_PASSWORD]", once)
	assert.Equal(t, once, service.RedactPII(once))

	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())
	assert.Empty(t, f.DetectPII(once))
}

func TestComplianceFilter_CheckTOSViolation(t *testing.T) {
	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())

	tests := []struct {
		name      string
		domain    string
		action    string
		violation bool
		risk      int
	}{
		{"restricted action", "tradingview.com", "place_order", true, 100},
		{"allowed action", "www.tradingview.com", "navigate", false, 0},
		{"subdomain inherits rule", "in.tradingview.com", "scrape", true, 100},
		{"not in allow-list", "google.com", "submit", true, 80},
		{"unknown domain", "foo.example", "click", false, 30},
		{"no domain", "", "click", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.CheckTOSViolation(tt.domain, tt.action)
			assert.Equal(t, tt.violation, res.Violation)
			assert.Equal(t, tt.risk, res.RiskScore)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestComplianceFilter_DetectAntiBotSignatures(t *testing.T) {
	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())

	res := f.DetectAntiBotSignatures(map[string]any{"title": "Just a moment... Cloudflare"})
	assert.True(t, res.Detected)
	assert.Equal(t, "cloudflare", res.Signature)

	res = f.DetectAntiBotSignatures("Please complete the CAPTCHA")
	assert.True(t, res.Detected)
	assert.Equal(t, "captcha", res.Signature)

	assert.False(t, f.DetectAntiBotSignatures(map[string]any{"price": 12}).Detected)
	assert.False(t, f.DetectAntiBotSignatures(nil).Detected)
}

func TestComplianceFilter_PerformComplianceCheck(t *testing.T) {
	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())

	t.Run("AllFlags", func(t *testing.T) {
		check := f.PerformComplianceCheck("linkedin.com", "extract",
			map[string]any{"query": "jane@corp.io"},
			map[string]any{"body": "Access denied"})
		assert.True(t, check.PIIDetected)
		assert.Equal(t, []string{service.PIIEmail}, check.PIIFields)
		assert.True(t, check.TOSViolationRisk)
		assert.Equal(t, 100, check.TOSRiskScore)
		assert.True(t, check.RateLimitWarning)
		assert.True(t, check.AntiBotDetected)
		assert.Equal(t, "access denied", check.AntiBotSignature)
		assert.Equal(t, map[string]int{"pii": 95, "tos": 100, "rate_limit": 60, "anti_bot": 90}, check.Confidence)
		assert.Equal(t, []models.ComplianceFlag{
			models.PIIDetectedFlag, models.TOSViolationRiskFlag, models.RateLimitWarningFlag, models.AntiBotDetectedFlag,
		}, check.Flags)
	})

	t.Run("Clean", func(t *testing.T) {
		check := f.PerformComplianceCheck("tradingview.com", "navigate", nil, map[string]any{"title": "Chart"})
		assert.False(t, check.PIIDetected)
		assert.False(t, check.TOSViolationRisk)
		assert.False(t, check.RateLimitWarning)
		assert.False(t, check.AntiBotDetected)
		assert.Empty(t, check.Flags)
	})

	t.Run("UnknownDomainIsNotFlagged", func(t *testing.T) {
		check := f.PerformComplianceCheck("foo.example", "extract", nil, nil)
		assert.False(t, check.TOSViolationRisk)
		assert.Equal(t, 30, check.TOSRiskScore)
		assert.False(t, check.RateLimitWarning)
	})
}

func TestComplianceFilter_RedactMap(t *testing.T) {
	f := service.NewComplianceFilter(service.DefaultCompliancePolicy())
	out, err := f.RedactMap(map[string]any{
		"email":  "john@example.com",
		"nested": map[string]any{"phone": "555-123-4567"},
		"count":  float64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED_EMAIL]", out["email"])
	assert.Equal(t, map[string]any{"phone": "[REDACTED_PHONE]"}, out["nested"])
	assert.Equal(t, float64(3), out["count"])
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "tradingview.com", service.DomainOf("https://www.tradingview.com/chart?x=1"))
	assert.Equal(t, "example.org", service.DomainOf("example.org/path"))
	assert.Equal(t, "localhost", service.DomainOf("http://localhost:8080"))
	assert.Equal(t, "", service.DomainOf(""))
}
