package service

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/bytedance/sonic"
)

// PII categories reported by DetectPII.
const (
	PIIEmail      = "email"
	PIIPhone      = "phone"
	PIISSN        = "ssn"
	PIICreditCard = "credit_card"
	PIIAPIKey     = "api_key"
	PIIPassword   = "password"
)

type piiPattern struct {
	category    string
	re          *regexp.Regexp
	replacement string
}

// Placeholders never match any pattern, which keeps redaction idempotent.
var piiPatterns = []piiPattern{
	{PIIEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[REDACTED_EMAIL]"},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[REDACTED_CREDIT_CARD]"},
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{PIIPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), "[REDACTED_PHONE]"},
	{PIIAPIKey, regexp.MustCompile(`\b(?:sk|pk|api|key|token)[-_][A-Za-z0-9_-]{16,}`), "[REDACTED_API_KEY]"},
	{PIIPassword, regexp.MustCompile(`(?i)(password"?\s*[:=]\s*"?)[^\s"\[][^\s"]*`), "${1}[REDACTED_PASSWORD]"},
}

// TOSResult is the terms-of-service verdict for one domain and action.
type TOSResult struct {
	Domain    string `json:"domain"`
	Violation bool   `json:"violation"`
	RiskScore int    `json:"risk_score"`
	Reason    string `json:"reason"`
	// KnownRestrictions is set when the domain has restricted actions on file.
	KnownRestrictions bool `json:"known_restrictions"`
}

type AntiBotResult struct {
	Detected  bool   `json:"detected"`
	Signature string `json:"signature,omitempty"`
}

// ComplianceCheck is the combined result of the PII, TOS and anti-bot checks.
type ComplianceCheck struct {
	Domain           string                  `json:"domain"`
	ActionType       string                  `json:"action_type"`
	PIIDetected      bool                    `json:"pii_detected"`
	PIIFields        []string                `json:"pii_fields"`
	TOSViolationRisk bool                    `json:"tos_violation_risk"`
	TOSRiskScore     int                     `json:"tos_risk_score"`
	TOSReason        string                  `json:"tos_reason"`
	AntiBotDetected  bool                    `json:"anti_bot_detected"`
	AntiBotSignature string                  `json:"anti_bot_signature,omitempty"`
	RateLimitWarning bool                    `json:"rate_limit_warning"`
	Confidence       map[string]int          `json:"confidence"`
	Flags            []models.ComplianceFlag `json:"flags"`
	CheckedAt        time.Time               `json:"checked_at"`
}

// ComplianceFilter holds the immutable rule tables used to screen actions.
type ComplianceFilter struct {
	rules        map[string]TOSRule
	signatures   []string
	maxScanRunes int
}

func NewComplianceFilter(policy CompliancePolicy) *ComplianceFilter {
	rules := make(map[string]TOSRule, len(policy.TOSRules))
	for domain, r := range policy.TOSRules {
		rules[normalizeDomain(domain)] = TOSRule{
			AllowedActions:    append([]string(nil), r.AllowedActions...),
			RestrictedActions: append([]string(nil), r.RestrictedActions...),
		}
	}
	signatures := make([]string, 0, len(policy.AntiBotSignatures))
	for _, s := range policy.AntiBotSignatures {
		signatures = append(signatures, strings.ToLower(s))
	}
	maxRunes := policy.MaxScanRunes
	if maxRunes <= 0 {
		maxRunes = DefaultMaxScanRunes
	}
	return &ComplianceFilter{rules: rules, signatures: signatures, maxScanRunes: maxRunes}
}

// DetectPII returns the sorted PII categories found in the first runes of the
// serialized payload.
func (f *ComplianceFilter) DetectPII(payload any) []string {
	text := truncateRunes(serializePayload(payload), f.maxScanRunes)
	found := []string{}
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			found = append(found, p.category)
		}
	}
	sort.Strings(found)
	return found
}

// RedactPII replaces every PII match with its category placeholder.
func (f *ComplianceFilter) RedactPII(text string) string {
	return RedactPII(text)
}

func RedactPII(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text
}

// CheckTOSViolation looks the action up in the domain's rule. Unknown domains
// are not violations but carry a review risk.
func (f *ComplianceFilter) CheckTOSViolation(domain, actionType string) TOSResult {
	d := normalizeDomain(domain)
	res := TOSResult{Domain: d}
	if d == "" {
		res.Reason = "no target domain"
		return res
	}
	rule, ok := f.lookupRule(d)
	if !ok {
		res.RiskScore = 30
		res.Reason = "unknown domain, manual review recommended"
		return res
	}
	res.KnownRestrictions = len(rule.RestrictedActions) > 0
	action := strings.ToLower(actionType)
	switch {
	case contains(rule.RestrictedActions, action):
		res.Violation = true
		res.RiskScore = 100
		res.Reason = "action " + action + " is restricted on " + d
	case len(rule.AllowedActions) > 0 && !contains(rule.AllowedActions, action):
		res.Violation = true
		res.RiskScore = 80
		res.Reason = "action " + action + " is not in the allow-list for " + d
	default:
		res.Reason = "action permitted"
	}
	return res
}

// lookupRule matches the domain itself, then each parent domain.
func (f *ComplianceFilter) lookupRule(domain string) (TOSRule, bool) {
	for d := domain; d != ""; {
		if r, ok := f.rules[d]; ok {
			return r, true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
		if !strings.Contains(d, ".") {
			break
		}
	}
	return TOSRule{}, false
}

// DetectAntiBotSignatures scans the serialized response for the first known
// bot-wall signature.
func (f *ComplianceFilter) DetectAntiBotSignatures(responseData any) AntiBotResult {
	if responseData == nil {
		return AntiBotResult{}
	}
	text := strings.ToLower(serializePayload(responseData))
	for _, sig := range f.signatures {
		if strings.Contains(text, sig) {
			return AntiBotResult{Detected: true, Signature: sig}
		}
	}
	return AntiBotResult{}
}

// PerformComplianceCheck runs every check for one action. The result is
// advisory; callers decide what to do with the flags.
func (f *ComplianceFilter) PerformComplianceCheck(domain, actionType string, actionData, responseData any) ComplianceCheck {
	check := ComplianceCheck{
		Domain:     normalizeDomain(domain),
		ActionType: actionType,
		PIIFields:  []string{},
		Confidence: map[string]int{},
		Flags:      []models.ComplianceFlag{},
		CheckedAt:  time.Now().UTC(),
	}

	fields := map[string]struct{}{}
	for _, payload := range []any{actionData, responseData} {
		if payload == nil {
			continue
		}
		for _, c := range f.DetectPII(payload) {
			fields[c] = struct{}{}
		}
	}
	for c := range fields {
		check.PIIFields = append(check.PIIFields, c)
	}
	sort.Strings(check.PIIFields)
	if len(check.PIIFields) > 0 {
		check.PIIDetected = true
		check.Confidence["pii"] = 95
		check.Flags = append(check.Flags, models.PIIDetectedFlag)
	}

	tos := f.CheckTOSViolation(domain, actionType)
	check.TOSRiskScore = tos.RiskScore
	check.TOSReason = tos.Reason
	check.Confidence["tos"] = tos.RiskScore
	if tos.Violation {
		check.TOSViolationRisk = true
		check.Flags = append(check.Flags, models.TOSViolationRiskFlag)
	}

	action := models.ActionType(strings.ToLower(actionType))
	if tos.KnownRestrictions && (action == models.ExtractActionType || action == models.ScrapeActionType) {
		check.RateLimitWarning = true
		check.Confidence["rate_limit"] = 60
		check.Flags = append(check.Flags, models.RateLimitWarningFlag)
	}

	bot := f.DetectAntiBotSignatures(responseData)
	if bot.Detected {
		check.AntiBotDetected = true
		check.AntiBotSignature = bot.Signature
		check.Confidence["anti_bot"] = 90
		check.Flags = append(check.Flags, models.AntiBotDetectedFlag)
	}
	return check
}

// RedactMap redacts a JSON object by round-tripping it through its text form.
func (f *ComplianceFilter) RedactMap(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := sonic.ConfigStd.MarshalToString(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := sonic.ConfigStd.UnmarshalFromString(RedactPII(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DomainOf returns the host of a URL without port, or "" if there is none.
func DomainOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return normalizeDomain(u.Hostname())
}

func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// serializePayload renders strings as-is and everything else as JSON with
// sorted keys so detection is deterministic.
func serializePayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	s, err := sonic.ConfigStd.MarshalToString(payload)
	if err != nil {
		return ""
	}
	return s
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
