package models

import "time"

type ComplianceFlag string

const (
	PIIDetectedFlag      ComplianceFlag = "PII_DETECTED"
	TOSViolationRiskFlag ComplianceFlag = "TOS_VIOLATION_RISK"
	RateLimitWarningFlag ComplianceFlag = "RATE_LIMIT_WARNING"
	AntiBotDetectedFlag  ComplianceFlag = "ANTI_BOT_DETECTED"
)

// AuditRecord is one append-only entry of the action audit log.
type AuditRecord struct {
	ID              string           `json:"id" db:"id"`
	Seq             int64            `json:"seq" db:"seq"` // Store-assigned append order
	SessionID       string           `json:"session_id" db:"session_id"`
	TaskID          string           `json:"task_id" db:"task_id"`
	UserID          string           `json:"user_id" db:"user_id"`
	ActionType      string           `json:"action_type" db:"action_type"`
	URL             string           `json:"url,omitempty" db:"url"`
	Success         bool             `json:"success" db:"success"`
	ResponseData    map[string]any   `json:"response_data,omitempty" db:"-"` // Redacted when PII_DETECTED is set
	Error           string           `json:"error,omitempty" db:"error_msg"`
	ScreenshotRef   string           `json:"screenshot_ref,omitempty" db:"screenshot_ref"`
	DurationMs      int64            `json:"duration_ms" db:"duration_ms"`
	ComplianceFlags []ComplianceFlag `json:"compliance_flags" db:"-"`
	PIIFields       []string         `json:"pii_fields" db:"-"`
	TOSRiskScore    int              `json:"tos_risk_score" db:"tos_risk_score"`
	PrevHash        string           `json:"prev_hash,omitempty" db:"prev_hash"`
	RecordHash      string           `json:"record_hash" db:"record_hash"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// HasFlag reports whether f is among the record's compliance flags.
func (r AuditRecord) HasFlag(f ComplianceFlag) bool {
	for _, x := range r.ComplianceFlags {
		if x == f {
			return true
		}
	}
	return false
}
