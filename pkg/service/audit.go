package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// ActionLog is one executed sub-action to be screened and recorded.
type ActionLog struct {
	SessionID     string         `json:"session_id"`
	TaskID        string         `json:"task_id"`
	UserID        string         `json:"user_id"`
	ActionType    string         `json:"action_type"`
	URL           string         `json:"url,omitempty"`
	Success       bool           `json:"success"`
	ActionData    any            `json:"action_data,omitempty"`
	ResponseData  map[string]any `json:"response_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
}

// ComplianceReport summarizes a session's audit trail.
type ComplianceReport struct {
	SessionID         string    `json:"session_id"`
	TotalRecords      int       `json:"total_records"`
	SuccessfulActions int       `json:"successful_actions"`
	SuccessRate       float64   `json:"success_rate"`
	PIIDetections     int       `json:"pii_detections"`
	TOSViolations     int       `json:"tos_violations"`
	AntiBotDetections int       `json:"anti_bot_detections"`
	RateLimitWarnings int       `json:"rate_limit_warnings"`
	PIICategories     []string  `json:"pii_categories"`
	ComplianceScore   float64   `json:"compliance_score"`
	Recommendations   []string  `json:"recommendations"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// ChainVerification is the result of recomputing a session's hash chain.
type ChainVerification struct {
	SessionID string `json:"session_id"`
	Records   int    `json:"records"`
	Valid     bool   `json:"valid"`
	BrokenAt  string `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AuditLog screens actions through the ComplianceFilter and appends them to
// the store's append-only audit trail.
type AuditLog struct {
	store      storage.Store
	compliance *ComplianceFilter
	logger     Logger
	metrics    *observability.Registry
}

func NewAuditLog(store storage.Store, compliance *ComplianceFilter, logger Logger, metrics *observability.Registry) *AuditLog {
	if metrics == nil {
		metrics = observability.Default
	}
	return &AuditLog{store: store, compliance: compliance, logger: logger, metrics: metrics}
}

// LogAction checks, redacts and persists one action. Flags never block the write.
func (a *AuditLog) LogAction(ctx context.Context, entry ActionLog) (rec models.AuditRecord, check ComplianceCheck, err error) {
	if entry.SessionID == "" || entry.TaskID == "" || entry.UserID == "" {
		return models.AuditRecord{}, ComplianceCheck{}, errors.Wrap(ErrValidation, "session_id, task_id and user_id are required")
	}
	if entry.ActionType == "" {
		return models.AuditRecord{}, ComplianceCheck{}, errors.Wrap(ErrValidation, "action_type is required")
	}
	ctx, span := observability.StartSpan(ctx, "audit.log_action",
		attribute.String("session_id", entry.SessionID),
		attribute.String("task_id", entry.TaskID),
		attribute.String("action_type", entry.ActionType))
	defer func() { observability.EndSpan(span, err) }()

	var responseData any
	if entry.ResponseData != nil {
		responseData = entry.ResponseData
	}
	check = a.compliance.PerformComplianceCheck(DomainOf(entry.URL), entry.ActionType, entry.ActionData, responseData)

	rec = models.AuditRecord{
		ID:              uuid.NewString(),
		SessionID:       entry.SessionID,
		TaskID:          entry.TaskID,
		UserID:          entry.UserID,
		ActionType:      entry.ActionType,
		URL:             entry.URL,
		Success:         entry.Success,
		ResponseData:    entry.ResponseData,
		Error:           entry.Error,
		ScreenshotRef:   entry.ScreenshotRef,
		DurationMs:      entry.DurationMs,
		ComplianceFlags: check.Flags,
		PIIFields:       check.PIIFields,
		TOSRiskScore:    check.TOSRiskScore,
	}
	if check.PIIDetected {
		rec.Error = RedactPII(rec.Error)
		rec.URL = RedactPII(rec.URL)
		if rec.ResponseData != nil {
			redacted, rerr := a.compliance.RedactMap(rec.ResponseData)
			if rerr != nil {
				raw := serializePayload(rec.ResponseData)
				redacted = map[string]any{"redacted_text": RedactPII(raw)}
			}
			rec.ResponseData = redacted
		}
	}

	rec, err = a.append(ctx, rec)
	if err != nil {
		return models.AuditRecord{}, check, err
	}
	a.metrics.IncCounter(observability.AuditRecordsTotal, map[string]string{"action_type": entry.ActionType}, 1)
	if len(check.Flags) > 0 {
		for _, f := range check.Flags {
			a.metrics.IncCounter(observability.ComplianceFlagsTotal, map[string]string{"flag": string(f)}, 1)
		}
		a.logger.Warnf("Compliance flags %v on %s action of task %s (session %s)",
			check.Flags, entry.ActionType, entry.TaskID, entry.SessionID)
	}
	return rec, check, nil
}

// append writes the record inside a transaction so the chain head read and
// the insert are serialized per session.
func (a *AuditLog) append(ctx context.Context, rec models.AuditRecord) (out models.AuditRecord, err error) {
	txStore, err := a.store.Begin(ctx)
	if err != nil {
		a.logger.Errorf("Failed to begin transaction for audit append: %v", err)
		return models.AuditRecord{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				a.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			a.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	out, err = txStore.AppendAuditRecord(ctx, rec)
	if err != nil {
		a.logger.Errorf("Failed to append audit record for task %s: %v", rec.TaskID, err)
		return models.AuditRecord{}, errors.Wrapf(err, "append audit record for task %s", rec.TaskID)
	}
	return out, nil
}

// GetComplianceReport scores a session's audit trail. A userID, when given,
// restricts the report to that user's records.
func (a *AuditLog) GetComplianceReport(ctx context.Context, sessionID, userID string) (ComplianceReport, error) {
	if sessionID == "" {
		return ComplianceReport{}, errors.Wrap(ErrValidation, "session_id is required")
	}
	recs, err := a.store.ListAuditRecords(ctx, sessionID)
	if err != nil {
		return ComplianceReport{}, errors.Wrapf(err, "list audit records for session %s", sessionID)
	}
	if userID != "" {
		filtered := recs[:0]
		for _, r := range recs {
			if r.UserID == userID {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	return BuildComplianceReport(sessionID, recs), nil
}

// BuildComplianceReport computes the report over recs.
func BuildComplianceReport(sessionID string, recs []models.AuditRecord) ComplianceReport {
	report := ComplianceReport{
		SessionID:       sessionID,
		TotalRecords:    len(recs),
		PIICategories:   []string{},
		ComplianceScore: 100,
		Recommendations: []string{},
		GeneratedAt:     time.Now().UTC(),
	}
	categories := map[string]struct{}{}
	for _, r := range recs {
		if r.Success {
			report.SuccessfulActions++
		}
		if r.HasFlag(models.PIIDetectedFlag) {
			report.PIIDetections++
		}
		if r.HasFlag(models.TOSViolationRiskFlag) {
			report.TOSViolations++
		}
		if r.HasFlag(models.AntiBotDetectedFlag) {
			report.AntiBotDetections++
		}
		if r.HasFlag(models.RateLimitWarningFlag) {
			report.RateLimitWarnings++
		}
		for _, c := range r.PIIFields {
			categories[c] = struct{}{}
		}
	}
	for c := range categories {
		report.PIICategories = append(report.PIICategories, c)
	}
	sort.Strings(report.PIICategories)

	if report.TotalRecords > 0 {
		total := float64(report.TotalRecords)
		report.SuccessRate = float64(report.SuccessfulActions) / total * 100
		penalty := float64(report.PIIDetections*20+report.TOSViolations*30+report.AntiBotDetections*25) / total
		report.ComplianceScore = math.Max(0, 100-penalty)
	}

	if report.PIIDetections > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Review data handling: PII (%s) appeared in %d action(s)",
				strings.Join(report.PIICategories, ", "), report.PIIDetections))
	}
	if report.TOSViolations > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d action(s) risk violating site terms of service; adjust the automation plan", report.TOSViolations))
	}
	if report.AntiBotDetections > 0 {
		report.Recommendations = append(report.Recommendations,
			"Anti-bot protection was encountered; slow down or switch to the vision provider")
	}
	if report.RateLimitWarnings > 0 {
		report.Recommendations = append(report.Recommendations,
			"Extraction on restricted domains may be rate limited; add delays between requests")
	}
	return report
}

// VerifyAuditChain recomputes every record hash of a session in append order.
func (a *AuditLog) VerifyAuditChain(ctx context.Context, sessionID string) (ChainVerification, error) {
	if sessionID == "" {
		return ChainVerification{}, errors.Wrap(ErrValidation, "session_id is required")
	}
	recs, err := a.store.ListAuditRecords(ctx, sessionID)
	if err != nil {
		return ChainVerification{}, errors.Wrapf(err, "list audit records for session %s", sessionID)
	}
	res := ChainVerification{SessionID: sessionID, Records: len(recs), Valid: true}
	prev := ""
	for _, r := range recs {
		if r.PrevHash != prev {
			res.Valid, res.BrokenAt, res.Reason = false, r.ID, "previous hash mismatch"
			break
		}
		if storage.ComputeAuditHash(r) != r.RecordHash {
			res.Valid, res.BrokenAt, res.Reason = false, r.ID, "record hash mismatch"
			break
		}
		prev = r.RecordHash
	}
	if !res.Valid {
		a.logger.Errorf("Audit chain for session %s broken at record %s: %s", sessionID, res.BrokenAt, res.Reason)
	}
	return res, nil
}
