package service_test

import (
	"context"
	"testing"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditLog(store storage.Store) *service.AuditLog {
	filter := service.NewComplianceFilter(service.DefaultCompliancePolicy())
	return service.NewAuditLog(store, filter, logger{}, observability.NewRegistry())
}

func TestAuditLog_LogAction(t *testing.T) {
	ctx := context.Background()

	t.Run("RedactsAndFlags", func(t *testing.T) {
		audit := newAuditLog(storage.NewMemoryStore())
		rec, check, err := audit.LogAction(ctx, service.ActionLog{
			SessionID:    "s1",
			TaskID:       "t1",
			UserID:       "u1",
			ActionType:   "extract",
			URL:          "https://www.linkedin.com/in/someone",
			Success:      true,
			ResponseData: map[string]any{"email": "jane@corp.io", "name": "Jane"},
			Error:        "",
		})
		require.NoError(t, err)
		assert.True(t, check.PIIDetected)
		assert.True(t, rec.HasFlag(models.PIIDetectedFlag))
		assert.True(t, rec.HasFlag(models.TOSViolationRiskFlag))
		assert.True(t, rec.HasFlag(models.RateLimitWarningFlag))
		assert.Equal(t, []string{service.PIIEmail}, rec.PIIFields)
		assert.Equal(t, 100, rec.TOSRiskScore)
		assert.Equal(t, "[REDACTED_EMAIL]", rec.ResponseData["email"])
		assert.Equal(t, "Jane", rec.ResponseData["name"])
		assert.NotEmpty(t, rec.RecordHash)
		assert.Empty(t, rec.PrevHash)
	})

	t.Run("RedactsErrorText", func(t *testing.T) {
		audit := newAuditLog(storage.NewMemoryStore())
		rec, _, err := audit.LogAction(ctx, service.ActionLog{
			SessionID:  "s1",
			TaskID:     "t1",
			UserID:     "u1",
			ActionType: "type",
			ActionData: map[string]any{"text": "call 555-123-4567"},
			Error:      "field rejected 555-123-4567",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{service.PIIPhone}, rec.PIIFields)
		assert.Equal(t, "field rejected [REDACTED_PHONE]", rec.Error)
	})

	t.Run("Validation", func(t *testing.T) {
		audit := newAuditLog(storage.NewMemoryStore())
		_, _, err := audit.LogAction(ctx, service.ActionLog{SessionID: "s1", TaskID: "t1", ActionType: "click"})
		assert.ErrorIs(t, err, service.ErrValidation)
		_, _, err = audit.LogAction(ctx, service.ActionLog{SessionID: "s1", TaskID: "t1", UserID: "u1"})
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("ChainVerifies", func(t *testing.T) {
		audit := newAuditLog(storage.NewMemoryStore())
		for _, session := range []string{"a", "b", "a", "a", "b"} {
			_, _, err := audit.LogAction(ctx, service.ActionLog{
				SessionID: session, TaskID: "t", UserID: "u", ActionType: "click", Success: true,
			})
			require.NoError(t, err)
		}
		v, err := audit.VerifyAuditChain(ctx, "a")
		require.NoError(t, err)
		assert.True(t, v.Valid)
		assert.Equal(t, 3, v.Records)

		v, err = audit.VerifyAuditChain(ctx, "b")
		require.NoError(t, err)
		assert.True(t, v.Valid)
		assert.Equal(t, 2, v.Records)
	})
}

func TestBuildComplianceReport(t *testing.T) {
	recs := make([]models.AuditRecord, 10)
	for i := range recs {
		recs[i] = models.AuditRecord{Success: true, ComplianceFlags: []models.ComplianceFlag{}}
	}
	recs[0].ComplianceFlags = []models.ComplianceFlag{models.PIIDetectedFlag}
	recs[0].PIIFields = []string{service.PIIEmail}
	recs[1].ComplianceFlags = []models.ComplianceFlag{models.PIIDetectedFlag}
	recs[1].PIIFields = []string{service.PIIPhone, service.PIIEmail}
	recs[2].ComplianceFlags = []models.ComplianceFlag{models.TOSViolationRiskFlag}
	recs[3].Success = false

	report := service.BuildComplianceReport("s1", recs)
	assert.Equal(t, 10, report.TotalRecords)
	assert.Equal(t, 9, report.SuccessfulActions)
	assert.InDelta(t, 90, report.SuccessRate, 0.001)
	assert.Equal(t, 2, report.PIIDetections)
	assert.Equal(t, 1, report.TOSViolations)
	assert.Equal(t, 0, report.AntiBotDetections)
	assert.InDelta(t, 93, report.ComplianceScore, 0.001)
	assert.Equal(t, []string{service.PIIEmail, service.PIIPhone}, report.PIICategories)
	assert.Len(t, report.Recommendations, 2)
}

func TestBuildComplianceReport_Empty(t *testing.T) {
	report := service.BuildComplianceReport("s1", nil)
	assert.Equal(t, float64(100), report.ComplianceScore)
	assert.Empty(t, report.Recommendations)
}

func TestBuildComplianceReport_PenaltyIsPerRecord(t *testing.T) {
	rec := models.AuditRecord{ComplianceFlags: []models.ComplianceFlag{
		models.PIIDetectedFlag, models.TOSViolationRiskFlag, models.AntiBotDetectedFlag,
	}}
	report := service.BuildComplianceReport("s1", []models.AuditRecord{rec, rec})
	assert.Equal(t, float64(25), report.ComplianceScore)
	assert.Len(t, report.Recommendations, 3)
}

func TestAuditLog_GetComplianceReportFiltersByUser(t *testing.T) {
	ctx := context.Background()
	audit := newAuditLog(storage.NewMemoryStore())
	for _, user := range []string{"u1", "u1", "u2"} {
		_, _, err := audit.LogAction(ctx, service.ActionLog{SessionID: "s1", TaskID: "t", UserID: user, ActionType: "click", Success: true})
		require.NoError(t, err)
	}
	report, err := audit.GetComplianceReport(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalRecords)

	report, err = audit.GetComplianceReport(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalRecords)
}
