package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
)

// ComputeAuditHash returns the chain hash of r. PrevHash must already be set;
// RecordHash and Seq are not part of the digest.
func ComputeAuditHash(r models.AuditRecord) string {
	payload := map[string]any{
		"id":               r.ID,
		"session_id":       r.SessionID,
		"task_id":          r.TaskID,
		"user_id":          r.UserID,
		"action_type":      r.ActionType,
		"url":              r.URL,
		"success":          r.Success,
		"response_data":    r.ResponseData,
		"error":            r.Error,
		"screenshot_ref":   r.ScreenshotRef,
		"duration_ms":      r.DurationMs,
		"compliance_flags": flagStrings(r.ComplianceFlags),
		"pii_fields":       append([]string{}, r.PIIFields...),
		"tos_risk_score":   r.TOSRiskScore,
		"prev_hash":        r.PrevHash,
		"created_at":       r.CreatedAt.UTC().UnixMicro(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func flagStrings(flags []models.ComplianceFlag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
