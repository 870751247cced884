package cli_test

import (
	"bytes"
	"testing"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/cli"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) map[string]any {
	t.Helper()
	t.Setenv("ORCH_STORE", "memory")
	t.Setenv("ORCH_HISTORY", "store")
	t.Setenv("ORCH_OTEL_EXPORTER", "none")

	root := &cobra.Command{Use: "orchestrator"}
	cli.SetupCLI(root)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())

	var resp map[string]any
	require.NoError(t, sonic.Unmarshal(out.Bytes(), &resp), out.String())
	return resp
}

func TestCLI(t *testing.T) {
	t.Run("Redact", func(t *testing.T) {
		resp := run(t, "redact", "call 555-123-4567 or mail a@b.co")
		require.Equal(t, true, resp["success"])
		data := resp["data"].(map[string]any)
		assert.Equal(t, "call [REDACTED_PHONE] or mail [REDACTED_EMAIL]", data["redacted_text"])
	})

	t.Run("SelectProviderForVisionTask", func(t *testing.T) {
		resp := run(t, "select-provider", "--complexity", "9", "--vision")
		require.Equal(t, true, resp["success"])
		// nothing has run yet, so every circuit is open
		assert.Equal(t, "fallback_browser", resp["data"].(map[string]any)["selected_provider"])
	})

	t.Run("CheckRestrictedAction", func(t *testing.T) {
		resp := run(t, "check", "--domain", "www.tradingview.com", "--action", "place_order")
		require.Equal(t, true, resp["success"])
		data := resp["data"].(map[string]any)
		assert.Equal(t, true, data["tos_violation_risk"])
		assert.Equal(t, float64(100), data["tos_risk_score"])
	})

	t.Run("InvokeSubmit", func(t *testing.T) {
		resp := run(t, "invoke", "scheduler",
			`{"action":"submit_task","data":{"session_id":"s1","user_id":"u1","name":"open dashboard","actions":[{"type":"navigate","url":"https://example.org"}]}}`)
		require.Equal(t, true, resp["success"])
		data := resp["data"].(map[string]any)
		assert.Equal(t, "pending", data["status"])
		assert.Equal(t, float64(5), data["priority"])
	})

	t.Run("Drain", func(t *testing.T) {
		resp := run(t, "drain", "--session", "empty", "--user", "u1", "--workers", "2")
		assert.Equal(t, "empty", resp["session_id"])
		assert.Equal(t, float64(0), resp["executed"])
		assert.Equal(t, "blocked", resp["stopped_on"])
	})
}
