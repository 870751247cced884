package api_test

import (
	"context"
	"testing"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/api"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func newDispatcher(result service.ExecutionResult) *api.Dispatcher {
	registry := service.NewAdapterRegistry()
	adapter := service.AdapterFunc(func(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
		return result, nil
	})
	for _, p := range service.DefaultProviders() {
		registry.Register(p.Name, adapter)
	}
	orch := service.NewOrchestrator(service.DefaultConfig(), storage.NewMemoryStore(), nil, registry, logger{})
	return api.NewDispatcher(orch, logger{})
}

// roundTrip renders the response the way the HTTP layer does and decodes it
// into a generic map.
func roundTrip(t *testing.T, resp api.Response) map[string]any {
	t.Helper()
	b, err := sonic.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(b, &out))
	return out
}

func dispatch(t *testing.T, d *api.Dispatcher, group, body string) map[string]any {
	t.Helper()
	return roundTrip(t, d.DispatchJSON(context.Background(), group, []byte(body)))
}

func TestDispatcher_SchedulerFlow(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultSuccess, Result: map[string]any{"rows": 3}})

	resp := dispatch(t, d, api.SchedulerGroup, `{"action":"submit_task","data":{
		"session_id":"s1","user_id":"u1","name":"export","priority":2,
		"actions":[{"type":"navigate","url":"https://example.org"},{"type":"extract","selector":"table"}]}}`)
	require.Equal(t, true, resp["success"], resp)
	task := resp["data"].(map[string]any)
	taskID := task["id"].(string)
	assert.Equal(t, "pending", task["status"])
	assert.Len(t, task["actions"], 2)

	resp = dispatch(t, d, api.SchedulerGroup, `{"action":"schedule_task","data":{"task_id":"`+taskID+`","user_id":"u1"}}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, "queued", resp["data"].(map[string]any)["status"])

	resp = dispatch(t, d, api.SchedulerGroup, `{"action":"execute_next","data":{"session_id":"s1","user_id":"u1"}}`)
	require.Equal(t, true, resp["success"], resp)
	out := resp["data"].(map[string]any)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, taskID, out["task_id"])

	resp = dispatch(t, d, api.SchedulerGroup, `{"action":"get_queue_status","data":{"session_id":"s1","user_id":"u1"}}`)
	require.Equal(t, true, resp["success"], resp)
	counts := resp["data"].(map[string]any)["counts"].(map[string]any)
	assert.Equal(t, float64(1), counts["completed"])

	resp = dispatch(t, d, api.SchedulerGroup, `{"action":"cancel_task","data":{"task_id":"`+taskID+`","user_id":"u1"}}`)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, api.CodeInvalidTransition, resp["code"])
}

func TestDispatcher_ExecutionFailureEnvelope(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultFailed, Error: "captcha wall"})

	resp := dispatch(t, d, api.SchedulerGroup, `{"action":"submit_task","data":{"session_id":"s1","user_id":"u1","name":"x","max_retries":1}}`)
	require.Equal(t, true, resp["success"], resp)

	resp = dispatch(t, d, api.SchedulerGroup, `{"action":"execute_next","data":{"session_id":"s1","user_id":"u1"}}`)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, api.CodeExecutionFailed, resp["code"])
	assert.Equal(t, "captcha wall", resp["error"])
	assert.Equal(t, "max retries exceeded", resp["message"])
	assert.Equal(t, "failed", resp["data"].(map[string]any)["status"])
}

func TestDispatcher_Errors(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultSuccess})

	tests := []struct {
		name  string
		group string
		body  string
		code  string
	}{
		{"malformed body", api.SchedulerGroup, `{`, api.CodeValidation},
		{"missing action", api.SchedulerGroup, `{"data":{}}`, api.CodeValidation},
		{"unknown action", api.SchedulerGroup, `{"action":"launch_rocket"}`, api.CodeUnknownAction},
		{"action from another group", api.FailoverGroup, `{"action":"execute_next"}`, api.CodeUnknownAction},
		{"missing fields", api.SchedulerGroup, `{"action":"retry_task","data":{"task_id":"x"}}`, api.CodeValidation},
		{"not found", api.SchedulerGroup, `{"action":"get_task","data":{"task_id":"nope","user_id":"u1"}}`, api.CodeNotFound},
		{"bad action type", api.SchedulerGroup, `{"action":"submit_task","data":{"session_id":"s","user_id":"u","name":"n","actions":[{"type":"teleport"}]}}`, api.CodeValidation},
		{"unknown provider", api.FailoverGroup, `{"action":"reset_circuit_breaker","data":{"provider":"pigeon"}}`, api.CodeUnknownProvider},
		{"complexity out of range", api.FailoverGroup, `{"action":"select_provider","data":{"task_complexity":42}}`, api.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatch(t, d, tt.group, tt.body)
			assert.Equal(t, false, resp["success"])
			assert.Equal(t, tt.code, resp["code"])
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestDispatcher_Failover(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultSuccess})

	resp := dispatch(t, d, api.FailoverGroup, `{"action":"select_provider","data":{"task_complexity":3}}`)
	require.Equal(t, true, resp["success"], resp)
	sel := resp["data"].(map[string]any)
	assert.Equal(t, service.FallbackBrowserProvider, sel["selected_provider"])
	assert.Equal(t, service.ReasonAllUnhealthy, sel["reason"])
	assert.Len(t, sel["health_snapshot"], 3)

	resp = dispatch(t, d, api.FailoverGroup, `{"action":"get_all_health"}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Len(t, resp["data"], 3)

	resp = dispatch(t, d, api.FailoverGroup, `{"action":"monitor_health","data":{}}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, "critical", resp["data"].(map[string]any)["status"])

	resp = dispatch(t, d, api.FailoverGroup, `{"action":"report_failure","data":{"provider":"headless_browser","error_message":"timeout"}}`)
	assert.Equal(t, true, resp["success"], resp)

	resp = dispatch(t, d, api.FailoverGroup, `{"action":"reset_circuit_breaker","data":{"provider":"vision_agent"}}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, true, resp["data"].(map[string]any)["reset"])
}

func TestDispatcher_Compliance(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultSuccess})

	resp := dispatch(t, d, api.ComplianceGroup, `{"action":"log_action","data":{
		"session_id":"s1","task_id":"t1","user_id":"u1",
		"action_data":{"action_type":"extract","url":"https://www.linkedin.com/in/x","response_data":{"email":"a@b.co"}}}}`)
	require.Equal(t, true, resp["success"], resp)
	logged := resp["data"].(map[string]any)
	record := logged["record"].(map[string]any)
	assert.Equal(t, "[REDACTED_EMAIL]", record["response_data"].(map[string]any)["email"])
	assert.Equal(t, true, logged["compliance"].(map[string]any)["tos_violation_risk"])

	resp = dispatch(t, d, api.ComplianceGroup, `{"action":"check_compliance","data":{"domain":"https://tradingview.com/x","action_type":"place_order"}}`)
	require.Equal(t, true, resp["success"], resp)
	check := resp["data"].(map[string]any)
	assert.Equal(t, "tradingview.com", check["domain"])
	assert.Equal(t, float64(100), check["tos_risk_score"])

	resp = dispatch(t, d, api.ComplianceGroup, `{"action":"redact_pii","data":{"text":"mail me at a@b.co"}}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, "mail me at [REDACTED_EMAIL]", resp["data"].(map[string]any)["redacted_text"])

	resp = dispatch(t, d, api.ComplianceGroup, `{"action":"get_compliance_report","data":{"session_id":"s1","user_id":"u1"}}`)
	require.Equal(t, true, resp["success"], resp)
	report := resp["data"].(map[string]any)
	assert.Equal(t, float64(1), report["total_records"])
	assert.Equal(t, float64(50), report["compliance_score"])

	resp = dispatch(t, d, api.ComplianceGroup, `{"action":"verify_audit_chain","data":{"session_id":"s1"}}`)
	require.Equal(t, true, resp["success"], resp)
	assert.Equal(t, true, resp["data"].(map[string]any)["valid"])
}

func TestDispatcher_Middleware(t *testing.T) {
	d := newDispatcher(service.ExecutionResult{Status: service.ResultSuccess})
	var seen []string
	d.Use(func(group, action string, next api.HandlerFunc) api.HandlerFunc {
		return func(ctx context.Context, data []byte) (any, error) {
			seen = append(seen, group+"/"+action)
			return next(ctx, data)
		}
	})
	resp := d.Dispatch(context.Background(), api.FailoverGroup, api.Request{Action: "get_all_health"})
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"failover/get_all_health"}, seen)
	assert.Equal(t, []string{api.ComplianceGroup, api.FailoverGroup, api.SchedulerGroup}, d.Groups())
	assert.Contains(t, d.Actions(api.SchedulerGroup), "execute_next")
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, "", api.CodeFor(nil))
	assert.Equal(t, api.CodeClaimConflict, api.CodeFor(service.ErrClaimConflict))
	assert.Equal(t, api.CodeDependencyUnsatisfied, api.CodeFor(service.ErrDependencyUnsatisfied))
	assert.Equal(t, api.CodeNoProvider, api.CodeFor(service.ErrNoProviderAvailable))
	assert.Equal(t, api.CodeDependencyCycle, api.CodeFor(service.ErrDependencyCycle))
	assert.Equal(t, api.CodeInternal, api.CodeFor(assert.AnError))
}
