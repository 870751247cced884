package api

import (
	"context"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/pkg/errors"
)

type taskRef struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type scheduleData struct {
	TaskID        string     `json:"task_id"`
	UserID        string     `json:"user_id"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
}

func registerScheduler(d *Dispatcher, orch *service.Orchestrator) {
	s := orch.Scheduler

	d.Handle(SchedulerGroup, "submit_task", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[service.NewTask](data)
		if err != nil {
			return nil, err
		}
		return s.SubmitTask(ctx, in)
	})
	d.Handle(SchedulerGroup, "schedule_task", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[scheduleData](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"task_id", in.TaskID}, [2]string{"user_id", in.UserID}); err != nil {
			return nil, err
		}
		return s.ScheduleTask(ctx, in.TaskID, in.UserID, in.ScheduledTime)
	})
	d.Handle(SchedulerGroup, "execute_next", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[sessionRef](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"session_id", in.SessionID}, [2]string{"user_id", in.UserID}); err != nil {
			return nil, err
		}
		return s.ExecuteNext(ctx, in.SessionID, in.UserID)
	})
	d.Handle(SchedulerGroup, "retry_task", taskAction(func(ctx context.Context, in taskRef) (any, error) {
		return s.RetryTask(ctx, in.TaskID, in.UserID)
	}))
	d.Handle(SchedulerGroup, "cancel_task", taskAction(func(ctx context.Context, in taskRef) (any, error) {
		return s.CancelTask(ctx, in.TaskID, in.UserID)
	}))
	d.Handle(SchedulerGroup, "get_task", taskAction(func(ctx context.Context, in taskRef) (any, error) {
		return s.GetTask(ctx, in.TaskID, in.UserID)
	}))
	d.Handle(SchedulerGroup, "get_queue_status", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[sessionRef](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"session_id", in.SessionID}); err != nil {
			return nil, err
		}
		return s.GetQueueStatus(ctx, in.SessionID)
	})
}

func taskAction(fn func(ctx context.Context, in taskRef) (any, error)) HandlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[taskRef](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"task_id", in.TaskID}, [2]string{"user_id", in.UserID}); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

type selectData struct {
	TaskComplexity int  `json:"task_complexity"`
	RequiresVision bool `json:"requires_vision"`
	IsHighRisk     bool `json:"is_high_risk"`
}

type failureData struct {
	Provider     string `json:"provider"`
	ErrorMessage string `json:"error_message"`
	TaskID       string `json:"task_id,omitempty"`
}

type providerData struct {
	Provider string `json:"provider"`
}

type resetResult struct {
	Provider string `json:"provider"`
	Reset    bool   `json:"reset"`
	Health   any    `json:"health"`
}

func registerFailover(d *Dispatcher, orch *service.Orchestrator) {
	m := orch.Monitor

	d.Handle(FailoverGroup, "select_provider", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[selectData](data)
		if err != nil {
			return nil, err
		}
		if in.TaskComplexity < 0 || in.TaskComplexity > service.MaxComplexity {
			return nil, errors.Wrapf(service.ErrValidation, "task_complexity must be between 0 and %d", service.MaxComplexity)
		}
		return orch.Selector.SelectProvider(ctx, in.TaskComplexity, in.RequiresVision, in.IsHighRisk)
	})
	d.Handle(FailoverGroup, "report_failure", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[failureData](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"provider", in.Provider}, [2]string{"error_message", in.ErrorMessage}); err != nil {
			return nil, err
		}
		return m.ReportProviderFailure(ctx, in.Provider, in.ErrorMessage, in.TaskID)
	})
	d.Handle(FailoverGroup, "get_all_health", func(ctx context.Context, _ []byte) (any, error) {
		return m.GetAllHealth(ctx)
	})
	d.Handle(FailoverGroup, "reset_circuit_breaker", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[providerData](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"provider", in.Provider}); err != nil {
			return nil, err
		}
		h, err := m.ResetCircuitBreaker(ctx, in.Provider)
		if err != nil {
			return nil, err
		}
		return resetResult{Provider: in.Provider, Reset: true, Health: h}, nil
	})
	d.Handle(FailoverGroup, "monitor_health", func(ctx context.Context, _ []byte) (any, error) {
		return m.MonitorProviderHealth(ctx)
	})
}

// actionData is the executed action inside log_action. The whole object is
// also screened for PII.
type actionData struct {
	ActionType    string         `json:"action_type"`
	URL           string         `json:"url,omitempty"`
	Success       *bool          `json:"success,omitempty"`
	ResponseData  map[string]any `json:"response_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
}

type logActionData struct {
	SessionID  string         `json:"session_id"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	ActionData map[string]any `json:"action_data"`
}

type logActionResult struct {
	Record     any                     `json:"record"`
	Compliance service.ComplianceCheck `json:"compliance"`
}

type checkData struct {
	Domain       string `json:"domain"`
	ActionType   string `json:"action_type"`
	ActionData   any    `json:"action_data,omitempty"`
	ResponseData any    `json:"response_data,omitempty"`
}

type redactData struct {
	Text string `json:"text"`
}

type redactResult struct {
	RedactedText string   `json:"redacted_text"`
	PIIFields    []string `json:"pii_fields"`
}

type sessionOnly struct {
	SessionID string `json:"session_id"`
}

func registerCompliance(d *Dispatcher, orch *service.Orchestrator) {
	d.Handle(ComplianceGroup, "log_action", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[logActionData](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"session_id", in.SessionID}, [2]string{"task_id", in.TaskID},
			[2]string{"user_id", in.UserID}); err != nil {
			return nil, err
		}
		if in.ActionData == nil {
			return nil, errors.Wrap(service.ErrValidation, "missing required field(s): action_data")
		}
		raw, err := encode(in.ActionData)
		if err != nil {
			return nil, err
		}
		act, err := decode[actionData](raw)
		if err != nil {
			return nil, err
		}
		success := true
		if act.Success != nil {
			success = *act.Success
		}
		payload := make(map[string]any, len(in.ActionData))
		for k, v := range in.ActionData {
			if k != "response_data" {
				payload[k] = v
			}
		}
		rec, check, err := orch.Audit.LogAction(ctx, service.ActionLog{
			SessionID:     in.SessionID,
			TaskID:        in.TaskID,
			UserID:        in.UserID,
			ActionType:    act.ActionType,
			URL:           act.URL,
			Success:       success,
			ActionData:    payload,
			ResponseData:  act.ResponseData,
			Error:         act.Error,
			ScreenshotRef: act.ScreenshotRef,
			DurationMs:    act.DurationMs,
		})
		if err != nil {
			return nil, err
		}
		return logActionResult{Record: rec, Compliance: check}, nil
	})
	d.Handle(ComplianceGroup, "check_compliance", func(_ context.Context, data []byte) (any, error) {
		in, err := decode[checkData](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"domain", in.Domain}, [2]string{"action_type", in.ActionType}); err != nil {
			return nil, err
		}
		domain := in.Domain
		if host := service.DomainOf(in.Domain); host != "" {
			domain = host
		}
		return orch.Compliance.PerformComplianceCheck(domain, in.ActionType, in.ActionData, in.ResponseData), nil
	})
	d.Handle(ComplianceGroup, "redact_pii", func(_ context.Context, data []byte) (any, error) {
		in, err := decode[redactData](data)
		if err != nil {
			return nil, err
		}
		return redactResult{
			RedactedText: orch.Compliance.RedactPII(in.Text),
			PIIFields:    orch.Compliance.DetectPII(in.Text),
		}, nil
	})
	d.Handle(ComplianceGroup, "get_compliance_report", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[sessionRef](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"session_id", in.SessionID}); err != nil {
			return nil, err
		}
		return orch.Audit.GetComplianceReport(ctx, in.SessionID, in.UserID)
	})
	d.Handle(ComplianceGroup, "verify_audit_chain", func(ctx context.Context, data []byte) (any, error) {
		in, err := decode[sessionOnly](data)
		if err != nil {
			return nil, err
		}
		if err := required([2]string{"session_id", in.SessionID}); err != nil {
			return nil, err
		}
		return orch.Audit.VerifyAuditChain(ctx, in.SessionID)
	})
}
