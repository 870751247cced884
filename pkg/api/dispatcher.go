package api

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Action groups, one per HTTP entry point.
const (
	SchedulerGroup  = "scheduler"
	FailoverGroup   = "failover"
	ComplianceGroup = "compliance"
)

// Error codes carried in Response.Code.
const (
	CodeValidation            = "validation_error"
	CodeUnknownAction         = "unknown_action"
	CodeNotFound              = "not_found"
	CodeInvalidTransition     = "invalid_transition"
	CodeClaimConflict         = "claim_conflict"
	CodeDependencyUnsatisfied = "dependency_unsatisfied"
	CodeDependencyCycle       = "dependency_cycle"
	CodeUnknownProvider       = "unknown_provider"
	CodeNoProvider            = "no_provider_available"
	CodeExecutionFailed       = "execution_failed"
	CodeInternal              = "internal_error"
)

var ErrUnknownAction = errors.New("unknown action")

// Request is the {action, data} body every entry point accepts.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope every action returns, on success and on failure.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HandlerFunc runs one action with its raw data payload.
type HandlerFunc func(ctx context.Context, data []byte) (any, error)

// Middleware wraps a HandlerFunc.
type Middleware func(group, action string, next HandlerFunc) HandlerFunc

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dispatcher routes {action, data} requests of each group to the orchestrator.
type Dispatcher struct {
	handlers    map[string]map[string]HandlerFunc
	middlewares []Middleware
	logger      Logger
}

// NewDispatcher registers every built-in action of orch.
func NewDispatcher(orch *service.Orchestrator, logger Logger) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]map[string]HandlerFunc),
		logger:   logger,
	}
	d.Use(traceActions)
	registerScheduler(d, orch)
	registerFailover(d, orch)
	registerCompliance(d, orch)
	return d
}

// traceActions opens a span around every action.
func traceActions(group, action string, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, data []byte) (out any, err error) {
		ctx, span := observability.StartSpan(ctx, "api."+group+"."+action,
			attribute.String("group", group), attribute.String("action", action))
		defer func() { observability.EndSpan(span, err) }()
		return next(ctx, data)
	}
}

// Handle registers fn for action in group, replacing any previous handler.
func (d *Dispatcher) Handle(group, action string, fn HandlerFunc) {
	if d.handlers[group] == nil {
		d.handlers[group] = make(map[string]HandlerFunc)
	}
	d.handlers[group][action] = fn
}

// Use adds middleware. Middlewares run in the order they are added.
func (d *Dispatcher) Use(mw Middleware) {
	d.middlewares = append(d.middlewares, mw)
}

// Groups returns the registered group names, sorted.
func (d *Dispatcher) Groups() []string {
	out := make([]string, 0, len(d.handlers))
	for g := range d.handlers {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Actions returns the actions registered for group, sorted.
func (d *Dispatcher) Actions(group string) []string {
	out := make([]string, 0, len(d.handlers[group]))
	for a := range d.handlers[group] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// DispatchJSON decodes a raw request body and dispatches it.
func (d *Dispatcher) DispatchJSON(ctx context.Context, group string, body []byte) Response {
	var req Request
	if err := sonic.Unmarshal(body, &req); err != nil {
		return failure(errors.Wrapf(service.ErrValidation, "invalid request body: %v", err))
	}
	return d.Dispatch(ctx, group, req)
}

func (d *Dispatcher) Dispatch(ctx context.Context, group string, req Request) Response {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return failure(errors.Wrap(service.ErrValidation, "action is required"))
	}
	fn, ok := d.handlers[group][action]
	if !ok {
		return failure(errors.Wrapf(ErrUnknownAction, "%s action %q", group, action))
	}
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		fn = d.middlewares[i](group, action, fn)
	}

	data := []byte(req.Data)
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	out, err := fn(ctx, data)
	if err != nil {
		resp := failure(err)
		if resp.Code == CodeInternal {
			d.logger.Errorf("%s/%s failed: %v", group, action, err)
		}
		return resp
	}
	resp := Response{Success: true, Data: out}
	switch v := out.(type) {
	case service.ExecuteOutcome:
		resp.Message = v.Message
		if v.Status == service.ExecuteFailed {
			resp.Success, resp.Error, resp.Code = false, v.Error, CodeExecutionFailed
		}
	case service.RetryResult:
		resp.Message = v.Message
	}
	return resp
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: CodeFor(err)}
}

// CodeFor maps an error onto its response code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, service.ErrDependencyCycle):
		return CodeDependencyCycle
	case errors.Is(err, service.ErrValidation):
		return CodeValidation
	case errors.Is(err, service.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, service.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, service.ErrClaimConflict):
		return CodeClaimConflict
	case errors.Is(err, service.ErrDependencyUnsatisfied):
		return CodeDependencyUnsatisfied
	case errors.Is(err, service.ErrUnknownProvider):
		return CodeUnknownProvider
	case errors.Is(err, service.ErrNoProviderAvailable):
		return CodeNoProvider
	default:
		return CodeInternal
	}
}

// decode unmarshals data into a fresh T.
func decode[T any](data []byte) (T, error) {
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return v, errors.Wrapf(service.ErrValidation, "invalid data: %v", err)
	}
	return v, nil
}

func required(fields ...[2]string) error {
	missing := []string{}
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(service.ErrValidation, "missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func encode(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(service.ErrValidation, "invalid data: %v", err)
	}
	return b, nil
}
