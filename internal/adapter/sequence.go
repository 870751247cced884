package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
)

// Page is the browser state a Driver acts on.
type Page struct {
	URL string
}

// StepOutput is what a Driver reports for one action.
type StepOutput struct {
	Data          map[string]any
	ScreenshotRef string
	TokensUsed    int
	CostUSD       float64
}

// Driver performs single browser actions. It may move page.URL.
type Driver interface {
	Perform(ctx context.Context, page *Page, action models.Action) (StepOutput, error)
}

// SequenceAdapter runs a task's actions in order through a Driver. The task
// timeout is checked against the cumulative elapsed time after every action.
type SequenceAdapter struct {
	driver Driver
	now    func() time.Time
}

func NewSequenceAdapter(driver Driver) *SequenceAdapter {
	return &SequenceAdapter{driver: driver, now: time.Now}
}

func (a *SequenceAdapter) Execute(ctx context.Context, req service.ExecutionRequest) (service.ExecutionResult, error) {
	start := a.now()
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	page := &Page{}
	res := service.ExecutionResult{Status: service.ResultSuccess, Result: map[string]any{}}
	extracted := []map[string]any{}

	fail := func(msg string) (service.ExecutionResult, error) {
		res.Status = service.ResultFailed
		res.Error = msg
		res.ExecutionTimeMs = a.now().Sub(start).Milliseconds()
		return res, nil
	}

	if len(req.Actions) == 0 {
		return fail("task has no actions")
	}
	for i, action := range req.Actions {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Sprintf("cancelled before action %d (%s): %v", i+1, action.Type(), err))
		}
		stepStart := a.now()
		out, err := a.driver.Perform(ctx, page, action)
		step := models.ExecutionStep{
			ActionType:    action.Type(),
			URL:           page.URL,
			Success:       err == nil,
			ResponseData:  out.Data,
			ScreenshotRef: out.ScreenshotRef,
			DurationMs:    a.now().Sub(stepStart).Milliseconds(),
		}
		if err != nil {
			step.Error = err.Error()
		}
		res.Steps = append(res.Steps, step)
		res.TokensUsed += out.TokensUsed
		res.CostUSD += out.CostUSD
		if out.ScreenshotRef != "" {
			res.Screenshots = append(res.Screenshots, out.ScreenshotRef)
		}
		if err != nil {
			return fail(fmt.Sprintf("action %d (%s) failed: %v", i+1, action.Type(), err))
		}
		if out.Data != nil && (action.Type() == models.ExtractActionType || action.Type() == models.ScrapeActionType) {
			extracted = append(extracted, out.Data)
		}
		if timeout > 0 && a.now().Sub(start) > timeout {
			return fail(fmt.Sprintf("timed out after %d of %d actions (limit %ds)", i+1, len(req.Actions), req.TimeoutSeconds))
		}
	}

	res.Result["final_url"] = page.URL
	res.Result["actions_completed"] = len(res.Steps)
	if len(extracted) > 0 {
		res.Result["extracted"] = extracted
	}
	res.ExecutionTimeMs = a.now().Sub(start).Milliseconds()
	return res, nil
}
