package adapter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/models"
)

// maxDryRunWait caps wait actions so local runs stay fast.
const maxDryRunWait = 2 * time.Second

// DryRunDriver simulates a browser deterministically. It never touches the
// network and is meant for development and demos.
type DryRunDriver struct {
	screenshots atomic.Int64
}

func NewDryRunDriver() *DryRunDriver {
	return &DryRunDriver{}
}

func (d *DryRunDriver) Perform(ctx context.Context, page *Page, action models.Action) (StepOutput, error) {
	switch a := action.(type) {
	case models.NavigateAction:
		if a.URL == "" {
			return StepOutput{}, fmt.Errorf("navigate without url")
		}
		page.URL = a.URL
		return StepOutput{Data: map[string]any{"title": "Dry run of " + a.URL}}, nil
	case models.ClickAction:
		if err := requirePage(page); err != nil {
			return StepOutput{}, err
		}
		return StepOutput{Data: map[string]any{"clicked": a.Selector}}, nil
	case models.TypeAction:
		if err := requirePage(page); err != nil {
			return StepOutput{}, err
		}
		return StepOutput{Data: map[string]any{"selector": a.Selector, "typed_chars": len([]rune(a.Text))}}, nil
	case models.ExtractAction:
		if err := requirePage(page); err != nil {
			return StepOutput{}, err
		}
		return StepOutput{Data: map[string]any{"selector": a.Selector, "text": "dry-run text for " + a.Selector}}, nil
	case models.ScrapeAction:
		if a.URL != "" {
			page.URL = a.URL
		}
		if err := requirePage(page); err != nil {
			return StepOutput{}, err
		}
		items := make([]any, 0, len(a.Selectors))
		for _, s := range a.Selectors {
			items = append(items, map[string]any{"selector": s, "text": "dry-run text for " + s})
		}
		return StepOutput{Data: map[string]any{"items": items}}, nil
	case models.SubmitAction:
		if err := requirePage(page); err != nil {
			return StepOutput{}, err
		}
		return StepOutput{Data: map[string]any{"submitted": a.Selector, "fields": len(a.Fields)}}, nil
	case models.ScreenshotAction:
		n := d.screenshots.Add(1)
		return StepOutput{ScreenshotRef: fmt.Sprintf("dryrun://screenshot/%d", n)}, nil
	case models.WaitAction:
		wait := time.Duration(a.Millis) * time.Millisecond
		if wait > maxDryRunWait {
			wait = maxDryRunWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return StepOutput{}, ctx.Err()
		case <-timer.C:
		}
		return StepOutput{}, nil
	case models.PlaceOrderAction:
		return StepOutput{Data: map[string]any{
			"simulated": true, "symbol": a.Symbol, "side": a.Side, "quantity": a.Quantity,
		}}, nil
	case models.CustomAction:
		return StepOutput{Data: map[string]any{"name": a.Name, "params": a.Params}}, nil
	default:
		return StepOutput{}, fmt.Errorf("unsupported action %s", action.Type())
	}
}

func requirePage(page *Page) error {
	if page.URL == "" {
		return fmt.Errorf("no page loaded")
	}
	return nil
}
