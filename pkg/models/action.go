package models

import (
	"encoding/json"
	"fmt"
)

type ActionType string

const (
	NavigateActionType   ActionType = "navigate"
	ClickActionType      ActionType = "click"
	TypeActionType       ActionType = "type"
	ExtractActionType    ActionType = "extract"
	ScrapeActionType     ActionType = "scrape"
	SubmitActionType     ActionType = "submit"
	ScreenshotActionType ActionType = "screenshot"
	WaitActionType       ActionType = "wait"
	PlaceOrderActionType ActionType = "place_order"
	CustomActionType     ActionType = "custom"
)

// Action is one browser sub-action of a task. Concrete types are the
// *Action structs below; the JSON form carries a "type" discriminator.
type Action interface {
	Type() ActionType
}

type NavigateAction struct {
	URL string `json:"url"`
}

type ClickAction struct {
	Selector string `json:"selector"`
}

type TypeAction struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

type ExtractAction struct {
	Selector  string `json:"selector"`
	Attribute string `json:"attribute,omitempty"`
}

type ScrapeAction struct {
	URL       string   `json:"url,omitempty"`
	Selectors []string `json:"selectors,omitempty"`
}

type SubmitAction struct {
	Selector string            `json:"selector"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type ScreenshotAction struct {
	FullPage bool `json:"full_page,omitempty"`
}

type WaitAction struct {
	Millis int64 `json:"millis"`
}

type PlaceOrderAction struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
}

// CustomAction passes adapter-specific work through untouched.
type CustomAction struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (NavigateAction) Type() ActionType   { return NavigateActionType }
func (ClickAction) Type() ActionType      { return ClickActionType }
func (TypeAction) Type() ActionType       { return TypeActionType }
func (ExtractAction) Type() ActionType    { return ExtractActionType }
func (ScrapeAction) Type() ActionType     { return ScrapeActionType }
func (SubmitAction) Type() ActionType     { return SubmitActionType }
func (ScreenshotAction) Type() ActionType { return ScreenshotActionType }
func (WaitAction) Type() ActionType       { return WaitActionType }
func (PlaceOrderAction) Type() ActionType { return PlaceOrderActionType }
func (CustomAction) Type() ActionType     { return CustomActionType }

// TargetURL returns the URL an action points at, if it has one.
func TargetURL(a Action) string {
	switch v := a.(type) {
	case NavigateAction:
		return v.URL
	case ScrapeAction:
		return v.URL
	default:
		return ""
	}
}

// DecodeAction decodes a single {"type": ..., ...} object into its variant.
func DecodeAction(data []byte) (Action, error) {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	var (
		a   Action
		err error
	)
	switch head.Type {
	case NavigateActionType:
		var v NavigateAction
		err = json.Unmarshal(data, &v)
		a = v
	case ClickActionType:
		var v ClickAction
		err = json.Unmarshal(data, &v)
		a = v
	case TypeActionType:
		var v TypeAction
		err = json.Unmarshal(data, &v)
		a = v
	case ExtractActionType:
		var v ExtractAction
		err = json.Unmarshal(data, &v)
		a = v
	case ScrapeActionType:
		var v ScrapeAction
		err = json.Unmarshal(data, &v)
		a = v
	case SubmitActionType:
		var v SubmitAction
		err = json.Unmarshal(data, &v)
		a = v
	case ScreenshotActionType:
		var v ScreenshotAction
		err = json.Unmarshal(data, &v)
		a = v
	case WaitActionType:
		var v WaitAction
		err = json.Unmarshal(data, &v)
		a = v
	case PlaceOrderActionType:
		var v PlaceOrderAction
		err = json.Unmarshal(data, &v)
		a = v
	case CustomActionType:
		var v CustomAction
		err = json.Unmarshal(data, &v)
		a = v
	case "":
		return nil, fmt.Errorf("decode action: missing type")
	default:
		return nil, fmt.Errorf("decode action: unknown type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s action: %w", head.Type, err)
	}
	return a, nil
}

// EncodeAction renders an action with its "type" discriminator.
func EncodeAction(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(a.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// ActionList is an ordered list of actions with discriminated JSON coding.
type ActionList []Action

func (l ActionList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, a := range l {
		b, err := EncodeAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (l *ActionList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode action list: %w", err)
	}
	out := make(ActionList, 0, len(raw))
	for i, r := range raw {
		a, err := DecodeAction(r)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}
