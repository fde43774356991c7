package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"loom/internal/llm"
)

type clockParams struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// Clock reports the current time. It exists so a registry always has at
// least one working built-in to exercise the tool round trip end to end.
type Clock struct {
	now func() time.Time
}

// NewClock constructs the clock tool.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Name() string { return "current_time" }

func (c *Clock) Description() string {
	return "Returns the current date and time, optionally in a given IANA timezone."
}

func (c *Clock) Schema() json.RawMessage {
	spec, err := llm.NewToolSpecFromStruct(c.Name(), c.Description(), clockParams{})
	if err != nil {
		// The params struct is static, so reflection cannot fail at runtime.
		panic(fmt.Sprintf("reflect clock schema: %v", err))
	}
	return spec.Schema
}

func (c *Clock) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var p clockParams
	if err := decodeParams(params, &p); err != nil {
		return Result{Text: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	loc := time.UTC
	if p.Timezone != "" {
		parsed, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return Result{Text: fmt.Sprintf("unknown timezone %q", p.Timezone), IsError: true}, nil
		}
		loc = parsed
	}

	now := c.now().In(loc)
	details, err := json.Marshal(map[string]any{
		"unixMillis": now.UnixMilli(),
		"timezone":   loc.String(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal clock details: %w", err)
	}
	return Result{
		Text:    now.Format(time.RFC1123),
		Details: details,
	}, nil
}
