package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeTool struct {
	name string
	run  func(ctx context.Context, params json.RawMessage) (Result, error)
}

func (f fakeTool) Name() string { return f.name }

func (f fakeTool) Description() string { return "fake tool" }

func (f fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (f fakeTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	if f.run == nil {
		return Result{}, nil
	}
	return f.run(ctx, params)
}

func TestRegistryRegisterGetAndExecute(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	called := false
	tool := fakeTool{
		name: "echo",
		run: func(ctx context.Context, params json.RawMessage) (Result, error) {
			_ = ctx
			called = true
			return Result{Text: string(params)}, nil
		},
	}

	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	gotTool, err := reg.Get("echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotTool.Name() != "echo" {
		t.Fatalf("Get().Name() = %q, want echo", gotTool.Name())
	}

	got, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{"x":"y"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !called {
		t.Fatalf("tool Execute() was not called")
	}
	if got.Text != `{"x":"y"}` {
		t.Fatalf("Execute().Text = %q, want JSON input echo", got.Text)
	}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tool := fakeTool{name: "echo"}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	err := reg.Register(tool)
	if !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Fatalf("second Register() error = %v, want ErrToolAlreadyRegistered", err)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	got, err := reg.Execute(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v, want error-flagged result instead", err)
	}
	if !got.IsError {
		t.Fatalf("Execute() result = %+v, want IsError", got)
	}
	if !strings.Contains(got.Text, "missing") {
		t.Fatalf("Execute().Text = %q, want tool name mentioned", got.Text)
	}
}

func TestRegistrySpecs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(fakeTool{name: "zeta"}, fakeTool{name: "alpha"})
	specs := reg.Specs()
	if len(specs) != 2 {
		t.Fatalf("Specs() = %d specs, want 2", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Fatalf("Specs() order = [%s %s], want name order", specs[0].Name, specs[1].Name)
	}
	if len(specs[0].Schema) == 0 {
		t.Fatal("Specs() schema is empty")
	}
}

func TestClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)
	clock := &Clock{now: func() time.Time { return fixed }}

	got, err := clock.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.IsError {
		t.Fatalf("Execute() result = %+v, want success", got)
	}
	if !strings.Contains(got.Text, "2025") {
		t.Fatalf("Execute().Text = %q, want formatted time", got.Text)
	}

	var details struct {
		UnixMillis int64  `json:"unixMillis"`
		Timezone   string `json:"timezone"`
	}
	if err := json.Unmarshal(got.Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.UnixMillis != fixed.UnixMilli() {
		t.Fatalf("details.unixMillis = %d, want %d", details.UnixMillis, fixed.UnixMilli())
	}

	t.Run("bad timezone flagged", func(t *testing.T) {
		got, err := clock.Execute(context.Background(), json.RawMessage(`{"timezone":"Nowhere/Left"}`))
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !got.IsError {
			t.Fatalf("Execute() result = %+v, want IsError", got)
		}
	})
}
