// Package agent drives one conversation turn: assemble the current branch,
// stream the model response, execute requested tools, and persist every
// step back into the session store.
package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"loom/internal/llm"
	"loom/internal/session"
	"loom/internal/store"
	"loom/internal/tools"
)

var (
	ErrProviderRequired = errors.New("provider is required")
	ErrManagerRequired  = errors.New("session manager is required")
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")
)

const defaultMaxTurns = 16

// Config configures a Runner.
type Config struct {
	Manager  *session.Manager
	Provider llm.Provider
	Registry *tools.Registry

	// DefaultModel is used until the session records a model of its own.
	DefaultModel store.ModelRef
	System       string
	MaxTokens    int
	MaxTurns     int

	// AutoCompactMessages triggers compaction when the branch exceeds this
	// many message entries; 0 disables it. CompactionKeep messages survive.
	AutoCompactMessages int
	CompactionKeep      int

	Logger *zap.Logger
}

// Runner executes turns against one provider. Safe for concurrent use
// across sessions; same-session turns serialize on the manager's lock per
// append.
type Runner struct {
	cfg Config
	log *zap.Logger
}

// NewRunner validates the wiring and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Provider == nil {
		return nil, ErrProviderRequired
	}
	if cfg.Manager == nil {
		return nil, ErrManagerRequired
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log}, nil
}

// Submit appends the user message and runs the turn loop, streaming events
// to the returned channel. The channel closes when the turn finishes. All
// persistence happens inside; callers only render events.
func (r *Runner) Submit(ctx context.Context, sessionID, text string) (<-chan llm.Event, error) {
	if _, err := r.cfg.Manager.AppendUserMessage(ctx, sessionID, text); err != nil {
		return nil, err
	}
	if r.cfg.AutoCompactMessages > 0 {
		_, err := r.cfg.Manager.AutoCompact(ctx, sessionID, r.cfg.AutoCompactMessages, r.cfg.CompactionKeep)
		if err != nil && !errors.Is(err, session.ErrCompactionNotNeeded) {
			return nil, err
		}
	}

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		if err := r.runLoop(ctx, sessionID, out); err != nil {
			llm.SendTerminalEvent(out, llm.Event{Type: llm.EventError, Err: err})
		}
	}()
	return out, nil
}

// runLoop streams model turns until the model stops asking for tools or the
// turn budget runs out.
func (r *Runner) runLoop(ctx context.Context, sessionID string, out chan<- llm.Event) error {
	for turn := 0; turn < r.cfg.MaxTurns; turn++ {
		_, assembled, err := r.cfg.Manager.Context(ctx, sessionID)
		if err != nil {
			return err
		}

		req := r.buildRequest(assembled)
		stream, err := r.cfg.Provider.Stream(ctx, req)
		if err != nil {
			return err
		}

		outcome, err := r.consumeStream(ctx, sessionID, assembled, stream, out)
		if err != nil {
			return err
		}
		if outcome.terminalErr {
			return nil
		}

		if outcome.stopReason == llm.StopReasonToolUse && len(outcome.message.ToolCalls) > 0 {
			if err := r.executeTools(ctx, sessionID, outcome.message.ToolCalls, out); err != nil {
				return err
			}
			continue
		}
		return nil
	}
	return ErrMaxTurnsExceeded
}

func (r *Runner) buildRequest(assembled session.Context) *llm.Request {
	model := assembled.Model
	if model.IsZero() {
		model = r.cfg.DefaultModel
	}
	req := &llm.Request{
		Model:     model.ModelID,
		System:    r.cfg.System,
		Messages:  llm.CloneMessages(assembled.Messages),
		MaxTokens: r.cfg.MaxTokens,
		Thinking:  assembled.ThinkingLevel,
	}
	if r.cfg.Registry != nil {
		req.Tools = r.cfg.Registry.Specs()
	}
	return req
}

type turnOutcome struct {
	message     llm.Message
	stopReason  llm.StopReason
	terminalErr bool
}

// consumeStream forwards provider events to the caller while accumulating
// the assistant message, then persists it. Cancellation mid-stream persists
// whatever text already streamed; the persist itself runs on a detached
// context so the partial turn is never lost.
func (r *Runner) consumeStream(
	ctx context.Context,
	sessionID string,
	assembled session.Context,
	stream <-chan llm.Event,
	out chan<- llm.Event,
) (turnOutcome, error) {
	acc := newAccumulator()

	// Persisting runs on a detached context so a cancelled turn still keeps
	// the text that already streamed.
	persistStreamed := func() {
		msg, ok := acc.buildMessage()
		if !ok {
			return
		}
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if _, err := r.cfg.Manager.AppendAssistantMessage(persistCtx, sessionID, msg, r.modelRef(assembled)); err != nil {
			r.log.Error("persist streamed assistant message failed",
				zap.String("session", sessionID), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			persistStreamed()
			return turnOutcome{}, ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				persistStreamed()
				return turnOutcome{}, errors.New("provider stream ended without terminal event")
			}
			if err := forward(ctx, out, ev); err != nil {
				persistStreamed()
				return turnOutcome{}, err
			}
			acc.consume(ev)

			switch ev.Type {
			case llm.EventError:
				// The provider already emitted the terminal error; keep any
				// streamed text.
				persistStreamed()
				return turnOutcome{terminalErr: true}, nil
			case llm.EventDone:
				msg, built := acc.buildMessage()
				if built {
					if _, err := r.cfg.Manager.AppendAssistantMessage(ctx, sessionID, msg, r.modelRef(assembled)); err != nil {
						return turnOutcome{}, err
					}
				}
				outcome := turnOutcome{message: msg}
				if ev.Done != nil {
					outcome.stopReason = ev.Done.Reason
				}
				return outcome, nil
			}
		}
	}
}

// executeTools runs every requested call and persists the results as one
// tool-result message, so the next model turn sees them.
func (r *Runner) executeTools(ctx context.Context, sessionID string, calls []llm.ToolCall, out chan<- llm.Event) error {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		result := r.executeOne(ctx, call)
		results = append(results, result)

		ev := llm.Event{Type: llm.EventToolResult, ToolResult: &result}
		if err := forward(ctx, out, ev); err != nil {
			return err
		}
	}
	_, err := r.cfg.Manager.AppendToolResultMessage(ctx, sessionID, results)
	return err
}

func (r *Runner) executeOne(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	result := llm.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	if r.cfg.Registry == nil {
		result.Content = "no tools available"
		result.IsError = true
		return result
	}

	run, err := r.cfg.Registry.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result
	}
	result.Content = run.Text
	result.Details = run.Details
	result.IsError = run.IsError
	return result
}

func (r *Runner) modelRef(assembled session.Context) store.ModelRef {
	if !assembled.Model.IsZero() {
		return assembled.Model
	}
	return r.cfg.DefaultModel
}

func forward(ctx context.Context, out chan<- llm.Event, ev llm.Event) error {
	return llm.SendEvent(ctx, out, ev)
}
