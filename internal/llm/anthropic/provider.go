// Package anthropic adapts the canonical llm streaming contract to the
// official anthropic-sdk-go client.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"loom/internal/llm"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey       string
	BaseURL      string
	Version      string
	HTTPClient   *http.Client
	Retry        llm.RetryPolicy
	ModelPricing map[string]llm.ModelPricing
}

// Provider is a thin wrapper around the official anthropic-sdk-go client.
type Provider struct {
	apiKey  string
	retry   llm.RetryPolicy
	pricing map[string]llm.ModelPricing

	client sdk.Client
}

// New constructs a provider with sane defaults.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	version := strings.TrimSpace(cfg.Version)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	pricing := cfg.ModelPricing
	if pricing == nil {
		pricing = map[string]llm.ModelPricing{}
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	clientOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0), // explicit retry behavior in this package
	}
	if baseURL != "" {
		clientOptions = append(clientOptions, option.WithBaseURL(baseURL))
	}
	if version != "" {
		clientOptions = append(clientOptions, option.WithHeader("anthropic-version", version))
	}

	return &Provider{
		apiKey:  apiKey,
		retry:   cfg.Retry.Normalized(),
		pricing: pricing,
		client:  sdk.NewClient(clientOptions...),
	}
}

// Stream executes a single Anthropic Messages API streaming request.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error) {
	if p == nil {
		return nil, fmt.Errorf("anthropic provider is nil")
	}
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, llm.ErrMissingAPIKey
	}

	params, err := toSDKParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan llm.Event, 1)
	retry := p.retry.Overlay(req.Retry)

	go func() {
		defer close(events)
		state := &streamState{reason: llm.StopReasonStop}
		if err := p.streamWithRetry(ctx, params, req.Model, retry, events, state); err != nil {
			reason := llm.StopReasonError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = llm.StopReasonAborted
			}
			llm.SendTerminalEvent(events, llm.Event{
				Type: llm.EventError,
				Done: &llm.DonePayload{
					Reason: reason,
					Usage:  state.usage,
				},
				Err: fmt.Errorf("anthropic stream: %w", err),
			})
		}
	}()

	return events, nil
}

// streamState tracks incremental response state across one logical stream request.
type streamState struct {
	usage            llm.Usage
	reason           llm.StopReason
	emittedVisible   bool
	startEmitted     bool
	emittedDone      bool
	toolAccumulators map[int]*toolCallAccumulator
}

// toolCallAccumulator incrementally reconstructs chunked JSON tool arguments.
type toolCallAccumulator struct {
	id   string
	name string
	buf  strings.Builder
}

// streamWithRetry retries failed streams only when no visible output has been emitted yet.
func (p *Provider) streamWithRetry(
	ctx context.Context,
	params sdk.MessageNewParams,
	model string,
	retry llm.RetryPolicy,
	events chan<- llm.Event,
	state *streamState,
) error {
	attempt := 0
	for {
		attemptErr := p.streamOnce(ctx, params, model, events, state)
		if attemptErr == nil {
			return nil
		}
		if errors.Is(attemptErr, context.Canceled) || errors.Is(attemptErr, context.DeadlineExceeded) {
			return attemptErr
		}
		if !llm.IsTransient(attemptErr) || state.emittedVisible || attempt >= retry.MaxRetries {
			return attemptErr
		}

		delay := retry.Backoff(attempt)
		if err := llm.Wait(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// streamOnce consumes one SDK stream and emits canonical events.
func (p *Provider) streamOnce(
	ctx context.Context,
	params sdk.MessageNewParams,
	model string,
	events chan<- llm.Event,
	state *streamState,
) error {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() {
		_ = stream.Close()
	}()

	if !state.startEmitted {
		if err := llm.SendEvent(ctx, events, llm.Event{Type: llm.EventStart}); err != nil {
			return err
		}
		state.startEmitted = true
	}

	if state.toolAccumulators == nil {
		state.toolAccumulators = map[int]*toolCallAccumulator{}
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		event := stream.Current()
		if err := p.handleSDKStreamEvent(ctx, event, model, events, state); err != nil {
			return err
		}
		if state.emittedDone {
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := fmt.Errorf("anthropic sdk stream: %w", err)
		if isRetryableProviderError(err) {
			return llm.Transient(wrapped)
		}
		return wrapped
	}

	if state.emittedDone {
		return nil
	}

	return llm.Transient(errors.New("anthropic stream ended without message_stop"))
}

// handleSDKStreamEvent maps raw Anthropic stream events into canonical event payloads.
func (p *Provider) handleSDKStreamEvent(
	ctx context.Context,
	event sdk.MessageStreamEventUnion,
	model string,
	events chan<- llm.Event,
	state *streamState,
) error {
	switch variant := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		applyStartUsage(&state.usage, variant.Message.Usage)
		state.usage.TotalTokens = state.usage.TokenCount()
		state.usage.CostUSD = p.calculateCost(model, state.usage)
		return llm.SendEvent(ctx, events, llm.Event{Type: llm.EventUsage, Usage: state.usage.Clone()})

	case sdk.ContentBlockStartEvent:
		switch block := variant.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			start := &llm.ContentBlockStart{
				Index: variant.Index,
				Type:  string(block.Type),
				Text:  block.Text,
				Raw:   llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			})

		case sdk.ThinkingBlock:
			start := &llm.ContentBlockStart{
				Index:     variant.Index,
				Type:      string(block.Type),
				Thinking:  block.Thinking,
				Signature: block.Signature,
				Raw:       llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			})

		case sdk.RedactedThinkingBlock:
			start := &llm.ContentBlockStart{
				Index: variant.Index,
				Type:  string(block.Type),
				Data:  block.Data,
				Raw:   llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			})

		case sdk.ToolUseBlock:
			rawInput, err := llm.MarshalToolInput(block.Input)
			if err != nil {
				return fmt.Errorf("marshal tool_use input: %w", err)
			}

			acc := &toolCallAccumulator{id: block.ID, name: block.Name}
			if len(rawInput) > 0 && string(rawInput) != "{}" {
				_, _ = acc.buf.Write(rawInput)
			}
			state.toolAccumulators[int(variant.Index)] = acc
			state.emittedVisible = true

			start := &llm.ContentBlockStart{
				Index: variant.Index,
				Type:  string(block.Type),
				ID:    block.ID,
				Name:  block.Name,
				Input: append(json.RawMessage(nil), rawInput...),
				Raw:   llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			if err := llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			}); err != nil {
				return err
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type: llm.EventToolCallStart,
				ToolCall: &llm.ToolCall{
					ID:        block.ID,
					Name:      block.Name,
					Arguments: append(json.RawMessage(nil), rawInput...),
				},
			})

		case sdk.ServerToolUseBlock:
			rawInput, err := llm.MarshalToolInput(block.Input)
			if err != nil {
				return fmt.Errorf("marshal server_tool_use input: %w", err)
			}
			start := &llm.ContentBlockStart{
				Index: variant.Index,
				Type:  string(block.Type),
				ID:    block.ID,
				Name:  string(block.Name),
				Input: append(json.RawMessage(nil), rawInput...),
				Raw:   llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			})

		case sdk.WebSearchToolResultBlock:
			start := &llm.ContentBlockStart{
				Index:     variant.Index,
				Type:      string(block.Type),
				ToolUseID: block.ToolUseID,
				Raw:       llm.RawJSONFromString(variant.ContentBlock.RawJSON()),
			}
			return llm.SendEvent(ctx, events, llm.Event{
				Type:              llm.EventContentBlockStart,
				ContentBlockStart: start,
			})
		default:
			return fmt.Errorf("unsupported content_block_start block: %T", block)
		}

	case sdk.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case sdk.TextDelta:
			state.emittedVisible = true
			return llm.SendEvent(ctx, events, llm.Event{Type: llm.EventTextDelta, TextDelta: delta.Text})
		case sdk.ThinkingDelta:
			return llm.SendEvent(ctx, events, llm.Event{Type: llm.EventThinkingDelta, ThinkingDelta: delta.Thinking})
		case sdk.SignatureDelta:
			return nil
		case sdk.InputJSONDelta:
			acc, ok := state.toolAccumulators[int(variant.Index)]
			if !ok {
				return fmt.Errorf("tool_call accumulator not found for index %d", variant.Index)
			}
			_, _ = acc.buf.WriteString(delta.PartialJSON)
			state.emittedVisible = true
			return llm.SendEvent(ctx, events, llm.Event{Type: llm.EventToolCallDelta, ToolCallDelta: delta.PartialJSON})
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		acc, ok := state.toolAccumulators[int(variant.Index)]
		if !ok {
			return nil
		}
		delete(state.toolAccumulators, int(variant.Index))

		rawArgs := bytes.TrimSpace([]byte(acc.buf.String()))
		if len(rawArgs) == 0 {
			rawArgs = []byte("{}")
		}
		if !json.Valid(rawArgs) {
			return fmt.Errorf("tool_call arguments are not valid JSON")
		}

		state.emittedVisible = true
		return llm.SendEvent(ctx, events, llm.Event{
			Type: llm.EventToolCallEnd,
			ToolCall: &llm.ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: append(json.RawMessage(nil), rawArgs...),
			},
		})

	case sdk.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			reason, err := mapStopReason(string(variant.Delta.StopReason))
			if err != nil {
				return err
			}
			state.reason = reason
		}
		applyDeltaUsage(&state.usage, variant.Usage)
		state.usage.TotalTokens = state.usage.TokenCount()
		state.usage.CostUSD = p.calculateCost(model, state.usage)
		return llm.SendEvent(ctx, events, llm.Event{Type: llm.EventUsage, Usage: state.usage.Clone()})

	case sdk.MessageStopEvent:
		state.emittedDone = true
		return llm.SendEvent(ctx, events, llm.Event{
			Type: llm.EventDone,
			Done: &llm.DonePayload{
				Reason: state.reason,
				Usage:  state.usage,
			},
		})
	}

	return nil
}

// calculateCost returns computed cost when pricing is configured for the requested model.
func (p *Provider) calculateCost(model string, usage llm.Usage) float64 {
	pricing, ok := p.pricing[model]
	if !ok {
		return 0
	}
	return pricing.Cost(usage)
}

// isRetryableProviderError identifies transient transport/API failures worth retrying.
func isRetryableProviderError(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// applyStartUsage maps message_start usage counters to canonical usage fields.
func applyStartUsage(dst *llm.Usage, usage sdk.Usage) {
	dst.InputTokens = int(usage.InputTokens)
	dst.OutputTokens = int(usage.OutputTokens)
	dst.CacheReadTokens = int(usage.CacheReadInputTokens)
	dst.CacheWriteTokens = int(usage.CacheCreationInputTokens)
}

// applyDeltaUsage maps message_delta usage counters to canonical usage fields.
func applyDeltaUsage(dst *llm.Usage, usage sdk.MessageDeltaUsage) {
	dst.InputTokens = int(usage.InputTokens)
	dst.OutputTokens = int(usage.OutputTokens)
	dst.CacheReadTokens = int(usage.CacheReadInputTokens)
	dst.CacheWriteTokens = int(usage.CacheCreationInputTokens)
}
