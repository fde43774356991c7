package agent

import (
	"encoding/json"
	"strings"
	"time"

	"loom/internal/llm"
)

const persistTimeout = 5 * time.Second

// accumulator folds a provider event stream into the end-state assistant
// message: full text, full thinking, and the completed tool calls.
type accumulator struct {
	text          strings.Builder
	thinking      strings.Builder
	toolCallOrder []string
	toolCallsByID map[string]llm.ToolCall
	usage         *llm.Usage
}

func newAccumulator() *accumulator {
	return &accumulator{
		toolCallsByID: make(map[string]llm.ToolCall),
	}
}

func (a *accumulator) consume(ev llm.Event) {
	switch ev.Type {
	case llm.EventContentBlockStart:
		if ev.ContentBlockStart == nil {
			return
		}
		if ev.ContentBlockStart.Type == "text" && ev.ContentBlockStart.Text != "" {
			a.text.WriteString(ev.ContentBlockStart.Text)
		}
		if ev.ContentBlockStart.Type == "thinking" && ev.ContentBlockStart.Thinking != "" {
			a.thinking.WriteString(ev.ContentBlockStart.Thinking)
		}
	case llm.EventTextDelta:
		a.text.WriteString(ev.TextDelta)
	case llm.EventThinkingDelta:
		a.thinking.WriteString(ev.ThinkingDelta)
	case llm.EventToolCallStart, llm.EventToolCallEnd:
		if ev.ToolCall != nil {
			a.upsertToolCall(*ev.ToolCall)
		}
	case llm.EventUsage:
		if ev.Usage != nil {
			usage := *ev.Usage
			a.usage = &usage
		}
	}
}

func (a *accumulator) upsertToolCall(call llm.ToolCall) {
	if _, exists := a.toolCallsByID[call.ID]; !exists {
		a.toolCallOrder = append(a.toolCallOrder, call.ID)
	}
	cloned := call
	cloned.Arguments = append(json.RawMessage(nil), call.Arguments...)
	a.toolCallsByID[call.ID] = cloned
}

// buildMessage returns the accumulated assistant message. ok is false when
// nothing streamed, meaning there is nothing worth persisting.
func (a *accumulator) buildMessage() (llm.Message, bool) {
	var toolCalls []llm.ToolCall
	for _, id := range a.toolCallOrder {
		if call, ok := a.toolCallsByID[id]; ok {
			toolCalls = append(toolCalls, call)
		}
	}

	text := strings.TrimSpace(a.text.String())
	if text == "" && len(toolCalls) == 0 {
		return llm.Message{}, false
	}

	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Thinking:  strings.TrimSpace(a.thinking.String()),
		ToolCalls: toolCalls,
	}
	if text != "" {
		msg.Content = []llm.ContentBlock{{
			Type: llm.ContentTypeText,
			Text: text,
		}}
	}
	return msg, true
}
