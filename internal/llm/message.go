// Package llm defines the provider-agnostic conversation model and the
// streaming provider contract the session core talks to. Provider packages
// (anthropic, mock) translate these types to and from wire formats.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the message author in the canonical request format.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason represents the canonical reason a model response stopped.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// ThinkingLevel controls how much extended-thinking budget a request gets.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ParseThinkingLevel validates a thinking level string. Empty input maps to off.
func ParseThinkingLevel(raw string) (ThinkingLevel, error) {
	switch level := ThinkingLevel(strings.TrimSpace(raw)); level {
	case "":
		return ThinkingOff, nil
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return level, nil
	default:
		return "", fmt.Errorf("unknown thinking level %q", raw)
	}
}

// ContentType identifies content block variants.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeThinking ContentType = "thinking"
)

// ContentBlock is a canonical content unit.
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ToolCall represents a model-emitted tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult represents the local execution result for a tool call.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Content    string          `json:"content"`
	Details    json.RawMessage `json:"details,omitempty"`
	IsError    bool            `json:"is_error"`
}

// Message is the provider-agnostic conversation record.
//
// IsCompactionSummary marks the synthetic user-role message assembled from a
// compaction entry, so downstream consumers can tell it apart from a literal
// user utterance.
type Message struct {
	Role                Role           `json:"role"`
	Content             []ContentBlock `json:"content,omitempty"`
	Thinking            string         `json:"thinking,omitempty"`
	ToolCalls           []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults         []ToolResult   `json:"tool_results,omitempty"`
	IsCompactionSummary bool           `json:"is_compaction_summary,omitempty"`
}

// Text flattens the textual content blocks of a message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.Content))
	for _, block := range m.Content {
		if block.Type != ContentTypeText {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 && len(m.ToolResults) > 0 {
		for _, result := range m.ToolResults {
			if text := strings.TrimSpace(result.Content); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// UserTextMessage builds a plain user message from text.
func UserTextMessage(text string) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{{
			Type: ContentTypeText,
			Text: text,
		}},
	}
}

// AssistantTextMessage builds a plain assistant message from text.
func AssistantTextMessage(text string) Message {
	return Message{
		Role: RoleAssistant,
		Content: []ContentBlock{{
			Type: ContentTypeText,
			Text: text,
		}},
	}
}

// Usage tracks provider token accounting and computed cost.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// TokenCount returns the total tokens consumed across all usage buckets.
func (u Usage) TokenCount() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Clone returns a copy safe to share as pointer payload.
func (u Usage) Clone() *Usage {
	copied := u
	return &copied
}

// CloneMessages deep-copies a message slice so callers can mutate freely.
func CloneMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		copied := Message{
			Role:                message.Role,
			Content:             append([]ContentBlock(nil), message.Content...),
			Thinking:            message.Thinking,
			ToolCalls:           append([]ToolCall(nil), message.ToolCalls...),
			ToolResults:         append([]ToolResult(nil), message.ToolResults...),
			IsCompactionSummary: message.IsCompactionSummary,
		}
		out = append(out, copied)
	}
	return out
}
