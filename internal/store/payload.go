package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"loom/internal/llm"
)

// EntryType tags the payload shape carried by an entry's data document.
type EntryType string

const (
	TypeMessage             EntryType = "message"
	TypeToolCall            EntryType = "tool_call"
	TypeToolResult          EntryType = "tool_result"
	TypeThinkingLevelChange EntryType = "thinking_level_change"
	TypeModelChange         EntryType = "model_change"
	TypeCompaction          EntryType = "compaction"
	TypeBranchSummary       EntryType = "branch_summary"
	TypeCustom              EntryType = "custom"
	TypeCustomMessage       EntryType = "custom_message"
)

// ValidEntryType reports whether t names a known entry type.
func ValidEntryType(t EntryType) bool {
	switch t {
	case TypeMessage, TypeToolCall, TypeToolResult, TypeThinkingLevelChange,
		TypeModelChange, TypeCompaction, TypeBranchSummary, TypeCustom,
		TypeCustomMessage:
		return true
	default:
		return false
	}
}

// ModelRef names a provider/model pair.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// IsZero reports whether the reference is unset.
func (m ModelRef) IsZero() bool {
	return m.Provider == "" && m.ModelID == ""
}

func (m ModelRef) String() string {
	if m.IsZero() {
		return ""
	}
	return m.Provider + "/" + m.ModelID
}

// Payload is the closed tagged union of entry data shapes. Exactly one
// concrete payload type exists per EntryType; payloads are decoded once at
// the storage boundary rather than carrying opaque JSON through the core.
type Payload interface {
	EntryType() EntryType
}

// MessagePayload carries one conversation message: the flattened text used
// for search and display, plus the full structured body handed to the
// model/transport layer. Tool calls and tool results ride inside the body.
type MessagePayload struct {
	Role    string          `json:"role"` // user | assistant | toolResult
	Text    string          `json:"text"`
	Message llm.Message     `json:"message"`
	Model   *ModelRef       `json:"model,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (*MessagePayload) EntryType() EntryType { return TypeMessage }

// ToolCallPayload records a standalone tool invocation entry.
type ToolCallPayload struct {
	Call llm.ToolCall `json:"call"`
}

func (*ToolCallPayload) EntryType() EntryType { return TypeToolCall }

// ToolResultPayload records a standalone tool result entry.
type ToolResultPayload struct {
	Result llm.ToolResult `json:"result"`
}

func (*ToolResultPayload) EntryType() EntryType { return TypeToolResult }

// ThinkingLevelPayload records a thinking-effort change.
type ThinkingLevelPayload struct {
	ThinkingLevel llm.ThinkingLevel `json:"thinkingLevel"`
}

func (*ThinkingLevelPayload) EntryType() EntryType { return TypeThinkingLevelChange }

// ModelChangePayload records an explicit model switch.
type ModelChangePayload struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

func (*ModelChangePayload) EntryType() EntryType { return TypeModelChange }

// Ref returns the payload as a ModelRef.
func (p *ModelChangePayload) Ref() ModelRef {
	return ModelRef{Provider: p.Provider, ModelID: p.ModelID}
}

// CompactionPayload summarizes a conversation prefix. Entries strictly before
// FirstKeptEntryID are dropped from context assembly and replaced by the
// summary; entries from FirstKeptEntryID up to (but excluding) the compaction
// entry are replayed verbatim.
type CompactionPayload struct {
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"firstKeptEntryId"`
	TokensBefore     int             `json:"tokensBefore"`
	Details          json.RawMessage `json:"details,omitempty"`
	FromHook         bool            `json:"fromHook"`
}

func (*CompactionPayload) EntryType() EntryType { return TypeCompaction }

// BranchSummaryPayload notes why the user rewound to an earlier entry.
// FromID is the rewind target entry id, or "root" when the leaf was reset to
// before the first entry.
type BranchSummaryPayload struct {
	FromID   string          `json:"fromId"`
	Summary  string          `json:"summary"`
	Details  json.RawMessage `json:"details,omitempty"`
	FromHook bool            `json:"fromHook"`
}

func (*BranchSummaryPayload) EntryType() EntryType { return TypeBranchSummary }

// CustomPayload carries opaque extension data that never reaches context
// assembly.
type CustomPayload struct {
	CustomType string          `json:"customType"`
	Payload    json.RawMessage `json:"payload"`
}

func (*CustomPayload) EntryType() EntryType { return TypeCustom }

// CustomMessagePayload carries extension data that is emitted as a
// provider-agnostic opaque message when Display is set.
type CustomMessagePayload struct {
	CustomType string          `json:"customType"`
	Content    json.RawMessage `json:"content"`
	Display    bool            `json:"display"`
	Details    json.RawMessage `json:"details,omitempty"`
	Text       string          `json:"text,omitempty"`
}

func (*CustomMessagePayload) EntryType() EntryType { return TypeCustomMessage }

// DecodePayload parses an entry's data document into its typed payload.
// Unknown types and unparsable documents yield an error; the caller wraps it
// in a MalformedEntryError with the entry id attached.
func DecodePayload(typ EntryType, data json.RawMessage) (Payload, error) {
	var target Payload
	switch typ {
	case TypeMessage:
		target = &MessagePayload{}
	case TypeToolCall:
		target = &ToolCallPayload{}
	case TypeToolResult:
		target = &ToolResultPayload{}
	case TypeThinkingLevelChange:
		target = &ThinkingLevelPayload{}
	case TypeModelChange:
		target = &ModelChangePayload{}
	case TypeCompaction:
		target = &CompactionPayload{}
	case TypeBranchSummary:
		target = &BranchSummaryPayload{}
	case TypeCustom:
		target = &CustomPayload{}
	case TypeCustomMessage:
		target = &CustomMessagePayload{}
	default:
		return nil, fmt.Errorf("unknown entry type %q", typ)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload for type %q", typ)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return target, nil
}

// EncodePayload serializes a typed payload back into an entry data document.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EntryType(), err)
	}
	return raw, nil
}

// extractSearchText pulls the flattened text out of searchable payloads
// without a full decode. Only message and custom_message entries are
// indexed; everything else returns "".
func extractSearchText(typ EntryType, data json.RawMessage) string {
	switch typ {
	case TypeMessage, TypeCustomMessage:
		return strings.TrimSpace(gjson.GetBytes(data, "text").String())
	default:
		return ""
	}
}
