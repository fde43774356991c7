package session

import (
	"strings"

	"go.uber.org/zap"

	"loom/internal/llm"
	"loom/internal/store"
)

// emptySummaryNotice stands in for a compaction whose summary text was left
// blank so the replacement of earlier history stays visible in the context.
const emptySummaryNotice = "Earlier conversation history was compacted."

// Context is the assembled model-facing view of one branch: the ordered
// message list plus the session-level settings derived from the path.
type Context struct {
	Messages      []llm.Message
	Model         store.ModelRef
	ThinkingLevel llm.ThinkingLevel
}

// Assemble converts a reconstructed path into a Context. The settings pass
// picks the latest thinking level and model reference; the emission pass
// turns entries into messages, replaying only what the active compaction
// keeps.
func Assemble(path *Path, log *zap.Logger) Context {
	out := Context{ThinkingLevel: llm.ThinkingOff}

	// Settings pass. Later position wins for both the thinking level and
	// the model reference, whether the model came from an explicit change
	// entry or rode along on an assistant message.
	for _, item := range path.Items {
		switch payload := item.Payload.(type) {
		case *store.ThinkingLevelPayload:
			out.ThinkingLevel = payload.ThinkingLevel
		case *store.ModelChangePayload:
			out.Model = payload.Ref()
		case *store.MessagePayload:
			if payload.Role == string(llm.RoleAssistant) && payload.Model != nil && !payload.Model.IsZero() {
				out.Model = *payload.Model
			}
		}
	}

	comp := path.ActiveCompaction(log)
	if comp == nil {
		for _, item := range path.Items {
			emit(&out, item)
		}
		return out
	}

	// The synthetic summary message is emitted whenever a compaction is
	// active, even when its summary text is blank, so the model always sees
	// that earlier history was replaced rather than a silently shorter
	// conversation.
	summary := strings.TrimSpace(comp.Payload.Summary)
	if summary == "" {
		summary = emptySummaryNotice
	}
	msg := llm.UserTextMessage(summary)
	msg.IsCompactionSummary = true
	out.Messages = append(out.Messages, msg)

	for i := comp.FirstKeptIndex; i < comp.Index; i++ {
		emit(&out, path.Items[i])
	}
	for i := comp.Index + 1; i < len(path.Items); i++ {
		emit(&out, path.Items[i])
	}
	return out
}

// emit appends the message form of one item, if it has one. Settings and
// bookkeeping entries contribute nothing here.
func emit(out *Context, item Item) {
	switch payload := item.Payload.(type) {
	case *store.MessagePayload:
		if msg, ok := messageFromPayload(payload); ok {
			out.Messages = append(out.Messages, msg)
		}
	case *store.ToolCallPayload:
		// Standalone tool_call entries mirror calls already embedded in the
		// assistant message body; emitting both would duplicate them.
	case *store.ToolResultPayload:
		out.Messages = append(out.Messages, llm.Message{
			Role:        llm.RoleTool,
			ToolResults: []llm.ToolResult{payload.Result},
		})
	case *store.CustomMessagePayload:
		if !payload.Display {
			return
		}
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			text = strings.TrimSpace(string(payload.Content))
		}
		if text != "" {
			out.Messages = append(out.Messages, llm.UserTextMessage(text))
		}
	}
}

// messageFromPayload prefers the structured body and falls back to the
// flattened role/text pair for entries written without one.
func messageFromPayload(payload *store.MessagePayload) (llm.Message, bool) {
	msg := payload.Message
	if msg.Role != "" {
		return msg, true
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return llm.Message{}, false
	}
	switch payload.Role {
	case string(llm.RoleAssistant):
		return llm.AssistantTextMessage(text), true
	case string(llm.RoleUser), "":
		return llm.UserTextMessage(text), true
	default:
		return llm.Message{Role: llm.Role(payload.Role), Content: []llm.ContentBlock{{
			Type: llm.ContentTypeText,
			Text: text,
		}}}, true
	}
}
