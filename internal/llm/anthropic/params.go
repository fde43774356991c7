package anthropic

import (
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"loom/internal/llm"
)

// defaultMaxTokens is used when callers do not provide an explicit token budget.
const defaultMaxTokens = 4096

// thinkingBudgetTokens maps a thinking level to an extended-thinking budget.
func thinkingBudgetTokens(level llm.ThinkingLevel) int64 {
	switch level {
	case llm.ThinkingLow:
		return 2048
	case llm.ThinkingMedium:
		return 8192
	case llm.ThinkingHigh:
		return 16384
	default:
		return 0
	}
}

// mapStopReason maps Anthropic stop reasons to canonical provider-agnostic values.
func mapStopReason(reason string) (llm.StopReason, error) {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return llm.StopReasonStop, nil
	case "max_tokens":
		return llm.StopReasonLength, nil
	case "tool_use":
		return llm.StopReasonToolUse, nil
	case "refusal", "sensitive":
		return llm.StopReasonError, nil
	default:
		return "", fmt.Errorf("unhandled stop reason: %s", reason)
	}
}

// toSDKParams validates and converts a canonical request into SDK params.
func toSDKParams(req *llm.Request) (sdk.MessageNewParams, error) {
	if req == nil {
		return sdk.MessageNewParams{}, fmt.Errorf("%w: request is nil", llm.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return sdk.MessageNewParams{}, fmt.Errorf("%w: model is required", llm.ErrInvalidRequest)
	}

	messages, err := toSDKMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if budget := thinkingBudgetTokens(req.Thinking); budget > 0 {
		// The API requires max_tokens to exceed the thinking budget.
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + int64(defaultMaxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toSDKTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if toolChoice, ok := toSDKToolChoice(req.ToolChoice); ok {
		params.ToolChoice = toolChoice
	}
	if userID := strings.TrimSpace(req.Metadata["user_id"]); userID != "" {
		params.Metadata = sdk.MetadataParam{UserID: sdk.String(userID)}
	}

	return params, nil
}

// toSDKMessages converts canonical conversation messages into Anthropic SDK messages.
func toSDKMessages(messages []llm.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case llm.RoleUser:
			blocks := toSDKTextBlocks(msg.Content)
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			blocks := toSDKAssistantBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			blocks, next, err := collectSDKToolResultBlocks(messages, i)
			if err != nil {
				return nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewUserMessage(blocks...))
			i = next
		default:
			return nil, fmt.Errorf("%w: unsupported role %q", llm.ErrInvalidRequest, msg.Role)
		}
	}

	return out, nil
}

// toSDKTextBlocks keeps only non-empty text blocks supported by this integration.
func toSDKTextBlocks(content []llm.ContentBlock) []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(content))
	for _, item := range content {
		if item.Type != llm.ContentTypeText {
			continue
		}
		text := item.Text
		if text == "" {
			continue
		}
		blocks = append(blocks, sdk.NewTextBlock(text))
	}
	return blocks
}

// toSDKAssistantBlocks builds assistant blocks, including tool_use blocks when present.
// Thinking text is never resent; the API regenerates it per request.
func toSDKAssistantBlocks(msg llm.Message) []sdk.ContentBlockParamUnion {
	blocks := toSDKTextBlocks(msg.Content)
	for _, call := range msg.ToolCalls {
		if strings.TrimSpace(call.ID) == "" || strings.TrimSpace(call.Name) == "" {
			continue
		}
		input := llm.DecodeJSONObjectOrEmpty(call.Arguments)
		blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
	}
	return blocks
}

// collectSDKToolResultBlocks groups consecutive tool-result messages into one SDK user message.
func collectSDKToolResultBlocks(messages []llm.Message, start int) ([]sdk.ContentBlockParamUnion, int, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0)
	last := start

	for j := start; j < len(messages); j++ {
		msg := messages[j]
		if msg.Role != llm.RoleTool {
			break
		}
		last = j

		for _, tr := range msg.ToolResults {
			if strings.TrimSpace(tr.ToolCallID) == "" {
				return nil, 0, fmt.Errorf("%w: tool result missing tool_call_id", llm.ErrInvalidRequest)
			}
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
	}

	return blocks, last, nil
}

// toSDKTools converts canonical tool specs into Anthropic SDK tool definitions.
func toSDKTools(tools []llm.ToolSpec) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema, err := llm.DecodeToolJSONSchema(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("decode tool schema for %q: %w", tool.Name, err)
		}
		inputSchema := sdk.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		}
		toolParam := sdk.ToolParam{
			Name:        tool.Name,
			InputSchema: inputSchema,
		}
		if strings.TrimSpace(tool.Description) != "" {
			toolParam.Description = sdk.String(tool.Description)
		}

		out = append(out, sdk.ToolUnionParam{OfTool: &toolParam})
	}
	return out, nil
}

// toSDKToolChoice maps canonical tool choice behavior to Anthropic SDK union params.
func toSDKToolChoice(choice llm.ToolChoice) (sdk.ToolChoiceUnionParam, bool) {
	switch choice.Type {
	case llm.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}, true
	case llm.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, true
	case llm.ToolChoiceNone:
		return sdk.ToolChoiceUnionParam{OfNone: &sdk.ToolChoiceNoneParam{}}, true
	case llm.ToolChoiceTool:
		if strings.TrimSpace(choice.Name) == "" {
			return sdk.ToolChoiceUnionParam{}, false
		}
		return sdk.ToolChoiceUnionParam{OfTool: &sdk.ToolChoiceToolParam{Name: choice.Name}}, true
	default:
		return sdk.ToolChoiceUnionParam{}, false
	}
}
