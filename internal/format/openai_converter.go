// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file adds the Anthropic <-> OpenAI-compatible chat-completions transcoding used
// by the local gateway route, including OpenAI's function/tool-call shape.
package format

import (
	"encoding/json"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// OpenAIToolCallFunc carries a tool call's name and (possibly partial,
// when streamed) JSON-encoded arguments.
type OpenAIToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OpenAIToolCall represents one tool call, either complete (non-streaming
// message) or a fragment of one (streamed delta, keyed by Index).
type OpenAIToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function OpenAIToolCallFunc  `json:"function,omitempty"`
}

// OpenAIMessage represents a message in OpenAI chat-completions format.
type OpenAIMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// OpenAIToolDefinition describes a callable function, mirroring Anthropic's Tool.
type OpenAIToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAITool wraps a function definition in OpenAI's {"type":"function",...} envelope.
type OpenAITool struct {
	Type     string               `json:"type"`
	Function OpenAIToolDefinition `json:"function"`
}

// OpenAIRequest represents an OpenAI-compatible chat-completions request.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
}

// OpenAIChoice represents a single choice in a chat-completions response.
type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// OpenAIResponse represents an OpenAI-compatible chat-completions response.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
}

// ConvertAnthropicToOpenAI converts an Anthropic request into the OpenAI
// chat-completions shape, preserving tool definitions, tool_use/tool_result
// blocks, and tool_choice so the local gateway round trip stays lossless
// for tool-calling models.
func ConvertAnthropicToOpenAI(req *anthropic.MessagesRequest) *OpenAIRequest {
	out := &OpenAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if sys, ok := req.System.(string); ok && sys != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: sys})
	} else if blocks, ok := req.System.([]anthropic.ContentBlock); ok {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: flattenBlocks(blocks)})
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessageToOpenAI(msg)...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	out.ToolChoice = convertToolChoice(req.ToolChoice)

	return out
}

// convertMessageToOpenAI expands one Anthropic message into the OpenAI
// messages it maps to. tool_result blocks each become their own "tool"
// role message (OpenAI requires one message per tool_call_id), so a
// single Anthropic message can yield more than one OpenAI message.
func convertMessageToOpenAI(msg anthropic.Message) []OpenAIMessage {
	var out []OpenAIMessage

	var text string
	var toolCalls []OpenAIToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				Index: len(toolCalls),
				ID:    block.ID,
				Type:  "function",
				Function: OpenAIToolCallFunc{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			out = append(out, OpenAIMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    toolResultContentToString(block.Content),
			})
		}
	}

	if text != "" || len(toolCalls) > 0 {
		out = append([]OpenAIMessage{{
			Role:      msg.Role,
			Content:   text,
			ToolCalls: toolCalls,
		}}, out...)
	}

	return out
}

// toolResultContentToString flattens a tool_result block's Content, which
// per pkg/anthropic.ContentBlock can be either a plain string or a slice
// of content blocks.
func toolResultContentToString(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []anthropic.ContentBlock:
		return flattenBlocks(v)
	case []interface{}:
		var text string
		for _, raw := range v {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
		return text
	default:
		return ""
	}
}

func convertToolChoice(choice *anthropic.ToolChoice) interface{} {
	if choice == nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		}
	case "none":
		return "none"
	default:
		return nil
	}
}

func flattenBlocks(blocks []anthropic.ContentBlock) string {
	var text string
	for _, block := range blocks {
		if block.IsText() {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	return text
}

// ConvertOpenAIToAnthropic wraps a non-streaming OpenAI completion in an
// Anthropic message object, translating any tool_calls into tool_use
// content blocks with their IDs preserved.
func ConvertOpenAIToAnthropic(resp *OpenAIResponse) *anthropic.MessagesResponse {
	var content []anthropic.ContentBlock
	stopReason := "end_turn"

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			content = append(content, anthropic.ContentBlock{Type: "text", Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, toolCallToBlock(tc))
		}
		if len(msg.ToolCalls) > 0 {
			stopReason = "tool_use"
		}
	}

	if len(content) == 0 {
		content = []anthropic.ContentBlock{{Type: "text", Text: ""}}
	}

	return anthropic.NewMessagesResponse(
		anthropic.GenerateMessageID(),
		resp.Model,
		content,
		stopReason,
		&anthropic.Usage{},
	)
}

func toolCallToBlock(tc OpenAIToolCall) anthropic.ContentBlock {
	args := tc.Function.Arguments
	if args == "" {
		args = "{}"
	}
	return anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    tc.ID,
		Name:  tc.Function.Name,
		Input: json.RawMessage(args),
	}
}

// OpenAIStreamDelta is the normalized result of decoding one streamed
// chat-completions chunk: a text fragment, zero or more tool-call
// fragments (keyed by their OpenAI tool-call index), and an optional
// finish reason.
type OpenAIStreamDelta struct {
	Text           string
	ToolCallDeltas []OpenAIToolCall
	FinishReason   string
}

// ConvertOpenAIDeltaToAnthropic decodes one streamed OpenAI chunk into the
// pieces needed to drive Anthropic-shaped SSE events: text deltas pass
// through as-is, and tool-call fragments keep their OpenAI index so the
// caller can track which Anthropic content block each fragment's
// partial_json belongs to.
func ConvertOpenAIDeltaToAnthropic(raw []byte) (*OpenAIStreamDelta, error) {
	var chunk OpenAIResponse
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, err
	}
	if len(chunk.Choices) == 0 {
		return &OpenAIStreamDelta{}, nil
	}

	choice := chunk.Choices[0]
	delta := &OpenAIStreamDelta{FinishReason: choice.FinishReason}

	if choice.Delta != nil {
		delta.Text = choice.Delta.Content
		delta.ToolCallDeltas = choice.Delta.ToolCalls
	}

	return delta, nil
}
