package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestConvertAnthropicToOpenAI_FlattensSystemAndMessages(t *testing.T) {
	t.Parallel()

	req := &anthropic.MessagesRequest{
		Model:  "local-llama-3",
		System: "be terse",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "text", Text: "first line"},
				{Type: "text", Text: "second line"},
			}},
		},
	}

	out := ConvertAnthropicToOpenAI(req)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "first line\nsecond line", out.Messages[1].Content)
}

func TestConvertAnthropicToOpenAI_SkipsNonTextBlocks(t *testing.T) {
	t.Parallel()

	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "image", Source: &anthropic.ImageSource{MediaType: "image/png", Data: "Zm9v"}},
				{Type: "text", Text: "describe it"},
			}},
		},
	}

	out := ConvertAnthropicToOpenAI(req)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "describe it", out.Messages[0].Content)
}

func TestConvertAnthropicToOpenAI_ConvertsToolsAndToolChoice(t *testing.T) {
	t.Parallel()

	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "what's the weather"}}},
		},
		Tools: []anthropic.Tool{
			{Name: "get_weather", Description: "looks up the weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		ToolChoice: &anthropic.ToolChoice{Type: "tool", Name: "get_weather"},
	}

	out := ConvertAnthropicToOpenAI(req)

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)

	choice, ok := out.ToolChoice.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "function", choice["type"])
}

func TestConvertAnthropicToOpenAI_ExpandsToolUseAndToolResult(t *testing.T) {
	t.Parallel()

	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "what's the weather in sf"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "tool_use", ID: "toolu_abc", Name: "get_weather", Input: json.RawMessage(`{"city":"sf"}`)},
			}},
			{Role: "user", Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_abc", Content: "68F and sunny"},
			}},
		},
	}

	out := ConvertAnthropicToOpenAI(req)

	require.Len(t, out.Messages, 3)

	assistant := out.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_abc", assistant.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"sf"}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := out.Messages[2]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "toolu_abc", toolMsg.ToolCallID)
	assert.Equal(t, "68F and sunny", toolMsg.Content)
}

func TestConvertOpenAIToAnthropic_WrapsFirstChoice(t *testing.T) {
	t.Parallel()

	resp := &OpenAIResponse{
		Model: "local-llama-3",
		Choices: []OpenAIChoice{
			{Message: &OpenAIMessage{Role: "assistant", Content: "hello there"}},
		},
	}

	out := ConvertOpenAIToAnthropic(resp)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "hello there", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, "local-llama-3", out.Model)
}

func TestConvertOpenAIToAnthropic_PreservesToolCallID(t *testing.T) {
	t.Parallel()

	resp := &OpenAIResponse{
		Model: "local-llama-3",
		Choices: []OpenAIChoice{
			{Message: &OpenAIMessage{
				Role: "assistant",
				ToolCalls: []OpenAIToolCall{
					{ID: "call_1", Type: "function", Function: OpenAIToolCallFunc{Name: "get_weather", Arguments: `{"city":"sf"}`}},
				},
			}},
		},
	}

	out := ConvertOpenAIToAnthropic(resp)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "tool_use", out.Content[0].Type)
	assert.Equal(t, "call_1", out.Content[0].ID)
	assert.Equal(t, "get_weather", out.Content[0].Name)
	assert.JSONEq(t, `{"city":"sf"}`, string(out.Content[0].Input))
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestConvertOpenAIDeltaToAnthropic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		wantText     string
		wantFinished string
	}{
		{
			name:     "text delta",
			raw:      `{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
			wantText: "hi",
		},
		{
			name:         "finish reason with no text",
			raw:          `{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			wantFinished: "stop",
		},
		{
			name: "no choices",
			raw:  `{"id":"1","model":"local-llama-3","choices":[]}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			delta, err := ConvertOpenAIDeltaToAnthropic([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, delta.Text)
			assert.Equal(t, tt.wantFinished, delta.FinishReason)
		})
	}
}

func TestConvertOpenAIDeltaToAnthropic_ToolCallFragment(t *testing.T) {
	t.Parallel()

	raw := `{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`

	delta, err := ConvertOpenAIDeltaToAnthropic([]byte(raw))
	require.NoError(t, err)
	require.Len(t, delta.ToolCallDeltas, 1)
	assert.Equal(t, "call_1", delta.ToolCallDeltas[0].ID)
	assert.Equal(t, "get_weather", delta.ToolCallDeltas[0].Function.Name)
	assert.Equal(t, `{"city":`, delta.ToolCallDeltas[0].Function.Arguments)
}

func TestConvertOpenAIDeltaToAnthropic_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, err := ConvertOpenAIDeltaToAnthropic([]byte("not json"))
	require.Error(t, err)
}
