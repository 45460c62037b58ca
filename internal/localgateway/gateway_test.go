package localgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestSendMessage_WrapsUpstreamResponse(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","model":"local-llama-3","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{LocalLLMURL: upstream.URL, LocalLLMKey: "secret"}
	client := NewClient(cfg)

	req := &anthropic.MessagesRequest{
		Model:    "local-llama-3",
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}}},
	}

	resp, err := client.SendMessage(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hi there", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestSendMessage_UpstreamErrorIsWrapped(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer upstream.Close()

	cfg := &config.Config{LocalLLMURL: upstream.URL}
	client := NewClient(cfg)

	req := &anthropic.MessagesRequest{
		Model:    "local-llama-3",
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}}},
	}

	_, err := client.SendMessage(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Local Agent Error")
}

func TestSendMessageStream_EmitsAnthropicShapedEvents(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"id\":\"1\",\"model\":\"local-llama-3\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: {\"id\":\"1\",\"model\":\"local-llama-3\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	cfg := &config.Config{LocalLLMURL: upstream.URL}
	client := NewClient(cfg)

	req := &anthropic.MessagesRequest{
		Model:    "local-llama-3",
		Stream:   true,
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}}},
	}

	events, errs := client.SendMessageStream(context.Background(), req)

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	require.NoError(t, <-errs)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)
}

func TestSendMessageStream_InterleavesTextAndToolCallBlocks(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		chunks := []string{
			`{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{"content":"let me check"}}]}`,
			`{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
			`{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":\"sf\"}"}}]}}]}`,
			`{"id":"1","model":"local-llama-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	cfg := &config.Config{LocalLLMURL: upstream.URL}
	client := NewClient(cfg)

	req := &anthropic.MessagesRequest{
		Model:    "local-llama-3",
		Stream:   true,
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}}},
	}

	events, errs := client.SendMessageStream(context.Background(), req)

	var types []string
	var toolUseStart *anthropic.ContentBlock
	var stopReason string
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "content_block_start" && ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			toolUseStart = ev.ContentBlock
		}
		if ev.Type == "message_delta" && ev.Delta != nil {
			stopReason, _ = ev.Delta["stop_reason"].(string)
		}
	}
	require.NoError(t, <-errs)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta", // "let me check"
		"content_block_stop",  // closes text block
		"content_block_start", // tool_use
		"content_block_delta", // partial_json
		"content_block_stop",  // closes tool_use block
		"message_delta",
		"message_stop",
	}, types)

	require.NotNil(t, toolUseStart)
	assert.Equal(t, "call_1", toolUseStart.ID)
	assert.Equal(t, "get_weather", toolUseStart.Name)
	assert.Equal(t, "tool_use", stopReason)
}
