// Package localgateway proxies requests for local-*/gemma-* models to a
// local OpenAI-compatible endpoint, transcoding between Anthropic and
// OpenAI-compatible shapes via the format package.
package localgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// Client dispatches requests to a local OpenAI-compatible chat-completions endpoint.
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
}

// NewClient creates a new local gateway client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		cfg:        cfg,
	}
}

func (c *Client) endpoint() string {
	if c.cfg.LocalLLMURL != "" {
		return c.cfg.LocalLLMURL
	}
	return "http://localhost:1234/v1/chat/completions"
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.LocalLLMKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.LocalLLMKey)
	}
	return req, nil
}

// SendMessage sends a non-streaming request to the local endpoint.
func (c *Client) SendMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	oaiReq := format.ConvertAnthropicToOpenAI(req)
	oaiReq.Stream = false

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Local Agent Error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Local Agent Error: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var oaiResp format.OpenAIResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("Local Agent Error: invalid upstream response: %w", err)
	}
	if oaiResp.Model == "" {
		oaiResp.Model = req.Model
	}

	return format.ConvertOpenAIToAnthropic(&oaiResp), nil
}

// SendMessageStream sends a streaming request and yields Anthropic-shaped SSE events.
func (c *Client) SendMessageStream(ctx context.Context, req *anthropic.MessagesRequest) (<-chan *cloudcode.SSEEvent, <-chan error) {
	events := make(chan *cloudcode.SSEEvent, 16)
	errs := make(chan error, 1)

	oaiReq := format.ConvertAnthropicToOpenAI(req)
	oaiReq.Stream = true

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(oaiReq)
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := c.newRequest(ctx, body)
		if err != nil {
			errs <- err
			return
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("Local Agent Error: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("Local Agent Error: upstream returned %d: %s", resp.StatusCode, string(respBody))
			return
		}

		messageID := anthropic.GenerateMessageID()
		events <- &cloudcode.SSEEvent{
			Type: "message_start",
			Message: anthropic.NewMessagesResponse(messageID, req.Model, []anthropic.ContentBlock{}, "", &anthropic.Usage{}),
		}

		st := newBlockState(events)
		stopReason := "end_turn"

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			delta, err := format.ConvertOpenAIDeltaToAnthropic([]byte(payload))
			if err != nil {
				utils.Warn("[LocalGateway] Skipping malformed chunk: %v", err)
				continue
			}

			if delta.Text != "" {
				st.emitText(delta.Text)
			}
			for _, tc := range delta.ToolCallDeltas {
				st.emitToolCallDelta(tc)
			}
			if delta.FinishReason != "" {
				if delta.FinishReason == "tool_calls" || st.hasToolCalls() {
					stopReason = "tool_use"
				} else if delta.FinishReason == "length" {
					stopReason = "max_tokens"
				}
				break
			}
		}

		st.closeOpenBlock()

		events <- &cloudcode.SSEEvent{
			Type:  "message_delta",
			Delta: map[string]interface{}{"stop_reason": stopReason},
			Usage: &anthropic.Usage{},
		}
		events <- &cloudcode.SSEEvent{Type: "message_stop"}
	}()

	return events, errs
}

// blockState tracks which Anthropic content block is currently open while
// streaming, lazily opening a text block on the first text fragment and a
// tool_use block on the first fragment of each OpenAI tool-call index,
// closing the previous block before opening the next one so text and
// tool calls interleave correctly in the emitted SSE events.
type blockState struct {
	events    chan<- *cloudcode.SSEEvent
	nextIndex int

	openType        string // "" | "text" | "tool_use"
	openIndex       int
	toolCallIndex   map[int]int // OpenAI tool-call index -> Anthropic block index
	sawToolCall     bool
}

func newBlockState(events chan<- *cloudcode.SSEEvent) *blockState {
	return &blockState{events: events, toolCallIndex: make(map[int]int)}
}

func (s *blockState) hasToolCalls() bool {
	return s.sawToolCall
}

func (s *blockState) closeOpenBlock() {
	if s.openType == "" {
		return
	}
	s.events <- &cloudcode.SSEEvent{Type: "content_block_stop", Index: s.openIndex}
	s.openType = ""
}

func (s *blockState) emitText(text string) {
	if s.openType != "text" {
		s.closeOpenBlock()
		s.openIndex = s.nextIndex
		s.nextIndex++
		s.openType = "text"
		s.events <- &cloudcode.SSEEvent{
			Type:         "content_block_start",
			Index:        s.openIndex,
			ContentBlock: &anthropic.ContentBlock{Type: "text", Text: ""},
		}
	}
	s.events <- &cloudcode.SSEEvent{
		Type:  "content_block_delta",
		Index: s.openIndex,
		Delta: map[string]interface{}{"type": "text_delta", "text": text},
	}
}

func (s *blockState) emitToolCallDelta(tc format.OpenAIToolCall) {
	s.sawToolCall = true

	blockIndex, started := s.toolCallIndex[tc.Index]
	if !started {
		s.closeOpenBlock()
		blockIndex = s.nextIndex
		s.nextIndex++
		s.toolCallIndex[tc.Index] = blockIndex
		s.openType = "tool_use"
		s.openIndex = blockIndex

		id := tc.ID
		if id == "" {
			id = anthropic.GenerateToolUseID()
		}
		s.events <- &cloudcode.SSEEvent{
			Type:  "content_block_start",
			Index: blockIndex,
			ContentBlock: &anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  tc.Function.Name,
				Input: []byte("{}"),
			},
		}
	} else if s.openType != "tool_use" || s.openIndex != blockIndex {
		// Another block was opened in between fragments of this tool call
		// (shouldn't happen with well-behaved upstreams, but stay correct).
		s.closeOpenBlock()
		s.openType = "tool_use"
		s.openIndex = blockIndex
	}

	if tc.Function.Arguments != "" {
		s.events <- &cloudcode.SSEEvent{
			Type:  "content_block_delta",
			Index: blockIndex,
			Delta: map[string]interface{}{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
		}
	}
}
