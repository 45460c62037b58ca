package validator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func TestClassifyModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		model string
		want  Route
	}{
		{"claude goes to dispatcher", "claude-3-5-sonnet-20241022", RouteDispatcher},
		{"gemini goes to dispatcher", "gemini-2.0-flash", RouteDispatcher},
		{"local goes to gateway", "local-llama-3", RouteGateway},
		{"gemma goes to gateway", "gemma-2b-it", RouteGateway},
		{"unknown prefix is rejected", "mystery-model-1", RouteReject},
		{"match is case-insensitive", "Claude-Opus-4", RouteDispatcher},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifyModel(tt.model))
		})
	}
}

func TestApplyModelMapping_ReclassifiesAfterRewrite(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ModelMapping: map[string]string{
		"gpt-4": "claude-3-5-sonnet-20241022",
		"alias": "mystery-model-1",
	}}

	req := &anthropic.MessagesRequest{Model: "gpt-4"}
	route := ApplyModelMapping(req, cfg)
	assert.Equal(t, RouteDispatcher, route)
	assert.Equal(t, "claude-3-5-sonnet-20241022", req.Model)

	// An alias that maps onto a model outside the whitelist must still be
	// rejected after rewriting, not smuggled through on the original prefix.
	req2 := &anthropic.MessagesRequest{Model: "alias"}
	route2 := ApplyModelMapping(req2, cfg)
	assert.Equal(t, RouteReject, route2)
}

func baseRequest() *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "claude-3-5-sonnet-20241022",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}
}

func TestValidate_RejectsMissingMaxTokens(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.MaxTokens = 0
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	err = Validate(raw, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tokens")
}

func TestValidate_ClampsMaxTokensAboveCeiling(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.MaxTokens = 50000
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, Validate(raw, req))
	assert.Equal(t, 8192, req.MaxTokens)
}

func TestValidate_RejectsUnknownModelPrefix(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.Model = "mystery-model-1"
	raw, _ := json.Marshal(req)

	err := Validate(raw, req)
	require.Error(t, err)
}

func TestValidate_RejectsEmptyMessages(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.Messages = nil
	raw, _ := json.Marshal(req)

	err := Validate(raw, req)
	require.Error(t, err)
}

func TestValidate_RejectsPrototypePollutionKeys(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	raw := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],"__proto__":{"polluted":true}}`)

	err := Validate(raw, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disallowed keys")
}

func TestValidate_RejectsExcessiveNestingDepth(t *testing.T) {
	t.Parallel()

	req := baseRequest()

	nested := `"leaf"`
	for i := 0; i < maxNestingDepth+5; i++ {
		nested = `{"n":` + nested + `}`
	}
	raw := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],"extra":` + nested + `}`)

	err := Validate(raw, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting depth")
}

func TestValidate_RejectsInvalidToolName(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.Tools = []anthropic.Tool{{Name: "not a valid name!", InputSchema: json.RawMessage(`{}`)}}
	raw, _ := json.Marshal(req)

	err := Validate(raw, req)
	require.Error(t, err)
}

func TestValidate_RejectsOutOfRangeTemperature(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	temp := 3.5
	req.Temperature = &temp
	raw, _ := json.Marshal(req)

	err := Validate(raw, req)
	require.Error(t, err)
}

func TestValidate_RejectsUnsupportedImageMediaType(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.Messages[0].Content = []anthropic.ContentBlock{
		{Type: "image", Source: &anthropic.ImageSource{Type: "base64", MediaType: "image/bmp", Data: "Zm9v"}},
	}
	raw, _ := json.Marshal(req)

	err := Validate(raw, req)
	require.Error(t, err)
}

func TestValidate_GatewayRouteUsesSameContract(t *testing.T) {
	t.Parallel()

	req := baseRequest()
	req.Model = "local-llama-3"
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, Validate(raw, req))
	assert.Equal(t, 1024, req.MaxTokens)

	req.MaxTokens = 0
	raw, err = json.Marshal(req)
	require.NoError(t, err)
	require.Error(t, Validate(raw, req))
}
