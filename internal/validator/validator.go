// Package validator classifies Anthropic Messages requests by model prefix
// and enforces the validation contract shared by every route.
package validator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// Route identifies which upstream family a request should be dispatched to.
type Route int

const (
	// RouteReject means the model did not match any known prefix.
	RouteReject Route = iota
	// RouteGateway sends the request to a local OpenAI-compatible endpoint.
	RouteGateway
	// RouteDispatcher sends the request to the Cloud-Code account pool.
	RouteDispatcher
)

var gatewayPrefixes = []string{"local-", "gemma-"}

var dispatcherPrefixes = []string{
	"claude-", "gemini-", "gpt-os-", "gpt-4-", "lmstudio-", "deepseek-", "qwen-",
}

const (
	maxNestingDepth     = 50
	maxMessages         = 500
	maxTextBytes        = 2 * 1024 * 1024
	maxImageBytes       = 10 * 1024 * 1024
	maxToolNameLen      = 256
	maxTools            = 100
	minMaxTokens        = 1
	maxMaxTokens        = 200000
	clampedMaxTokens    = 8192
	minThinkingBudget   = 1000
	maxThinkingBudget   = 100000
)

var toolNamePattern = func() func(string) bool {
	return func(s string) bool {
		if s == "" || len(s) > maxToolNameLen {
			return false
		}
		for _, r := range s {
			if !(r == '_' || r == '-' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
		return true
	}
}()

var allowedImageTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true,
}

// ClassifyModel returns which route a model name belongs to, by prefix match.
func ClassifyModel(model string) Route {
	lower := strings.ToLower(model)
	for _, p := range gatewayPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteGateway
		}
	}
	for _, p := range dispatcherPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteDispatcher
		}
	}
	return RouteReject
}

// ApplyModelMapping rewrites req.Model per cfg.ModelMapping and re-classifies
// the result, so an alias can never smuggle a model the prefix whitelist
// would otherwise reject.
func ApplyModelMapping(req *anthropic.MessagesRequest, cfg *config.Config) Route {
	if cfg.ModelMapping != nil {
		if mapped, ok := cfg.ModelMapping[req.Model]; ok && mapped != "" {
			req.Model = mapped
		}
	}
	return ClassifyModel(req.Model)
}

// Validate enforces the validation contract against the raw request body and
// the decoded request, applying defaults in place on success. It is called
// identically by the Gateway and Dispatcher routes so neither can diverge.
func Validate(rawBody []byte, req *anthropic.MessagesRequest) error {
	if hasPollutionKeys(rawBody) {
		return fmt.Errorf("request body contains disallowed keys")
	}
	if depth := gjsonDepth(gjson.ParseBytes(rawBody)); depth > maxNestingDepth {
		return fmt.Errorf("request body nesting depth %d exceeds limit %d", depth, maxNestingDepth)
	}

	route := ClassifyModel(req.Model)
	if route == RouteReject {
		return fmt.Errorf("model %q does not match an allowed prefix", req.Model)
	}

	if len(req.Messages) == 0 {
		return fmt.Errorf("messages is required and must be a non-empty array")
	}
	if len(req.Messages) > maxMessages {
		return fmt.Errorf("messages exceeds maximum of %d entries", maxMessages)
	}

	for mi, msg := range req.Messages {
		for bi, block := range msg.Content {
			if err := validateBlock(block); err != nil {
				return fmt.Errorf("messages[%d].content[%d]: %w", mi, bi, err)
			}
		}
	}

	if len(req.Tools) > maxTools {
		return fmt.Errorf("tools exceeds maximum of %d entries", maxTools)
	}
	for _, tool := range req.Tools {
		if !toolNamePattern(tool.Name) {
			return fmt.Errorf("tool name %q is invalid", tool.Name)
		}
	}

	if req.MaxTokens == 0 {
		return fmt.Errorf("max_tokens is required")
	}
	if req.MaxTokens < minMaxTokens || req.MaxTokens > maxMaxTokens {
		return fmt.Errorf("max_tokens must be between %d and %d", minMaxTokens, maxMaxTokens)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if req.TopK != nil && (*req.TopK < 1 || *req.TopK > 500) {
		return fmt.Errorf("top_k must be between 1 and 500")
	}
	if req.Thinking != nil && req.Thinking.BudgetTokens != 0 {
		if req.Thinking.BudgetTokens < minThinkingBudget || req.Thinking.BudgetTokens > maxThinkingBudget {
			return fmt.Errorf("thinking.budget_tokens must be between %d and %d", minThinkingBudget, maxThinkingBudget)
		}
	}

	if req.MaxTokens > clampedMaxTokens {
		req.MaxTokens = clampedMaxTokens
	}

	return nil
}

func validateBlock(block anthropic.ContentBlock) error {
	switch block.Type {
	case "text":
		if len(block.Text) > maxTextBytes {
			return fmt.Errorf("text block exceeds %d bytes", maxTextBytes)
		}
	case "image":
		if block.Source == nil {
			return fmt.Errorf("image block missing source")
		}
		if len(block.Source.Data) > maxImageBytes {
			return fmt.Errorf("image data exceeds %d bytes", maxImageBytes)
		}
		if block.Source.MediaType != "" && !allowedImageTypes[block.Source.MediaType] {
			return fmt.Errorf("unsupported image media_type %q", block.Source.MediaType)
		}
	case "tool_use":
		if !toolNamePattern(block.Name) {
			return fmt.Errorf("tool_use name %q is invalid", block.Name)
		}
	}
	// Unknown block types are forward-compatible and pass through opaquely.
	return nil
}

// hasPollutionKeys walks the decoded JSON looking for prototype-pollution
// key names anywhere in the object tree.
func hasPollutionKeys(rawBody []byte) bool {
	found := false
	var walk func(result gjson.Result)
	walk = func(result gjson.Result) {
		if found {
			return
		}
		if result.IsObject() {
			result.ForEach(func(key, value gjson.Result) bool {
				k := key.String()
				if k == "__proto__" || k == "constructor" || k == "prototype" {
					found = true
					return false
				}
				walk(value)
				return !found
			})
		} else if result.IsArray() {
			result.ForEach(func(_, value gjson.Result) bool {
				walk(value)
				return !found
			})
		}
	}
	walk(gjson.ParseBytes(rawBody))
	return found
}

func gjsonDepth(result gjson.Result) int {
	if result.IsObject() {
		maxChild := 0
		result.ForEach(func(_, value gjson.Result) bool {
			if d := gjsonDepth(value); d > maxChild {
				maxChild = d
			}
			return true
		})
		return 1 + maxChild
	}
	if result.IsArray() {
		maxChild := 0
		result.ForEach(func(_, value gjson.Result) bool {
			if d := gjsonDepth(value); d > maxChild {
				maxChild = d
			}
			return true
		})
		return 1 + maxChild
	}
	return 0
}
