package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/heimdex/heimdex-extraction/internal/task"
)

// InferenceDefaults fill in prompt configs that carry no inferConfig.
type InferenceDefaults struct {
	MaxTokens   int
	TopP        float64
	Temperature float64
}

// InvokeRequest is one multimodal prompt over a frame or clip.
type InvokeRequest struct {
	ModelID     string          `json:"model_id"`
	Prompt      string          `json:"prompt"`
	Media       string          `json:"media,omitempty"`
	ExtraMedia  []string        `json:"extra_media,omitempty"`
	MediaType   string          `json:"media_type,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TopP        *float64        `json:"top_p,omitempty"`
	ToolConfig  json.RawMessage `json:"tool_config,omitempty"`
}

// InvokeResult is the model output with its token usage.
type InvokeResult struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// BuildInvokeRequest resolves a prompt config against the defaults. The
// first media item goes in Media and any further ones in ExtraMedia, in order.
// Anthropic models reject top_p together with temperature, so it is left out
// for them.
func BuildInvokeRequest(pc task.PromptConfig, d InferenceDefaults, mediaType string, media ...[]byte) InvokeRequest {
	req := InvokeRequest{
		ModelID:     pc.ModelID,
		Prompt:      pc.Prompt,
		MediaType:   mediaType,
		MaxTokens:   d.MaxTokens,
		Temperature: d.Temperature,
		ToolConfig:  pc.ToolConfig,
	}
	for _, m := range media {
		if len(m) == 0 {
			continue
		}
		enc := base64.StdEncoding.EncodeToString(m)
		if req.Media == "" {
			req.Media = enc
		} else {
			req.ExtraMedia = append(req.ExtraMedia, enc)
		}
	}
	topP := d.TopP
	if ic := pc.InferConfig; ic != nil {
		if ic.MaxTokens > 0 {
			req.MaxTokens = ic.MaxTokens
		}
		req.Temperature = ic.Temperature
		if ic.TopP != nil {
			topP = *ic.TopP
		}
	}
	if !strings.Contains(strings.ToLower(pc.ModelID), "anthropic") {
		req.TopP = &topP
	}
	return req
}

// InferenceClient calls the model invocation service.
type InferenceClient struct {
	rest *restClient
}

func NewInferenceClient(baseURL, token string, logger *slog.Logger) *InferenceClient {
	return &InferenceClient{rest: newRestClient("inference", baseURL, token, 0, logger)}
}

func (c *InferenceClient) Invoke(ctx context.Context, in InvokeRequest) (*InvokeResult, error) {
	var result InvokeResult
	req := c.rest.request(ctx).SetBody(in).SetResult(&result)
	if _, err := c.rest.do(req, http.MethodPost, "/v1/invoke"); err != nil {
		return nil, err
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.InputTokens + result.OutputTokens
	}
	return &result, nil
}

func (c *InferenceClient) Close() {
	c.rest.close()
}
