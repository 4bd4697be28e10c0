package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
)

const (
	inputImage = "image"
	inputVideo = "video"
	inputText  = "text"
)

type embedRequest struct {
	ModelID   string `json:"model_id"`
	InputType string `json:"input_type"`
	Dimension int    `json:"dimension,omitempty"`
	Text      string `json:"text,omitempty"`
	Media     string `json:"media,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// EmbedResult is one embedding with the usage the service reported.
type EmbedResult struct {
	Embedding   []float32 `json:"embedding"`
	InputTokens int       `json:"input_tokens"`
	DurationS   float64   `json:"duration_s"`
}

// EmbeddingClient calls the multimodal embedding service.
type EmbeddingClient struct {
	rest      *restClient
	modelID   string
	dimension int
}

func NewEmbeddingClient(baseURL, token, modelID string, dimension int, logger *slog.Logger) *EmbeddingClient {
	return &EmbeddingClient{
		rest:      newRestClient("embedding", baseURL, token, 0, logger),
		modelID:   modelID,
		dimension: dimension,
	}
}

func (c *EmbeddingClient) ModelID() string { return c.modelID }

func (c *EmbeddingClient) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	res, err := c.embed(ctx, embedRequest{
		InputType: inputImage,
		Media:     base64.StdEncoding.EncodeToString(data),
		MediaType: "png",
	})
	if err != nil {
		return nil, err
	}
	return res.Embedding, nil
}

func (c *EmbeddingClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	res, err := c.embed(ctx, embedRequest{InputType: inputText, Text: text})
	if err != nil {
		return nil, err
	}
	return res.Embedding, nil
}

// EmbedVideo embeds a clip (audio and video together). The result carries
// the billed duration.
func (c *EmbeddingClient) EmbedVideo(ctx context.Context, data []byte) (*EmbedResult, error) {
	return c.embed(ctx, embedRequest{
		InputType: inputVideo,
		Media:     base64.StdEncoding.EncodeToString(data),
		MediaType: "mp4",
	})
}

func (c *EmbeddingClient) embed(ctx context.Context, body embedRequest) (*EmbedResult, error) {
	body.ModelID = c.modelID
	body.Dimension = c.dimension

	var result EmbedResult
	req := c.rest.request(ctx).SetBody(body).SetResult(&result)
	if _, err := c.rest.do(req, http.MethodPost, "/v1/embeddings"); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, &ServiceError{Service: "embedding", Err: fmt.Errorf("empty %s embedding", body.InputType)}
	}
	return &result, nil
}

func (c *EmbeddingClient) Close() {
	c.rest.close()
}
