package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usage `json:"usage"`
}

// EmbeddingController sends OpenAI-style embedding calls to the reserved
// embedding deployment. The payload is one string or a list of strings.
type EmbeddingController struct {
	endpoints map[string]EndpointConfig
	client    *http.Client
}

func NewEmbeddingController(endpoints map[string]EndpointConfig) *EmbeddingController {
	return &EmbeddingController{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *EmbeddingController) Process(ctx context.Context, payload any, reserved []balancer.Reservation, rec *state.TelemetryRecord) (any, error) {
	res, ok := reservationFor(balancer.ClassEmbedding, reserved)
	if !ok {
		return nil, fmt.Errorf("embedding request dispatched without an embedding reservation")
	}
	rec.DeploymentName = res.DeploymentID
	ep, ok := c.endpoints[res.DeploymentID]
	if !ok {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: "no endpoint configured"}
	}

	inputs, err := coerceInputs(payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(embeddingRequest{Model: ep.Model, Input: inputs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: fmt.Sprintf("embedding endpoint returned %s", resp.Status)}
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: err.Error()}
	}
	rec.EmbeddingTokens = decoded.Usage.PromptTokens
	vectors := make([][]float64, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		vectors = append(vectors, d.Embedding)
	}
	return vectors, nil
}

func coerceInputs(payload any) ([]string, error) {
	switch v := payload.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("embedding payload items must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported embedding payload type %T", payload)
	}
}
