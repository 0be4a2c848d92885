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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

// ChatController sends OpenAI-style chat completions to the reserved LLM
// deployment. The payload is either a plain prompt string or a list of
// role/content messages.
type ChatController struct {
	endpoints map[string]EndpointConfig
	client    *http.Client
}

func NewChatController(endpoints map[string]EndpointConfig) *ChatController {
	return &ChatController{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *ChatController) Process(ctx context.Context, payload any, reserved []balancer.Reservation, rec *state.TelemetryRecord) (any, error) {
	res, ok := reservationFor(balancer.ClassLLM, reserved)
	if !ok {
		return nil, fmt.Errorf("chat request dispatched without an LLM reservation")
	}
	rec.DeploymentName = res.DeploymentID
	ep, ok := c.endpoints[res.DeploymentID]
	if !ok {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: "no endpoint configured"}
	}

	msgs, err := coerceMessages(payload)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatRequest{Model: ep.Model, Messages: msgs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
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
		return nil, &LLMError{Deployment: res.DeploymentID, Message: fmt.Sprintf("chat endpoint returned %s", resp.Status)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: err.Error()}
	}
	rec.PromptTokens = decoded.Usage.PromptTokens
	rec.CompletionTokens = decoded.Usage.CompletionTokens
	if len(decoded.Choices) == 0 {
		return nil, &LLMError{Deployment: res.DeploymentID, Message: "chat endpoint returned no choices"}
	}
	return decoded.Choices[0].Message.Content, nil
}

func coerceMessages(payload any) ([]chatMessage, error) {
	switch v := payload.(type) {
	case string:
		return []chatMessage{{Role: "user", Content: v}}, nil
	case []chatMessage:
		return v, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("unsupported chat payload: %w", err)
		}
		var msgs []chatMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("unsupported chat payload shape: %w", err)
		}
		return msgs, nil
	}
}
