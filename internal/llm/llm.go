package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/examgrader/internal/llm/prompts"
	"github.com/pavelanni/examgrader/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoChoices is returned when the model produces no completion.
var ErrNoChoices = errors.New("LLM returned no choices")

// chatAPI is the subset of the OpenAI client the scorer needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client scores answers with an OpenAI-compatible chat model.
type Client struct {
	api     chatAPI
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM scoring client.
func New(baseURL, apiKey, modelName, variant string) (*Client, error) {
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
	}, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	models, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models.Models {
		if m.ID == c.model || strings.HasPrefix(m.ID, c.model+":") {
			return nil
		}
	}
	return fmt.Errorf("model %q not served by endpoint", c.model)
}

// Evaluate asks the model to score one answer and returns the same score
// object shape as the HTTP scorer.
func (c *Client) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.ScoreResponse, error) {
	systemPrompt, err := prompts.BuildEvalPrompt(c.variant, req)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var scores model.ScoreResponse
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &scores); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return &scores, nil
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
