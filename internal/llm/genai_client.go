package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"personaforge/internal/types"
)

// GenAIClient implements Client using Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a GenAI-backed analysis client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(userPrompt), cfg)
	if err != nil {
		// The SDK surfaces quota and availability problems as errors;
		// treat them all as transient and let the retry policy decide.
		return "", &types.TransientServiceError{Service: "analysis", Err: err}
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty completion returned")
	}
	return strings.TrimSpace(text), nil
}
