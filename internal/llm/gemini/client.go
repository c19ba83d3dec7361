package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"aqualens-backend/internal/llm"
)

const defaultModel = "gemini-2.0-flash"

// Client implements llm.Client using Google Gemini.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient constructs a Gemini client.
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	genaiClient, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: genaiClient, model: model}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Summarize asks the model for a short narrative over the computed metrics.
func (c *Client) Summarize(ctx context.Context, input llm.SummaryInput) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.2)

	resp, err := model.GenerateContent(ctx, genai.Text(BuildPrompt(input)))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}
	if txt, ok := candidate.Content.Parts[0].(genai.Text); ok {
		return strings.TrimSpace(string(txt)), nil
	}
	return "", fmt.Errorf("unexpected response format from Gemini")
}

// BuildPrompt renders the summary prompt from computed metrics. Exported so
// tests can pin the prompt contract without a live model.
func BuildPrompt(input llm.SummaryInput) string {
	var b strings.Builder
	b.WriteString("You are an expert in environmental science specializing in microplastic pollution analysis. ")
	b.WriteString("A YOLOv5 model detected microplastic particles in a water-sample image and the raw detections ")
	b.WriteString("have already been aggregated. Write a concise summary of the findings, mentioning particle ")
	b.WriteString("counts, the dominant shapes, and the hypothesized polymer composition. Respond with plain ")
	b.WriteString("text only, no markdown.\n\n")
	fmt.Fprintf(&b, "Total particles detected: %d\n", input.ParticleCount)

	b.WriteString("Particle shapes:\n")
	if len(input.ParticleTypes) == 0 {
		b.WriteString("- none\n")
	}
	for _, tc := range input.ParticleTypes {
		fmt.Fprintf(&b, "- %s: %d\n", tc.Type, tc.Count)
	}

	b.WriteString("Hypothesized polymer types:\n")
	if len(input.PolymerTypes) == 0 {
		b.WriteString("- none\n")
	}
	for _, tc := range input.PolymerTypes {
		fmt.Fprintf(&b, "- %s: %d\n", tc.Type, tc.Count)
	}

	return b.String()
}

var _ llm.Client = (*Client)(nil)
