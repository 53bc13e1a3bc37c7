package analysis

import (
	"context"
	"fmt"

	"github.com/memora-health/platform/internal/shared/config"
	apperrors "github.com/memora-health/platform/internal/shared/errors"
	"google.golang.org/genai"
)

// GeminiModel sends inline media to the Gemini API.
type GeminiModel struct {
	client *genai.Client
	name   string
}

// NewGeminiModel checks credentials once; a missing key is InferenceUnavailable.
func NewGeminiModel(ctx context.Context, cfg config.AIConfig) (*GeminiModel, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.InferenceUnavailable("GEMINI_API_KEY is not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, apperrors.InferenceUnavailable(fmt.Sprintf("failed to create Gemini client: %v", err))
	}

	return &GeminiModel{client: client, name: cfg.Model}, nil
}

func (g *GeminiModel) Generate(ctx context.Context, payload []byte, mimeType, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(payload, mimeType),
		}, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.name, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", g.name, err)
	}

	reply := resp.Text()
	if reply == "" {
		return "", fmt.Errorf("gemini %s returned no text", g.name)
	}
	return reply, nil
}
