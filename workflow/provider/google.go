package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleRunner executes phases against Google's Gemini API.
type GoogleRunner struct {
	client *genai.Client
	model  string
}

// DefaultGoogleModel is used when a node specifies no model of its own.
const DefaultGoogleModel = "gemini-1.5-flash"

// NewGoogleRunner creates a Gemini-backed phase runner. An empty apiKey
// falls back to the GOOGLE_API_KEY environment variable.
func NewGoogleRunner(ctx context.Context, apiKey, model string) (*GoogleRunner, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, errors.New("google API key not provided and GOOGLE_API_KEY not set")
		}
	}
	if model == "" {
		model = DefaultGoogleModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleRunner{
		client: client,
		model:  model,
	}, nil
}

// Close releases the underlying client.
func (g *GoogleRunner) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name returns "google".
func (g *GoogleRunner) Name() string {
	return "google"
}

// RunPhase implements Runner by generating content with Gemini and splitting
// the response into report and routing decision.
func (g *GoogleRunner) RunPhase(ctx context.Context, req PhaseRequest) (Result, error) {
	modelName := g.model
	if req.Model != "" {
		modelName = req.Model
	}

	emit(req, Event{Type: "message_start", Metadata: map[string]interface{}{
		"provider": g.Name(),
		"model":    modelName,
	}})

	model := g.client.GenerativeModel(modelName)

	resp, err := model.GenerateContent(ctx, genai.Text(buildPrompt(req)))
	if err != nil {
		emit(req, Event{Type: "error", Content: err.Error()})
		return Result{}, classifyAPIError(g.Name(), err)
	}

	var responseText strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				responseText.WriteString(string(text))
			}
		}
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	emit(req, Event{Type: "text", Content: responseText.String()})
	emit(req, Event{Type: "message_stop", Metadata: map[string]interface{}{
		"tokensUsed": tokens,
	}})

	report, decision, rationale := splitDecision(responseText.String())
	return Result{
		Report:          report,
		RoutingDecision: decision,
		Rationale:       rationale,
		TokensUsed:      tokens,
		Metadata: map[string]interface{}{
			"provider": g.Name(),
			"model":    modelName,
		},
	}, nil
}
