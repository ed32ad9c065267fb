package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicRunner executes phases against Anthropic's Claude API.
//
// The runner is safe for concurrent use after creation; the underlying SDK
// client handles concurrent requests safely.
type AnthropicRunner struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// DefaultAnthropicModel is used when a node specifies no model of its own.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// NewAnthropicRunner creates an Anthropic-backed phase runner. An empty
// model falls back to DefaultAnthropicModel.
func NewAnthropicRunner(apiKey, model string) *AnthropicRunner {
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicRunner{
		client:    &client,
		model:     model,
		maxTokens: 8192,
	}
}

// Name returns "anthropic".
func (a *AnthropicRunner) Name() string {
	return "anthropic"
}

// RunPhase implements Runner by sending the phase prompt to Claude and
// splitting the response into report and routing decision.
func (a *AnthropicRunner) RunPhase(ctx context.Context, req PhaseRequest) (Result, error) {
	model := a.model
	if req.Model != "" {
		model = req.Model
	}

	emit(req, Event{Type: "message_start", Metadata: map[string]interface{}{
		"provider": a.Name(),
		"model":    model,
	}})

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	})
	if err != nil {
		emit(req, Event{Type: "error", Content: err.Error()})
		return Result{}, classifyAPIError(a.Name(), err)
	}

	var responseText strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText.WriteString(block.Text)
		}
	}

	tokens := int(message.Usage.InputTokens + message.Usage.OutputTokens)

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
			"provider": a.Name(),
			"model":    model,
		},
	}, nil
}

// classifyAPIError maps backend errors to retryability-annotated errors
// shared by all SDK runners.
func classifyAPIError(providerName string, err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "api_key") ||
		strings.Contains(msg, "API key"):
		return fmt.Errorf("%s: invalid or expired API key: %w", providerName, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return fmt.Errorf("%s: rate limited: %w", providerName, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fmt.Errorf("%s: request timed out: %w", providerName, err)
	default:
		return fmt.Errorf("%s: api error: %w", providerName, err)
	}
}
