package provider

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIRunner executes phases against OpenAI chat models.
type OpenAIRunner struct {
	client *openai.Client
	model  string
}

// DefaultOpenAIModel is used when a node specifies no model of its own.
const DefaultOpenAIModel = "gpt-4o"

// NewOpenAIRunner creates an OpenAI-backed phase runner.
func NewOpenAIRunner(apiKey, model string) (*OpenAIRunner, error) {
	if apiKey == "" {
		return nil, errors.New("API key cannot be empty")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &OpenAIRunner{
		client: &client,
		model:  model,
	}, nil
}

// Name returns "openai".
func (p *OpenAIRunner) Name() string {
	return "openai"
}

// RunPhase implements Runner by sending the phase prompt as a single user
// message and splitting the response into report and routing decision.
func (p *OpenAIRunner) RunPhase(ctx context.Context, req PhaseRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	emit(req, Event{Type: "message_start", Metadata: map[string]interface{}{
		"provider": p.Name(),
		"model":    model,
	}})

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(buildPrompt(req)),
					},
				},
			},
		},
	})
	if err != nil {
		emit(req, Event{Type: "error", Content: err.Error()})
		return Result{}, classifyAPIError(p.Name(), err)
	}

	var responseText string
	if len(completion.Choices) > 0 {
		responseText = completion.Choices[0].Message.Content
	}
	tokens := int(completion.Usage.TotalTokens)

	emit(req, Event{Type: "text", Content: responseText})
	emit(req, Event{Type: "message_stop", Metadata: map[string]interface{}{
		"tokensUsed": tokens,
	}})

	report, decision, rationale := splitDecision(responseText)
	return Result{
		Report:          report,
		RoutingDecision: decision,
		Rationale:       rationale,
		TokensUsed:      tokens,
		Metadata: map[string]interface{}{
			"provider": p.Name(),
			"model":    model,
		},
	}, nil
}
