// Package provider defines the agent-provider surface the executor drives:
// a Runner executes one node attempt ("phase") against a model backend and
// streams events back while it works, and a Resolver maps a node's provider
// name to a Runner.
//
// Adapters for Anthropic, OpenAI, and Google Gemini live in this package
// alongside a scriptable MockRunner for tests.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Event is one streaming event observed during a phase execution. Events are
// persisted verbatim (after redaction) and feed the attempt diagnostics.
type Event struct {
	// Type is the provider's event type, e.g. "message_start", "text",
	// "tool_use", "tool_result", "error", "message_stop".
	Type string

	// Content is the textual payload, if any.
	Content string

	// Metadata carries provider-specific structured data. Token usage may
	// appear here under cumulative keys such as "tokensUsed".
	Metadata map[string]interface{}

	// Tokens is the incremental token count attributed to this event.
	Tokens int

	Timestamp time.Time
}

// EventFunc receives stream events as they arrive. Implementations must not
// retain the event's metadata map.
type EventFunc func(Event)

// Permissions is the merged execution-permission set passed to a phase.
// Zero values mean "inherit"; Merge overlays node-level overrides on a
// run-level base.
type Permissions struct {
	ApprovalPolicy        string   `json:"approvalPolicy,omitempty"`
	SandboxMode           string   `json:"sandboxMode,omitempty"`
	NetworkAccessEnabled  *bool    `json:"networkAccessEnabled,omitempty"`
	AdditionalDirectories []string `json:"additionalDirectories,omitempty"`
	WebSearchMode         string   `json:"webSearchMode,omitempty"`
}

// Merge returns p overlaid with the non-zero fields of override.
// AdditionalDirectories are appended, not replaced.
func (p Permissions) Merge(override Permissions) Permissions {
	out := p
	if override.ApprovalPolicy != "" {
		out.ApprovalPolicy = override.ApprovalPolicy
	}
	if override.SandboxMode != "" {
		out.SandboxMode = override.SandboxMode
	}
	if override.NetworkAccessEnabled != nil {
		out.NetworkAccessEnabled = override.NetworkAccessEnabled
	}
	if len(override.AdditionalDirectories) > 0 {
		merged := make([]string, 0, len(p.AdditionalDirectories)+len(override.AdditionalDirectories))
		merged = append(merged, p.AdditionalDirectories...)
		merged = append(merged, override.AdditionalDirectories...)
		out.AdditionalDirectories = merged
	}
	if override.WebSearchMode != "" {
		out.WebSearchMode = override.WebSearchMode
	}
	return out
}

// ParsePermissions decodes a JSON permission override blob. An empty string
// yields the zero value. Unknown fields are rejected so definition typos
// surface at authoring time instead of silently granting defaults.
func ParsePermissions(raw string) (Permissions, error) {
	var p Permissions
	if raw == "" {
		return p, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Permissions{}, err
	}
	return p, nil
}

// PhaseRequest describes one node attempt for a Runner.
type PhaseRequest struct {
	RunID   int64
	NodeKey string
	Attempt int

	// Prompt is the rendered prompt template for the node.
	Prompt string

	// ContextEnvelopes are upstream-artifact envelopes appended to the
	// prompt, already budgeted and truncated.
	ContextEnvelopes []string

	// Model overrides the runner's default model when non-empty.
	Model string

	Permissions      Permissions
	WorkingDirectory string

	// OnEvent, when set, receives each stream event as it is observed.
	OnEvent EventFunc
}

// Result is the final outcome of a successful phase execution.
type Result struct {
	// Report is the node's primary output, persisted as a report artifact.
	Report string

	// RoutingDecision is the structured signal the agent emitted, one of
	// approved, changes_requested, blocked, retry. Empty when the agent
	// emitted none.
	RoutingDecision string

	// Rationale is the agent's explanation for the decision.
	Rationale string

	TokensUsed int
	Metadata   map[string]interface{}
}

// Runner executes phases against one model backend.
type Runner interface {
	// Name returns the provider identifier, e.g. "anthropic".
	Name() string

	// RunPhase executes one node attempt. It blocks until the phase
	// completes or ctx is done, invoking req.OnEvent for each stream event
	// along the way.
	RunPhase(ctx context.Context, req PhaseRequest) (Result, error)
}

// Resolver maps a tree node's provider name to a Runner.
type Resolver interface {
	Resolve(name string) (Runner, error)
}

// decisionBlock is the trailing JSON object adapters ask the model to emit.
type decisionBlock struct {
	RoutingDecision string `json:"routing_decision"`
	Rationale       string `json:"rationale"`
}

// decisionInstruction is appended to every phase prompt so the model closes
// its answer with a machine-readable routing signal.
const decisionInstruction = "\n\nEnd your response with a single JSON object on its own line:\n" +
	`{"routing_decision":"approved|changes_requested|blocked|retry","rationale":"<one sentence>"}`

// splitDecision separates a model response into the report body and the
// trailing routing-decision block. When no valid block is found the whole
// response is the report and the decision is empty.
func splitDecision(response string) (report, decision, rationale string) {
	trimmed := strings.TrimRight(response, " \t\n")
	start := strings.LastIndex(trimmed, "{")
	if start == -1 || !strings.HasSuffix(trimmed, "}") {
		return response, "", ""
	}

	var block decisionBlock
	if err := json.Unmarshal([]byte(trimmed[start:]), &block); err != nil {
		return response, "", ""
	}
	switch block.RoutingDecision {
	case "approved", "changes_requested", "blocked", "retry":
	default:
		return response, "", ""
	}

	return strings.TrimRight(trimmed[:start], " \t\n"), block.RoutingDecision, block.Rationale
}

// buildPrompt assembles the full prompt for a phase: the rendered template,
// the upstream-artifact envelopes, and the decision instruction.
func buildPrompt(req PhaseRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	for _, env := range req.ContextEnvelopes {
		sb.WriteString("\n\n")
		sb.WriteString(env)
	}
	sb.WriteString(decisionInstruction)
	return sb.String()
}

// emit invokes the request's event callback if one is set, stamping the
// event time when the caller left it zero.
func emit(req PhaseRequest, ev Event) {
	if req.OnEvent == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	req.OnEvent(ev)
}
