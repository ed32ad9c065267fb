package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSplitDecision(t *testing.T) {
	tests := []struct {
		name          string
		response      string
		wantReport    string
		wantDecision  string
		wantRationale string
	}{
		{
			name:          "trailing block",
			response:      "The change looks solid.\n\n{\"routing_decision\":\"approved\",\"rationale\":\"tests pass\"}",
			wantReport:    "The change looks solid.",
			wantDecision:  "approved",
			wantRationale: "tests pass",
		},
		{
			name:          "trailing whitespace tolerated",
			response:      "Needs work.\n{\"routing_decision\":\"changes_requested\",\"rationale\":\"missing tests\"}\n\n",
			wantReport:    "Needs work.",
			wantDecision:  "changes_requested",
			wantRationale: "missing tests",
		},
		{
			name:       "no json at all",
			response:   "Just prose, no decision.",
			wantReport: "Just prose, no decision.",
		},
		{
			name:       "invalid decision value rejected",
			response:   "Body\n{\"routing_decision\":\"maybe\",\"rationale\":\"shrug\"}",
			wantReport: "Body\n{\"routing_decision\":\"maybe\",\"rationale\":\"shrug\"}",
		},
		{
			name:       "malformed json rejected",
			response:   "Body\n{\"routing_decision\": approved}",
			wantReport: "Body\n{\"routing_decision\": approved}",
		},
		{
			name:       "json in the middle ignored",
			response:   "Before {\"routing_decision\":\"approved\"} after",
			wantReport: "Before {\"routing_decision\":\"approved\"} after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, decision, rationale := splitDecision(tt.response)
			if report != tt.wantReport {
				t.Errorf("report = %q, want %q", report, tt.wantReport)
			}
			if decision != tt.wantDecision {
				t.Errorf("decision = %q, want %q", decision, tt.wantDecision)
			}
			if rationale != tt.wantRationale {
				t.Errorf("rationale = %q, want %q", rationale, tt.wantRationale)
			}
		})
	}
}

func TestPermissionsMerge(t *testing.T) {
	yes := true
	base := Permissions{
		ApprovalPolicy:        "on-request",
		SandboxMode:           "workspace-write",
		AdditionalDirectories: []string{"/srv/data"},
	}
	override := Permissions{
		ApprovalPolicy:        "never",
		NetworkAccessEnabled:  &yes,
		AdditionalDirectories: []string{"/tmp/scratch"},
	}

	got := base.Merge(override)
	if got.ApprovalPolicy != "never" {
		t.Errorf("ApprovalPolicy = %q, want override", got.ApprovalPolicy)
	}
	if got.SandboxMode != "workspace-write" {
		t.Errorf("SandboxMode = %q, want base retained", got.SandboxMode)
	}
	if got.NetworkAccessEnabled == nil || !*got.NetworkAccessEnabled {
		t.Error("NetworkAccessEnabled not taken from override")
	}
	if len(got.AdditionalDirectories) != 2 || got.AdditionalDirectories[0] != "/srv/data" || got.AdditionalDirectories[1] != "/tmp/scratch" {
		t.Errorf("AdditionalDirectories = %v, want base then override", got.AdditionalDirectories)
	}

	// Merge never mutates the receiver.
	if len(base.AdditionalDirectories) != 1 {
		t.Errorf("base mutated: %v", base.AdditionalDirectories)
	}
}

func TestParsePermissions(t *testing.T) {
	t.Run("empty string is zero value", func(t *testing.T) {
		p, err := ParsePermissions("")
		if err != nil {
			t.Fatalf("ParsePermissions(\"\") error = %v", err)
		}
		if p.ApprovalPolicy != "" || p.NetworkAccessEnabled != nil {
			t.Errorf("zero value expected, got %+v", p)
		}
	})

	t.Run("valid blob", func(t *testing.T) {
		p, err := ParsePermissions(`{"approvalPolicy":"never","networkAccessEnabled":false}`)
		if err != nil {
			t.Fatalf("ParsePermissions() error = %v", err)
		}
		if p.ApprovalPolicy != "never" {
			t.Errorf("ApprovalPolicy = %q", p.ApprovalPolicy)
		}
		if p.NetworkAccessEnabled == nil || *p.NetworkAccessEnabled {
			t.Error("NetworkAccessEnabled not parsed as false")
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		if _, err := ParsePermissions(`{"approvalPolicy":"never","sandbox":"x"}`); err == nil {
			t.Error("unknown field accepted")
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	req := PhaseRequest{
		Prompt:           "Review the diff.",
		ContextEnvelopes: []string{"ENVELOPE-A", "ENVELOPE-B"},
	}
	got := buildPrompt(req)

	if !strings.HasPrefix(got, "Review the diff.") {
		t.Errorf("prompt does not lead with the template:\n%s", got)
	}
	if !strings.Contains(got, "\n\nENVELOPE-A\n\nENVELOPE-B") {
		t.Error("envelopes not appended in order")
	}
	if !strings.HasSuffix(got, decisionInstruction) {
		t.Error("decision instruction not appended last")
	}
}

func TestMockRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("scripted queue consumed in order", func(t *testing.T) {
		m := &MockRunner{
			Outcomes: map[string][]MockOutcome{
				"review": {
					{Report: "first", RoutingDecision: "changes_requested"},
					{Report: "second", RoutingDecision: "approved"},
				},
			},
			Default: MockOutcome{Report: "fallback"},
		}

		res, err := m.RunPhase(ctx, PhaseRequest{NodeKey: "review", Attempt: 1})
		if err != nil || res.Report != "first" {
			t.Fatalf("first call = (%+v, %v)", res, err)
		}
		res, _ = m.RunPhase(ctx, PhaseRequest{NodeKey: "review", Attempt: 2})
		if res.Report != "second" || res.RoutingDecision != "approved" {
			t.Errorf("second call = %+v", res)
		}
		res, _ = m.RunPhase(ctx, PhaseRequest{NodeKey: "review", Attempt: 3})
		if res.Report != "fallback" {
			t.Errorf("exhausted queue = %+v, want fallback", res)
		}
	})

	t.Run("scripted error fails the phase", func(t *testing.T) {
		wantErr := errors.New("model unavailable")
		m := &MockRunner{Outcomes: map[string][]MockOutcome{"n": {{Err: wantErr}}}}
		_, err := m.RunPhase(ctx, PhaseRequest{NodeKey: "n"})
		if !errors.Is(err, wantErr) {
			t.Errorf("error = %v, want %v", err, wantErr)
		}
	})

	t.Run("events streamed before result", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		m := &MockRunner{Default: MockOutcome{
			Report: "ok",
			Events: []Event{
				FixedClockEvent("message_start", "", at),
				FixedClockEvent("text", "hello", at.Add(time.Second)),
			},
		}}

		var seen []string
		_, err := m.RunPhase(ctx, PhaseRequest{NodeKey: "n", OnEvent: func(ev Event) {
			seen = append(seen, ev.Type)
		}})
		if err != nil {
			t.Fatal(err)
		}
		if len(seen) != 2 || seen[0] != "message_start" || seen[1] != "text" {
			t.Errorf("events = %v", seen)
		}
	})

	t.Run("calls recorded", func(t *testing.T) {
		m := &MockRunner{Default: MockOutcome{Report: "ok"}}
		_, _ = m.RunPhase(ctx, PhaseRequest{RunID: 7, NodeKey: "n", Attempt: 2, ContextEnvelopes: []string{"env"}})

		calls := m.Calls()
		if len(calls) != 1 {
			t.Fatalf("calls = %d, want 1", len(calls))
		}
		c := calls[0]
		if c.RunID != 7 || c.NodeKey != "n" || c.Attempt != 2 || len(c.ContextEnvelopes) != 1 {
			t.Errorf("call = %+v", c)
		}
		if m.CallCount("n") != 1 || m.CallCount("other") != 0 {
			t.Errorf("CallCount = (%d, %d)", m.CallCount("n"), m.CallCount("other"))
		}
	})

	t.Run("cancelled context rejected", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		m := &MockRunner{Default: MockOutcome{Report: "ok"}}
		if _, err := m.RunPhase(cancelled, PhaseRequest{NodeKey: "n"}); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	mock := &MockRunner{}
	reg.Register(mock)

	got, err := reg.Resolve("mock")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != mock {
		t.Error("Resolve returned a different runner")
	}

	if _, err := reg.Resolve("unknown"); err == nil {
		t.Error("Resolve(unknown) succeeded")
	}

	reg.Register(&MockRunner{ProviderName: "anthropic"})
	names := reg.Names()
	if len(names) != 2 {
		t.Errorf("Names() = %v, want 2 entries", names)
	}
}
