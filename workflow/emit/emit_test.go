package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()

	b.Emit(Event{RunID: 1, NodeKey: "implement", Attempt: 1, Msg: "node_claimed"})
	b.Emit(Event{RunID: 1, NodeKey: "implement", Attempt: 1, Msg: "node_completed"})
	b.Emit(Event{RunID: 1, NodeKey: "review", Attempt: 2, Msg: "node_claimed"})
	b.Emit(Event{RunID: 2, NodeKey: "implement", Attempt: 1, Msg: "node_claimed"})

	t.Run("history is per run and ordered", func(t *testing.T) {
		history := b.GetHistory(1)
		if len(history) != 3 {
			t.Fatalf("len = %d, want 3", len(history))
		}
		if history[0].Msg != "node_claimed" || history[1].Msg != "node_completed" {
			t.Errorf("order wrong: %v, %v", history[0].Msg, history[1].Msg)
		}
	})

	t.Run("unknown run yields empty slice", func(t *testing.T) {
		if got := b.GetHistory(99); got == nil || len(got) != 0 {
			t.Errorf("GetHistory(99) = %v, want empty non-nil", got)
		}
	})

	t.Run("filter by node key", func(t *testing.T) {
		got := b.GetHistoryWithFilter(1, HistoryFilter{NodeKey: "review"})
		if len(got) != 1 || got[0].NodeKey != "review" {
			t.Errorf("filtered = %+v", got)
		}
	})

	t.Run("filters combine with AND", func(t *testing.T) {
		attempt := 1
		got := b.GetHistoryWithFilter(1, HistoryFilter{NodeKey: "implement", Msg: "node_claimed", Attempt: &attempt})
		if len(got) != 1 {
			t.Fatalf("filtered = %d events, want 1", len(got))
		}
		attempt = 5
		if got := b.GetHistoryWithFilter(1, HistoryFilter{Attempt: &attempt}); len(got) != 0 {
			t.Errorf("attempt-5 filter matched %d events", len(got))
		}
	})

	t.Run("clear one run", func(t *testing.T) {
		b.Clear(1)
		if len(b.GetHistory(1)) != 0 {
			t.Error("run 1 not cleared")
		}
		if len(b.GetHistory(2)) != 1 {
			t.Error("run 2 events lost")
		}
	})

	t.Run("clear all", func(t *testing.T) {
		b.Clear(0)
		if len(b.GetHistory(2)) != 0 {
			t.Error("clear all left events behind")
		}
	})
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)

	l.Emit(Event{RunID: 12, NodeKey: "implement", Attempt: 1, Msg: "node_claimed"})

	out := buf.String()
	for _, want := range []string{"node_claimed", "runID=12", "nodeKey=implement", "attempt=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	l.Emit(Event{RunID: 12, NodeKey: "review", Attempt: 2, Msg: "node_completed", Meta: map[string]interface{}{"status": "completed"}})

	var decoded struct {
		RunID   int64                  `json:"runID"`
		NodeKey string                 `json:"nodeKey"`
		Attempt int                    `json:"attempt"`
		Msg     string                 `json:"msg"`
		Meta    map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.RunID != 12 || decoded.NodeKey != "review" || decoded.Msg != "node_completed" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["status"] != "completed" {
		t.Errorf("meta = %v", decoded.Meta)
	}
}

func TestOTelEmitter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	o := NewOTelEmitter(tp.Tracer("alphred-test"))

	o.Emit(Event{
		RunID:   7,
		NodeKey: "implement",
		Attempt: 1,
		Msg:     "node_claimed",
		Meta:    map[string]interface{}{"status": "running", "tokens": 42},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "node_claimed" {
		t.Errorf("span name = %q, want node_claimed", span.Name)
	}

	attrs := make(map[string]interface{})
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["alphred.run_id"] != int64(7) {
		t.Errorf("alphred.run_id = %v", attrs["alphred.run_id"])
	}
	if attrs["alphred.node_key"] != "implement" {
		t.Errorf("alphred.node_key = %v", attrs["alphred.node_key"])
	}
	if attrs["alphred.status"] != "running" {
		t.Errorf("alphred.status = %v", attrs["alphred.status"])
	}
	if attrs["alphred.tokens"] != int64(42) {
		t.Errorf("alphred.tokens = %v", attrs["alphred.tokens"])
	}

	t.Run("error meta marks the span", func(t *testing.T) {
		exporter.Reset()
		o.Emit(Event{RunID: 7, Msg: "node_failed", Meta: map[string]interface{}{"error": "provider timeout"}})

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("spans = %d, want 1", len(spans))
		}
		if spans[0].Status.Description != "provider timeout" {
			t.Errorf("status = %+v", spans[0].Status)
		}
	})

	t.Run("batch emits one span per event", func(t *testing.T) {
		exporter.Reset()
		err := o.EmitBatch(context.Background(), []Event{
			{RunID: 1, Msg: "a"},
			{RunID: 1, Msg: "b"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := len(exporter.GetSpans()); got != 2 {
			t.Errorf("spans = %d, want 2", got)
		}
	})
}

func TestNullEmitter(t *testing.T) {
	// Emits are discarded without panicking, including nil meta.
	n := NewNullEmitter()
	n.Emit(Event{})
	n.Emit(Event{RunID: 1, Msg: "anything", Meta: nil})
}
