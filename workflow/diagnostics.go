package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/alphred-ai/alphred/workflow/provider"
	"github.com/alphred-ai/alphred/workflow/store"
)

// Diagnostics limits. All character counts are rune counts.
const (
	diagnosticsSchemaVersion = 1

	maxDiagnosticsEvents       = 120
	maxContentPreviewChars     = 600
	maxMetadataJSONChars       = 2000
	maxStackPreviewChars       = 1600
	maxDiagnosticsPayloadChars = 48000

	maxMetadataDepth    = 6
	maxMetadataArrayLen = 24
)

const redactedPlaceholder = "[REDACTED]"

var redactKeyPattern = regexp.MustCompile(`(?i)token|secret|password|authorization|auth|api[_-]?key|session|cookie|credential`)

// secretValuePatterns match string payloads that are themselves secrets
// regardless of what key they arrived under.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
}

// redactor scrubs secrets from event content and metadata, remembering
// whether anything fired.
type redactor struct {
	fired bool
}

func (r *redactor) redactString(s string) string {
	out := s
	for _, p := range secretValuePatterns {
		if p.MatchString(out) {
			out = p.ReplaceAllString(out, redactedPlaceholder)
			r.fired = true
		}
	}
	return out
}

// redactValue walks arbitrary decoded JSON, replacing values under secret
// keys and secret-shaped strings. Depth and array length are bounded so
// hostile metadata cannot blow up the payload.
func (r *redactor) redactValue(v interface{}, depth int) interface{} {
	if depth > maxMetadataDepth {
		return "[depth exceeded]"
	}

	switch val := v.(type) {
	case string:
		return r.redactString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			if redactKeyPattern.MatchString(k) {
				out[k] = redactedPlaceholder
				r.fired = true
				continue
			}
			out[k] = r.redactValue(sub, depth+1)
		}
		return out
	case []interface{}:
		n := len(val)
		if n > maxMetadataArrayLen {
			n = maxMetadataArrayLen
		}
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			out[i] = r.redactValue(val[i], depth+1)
		}
		return out
	default:
		return v
	}
}

// usageTracker folds per-event token signals into a running cumulative.
type usageTracker struct {
	cumulative int
}

// observe returns the delta and cumulative token counts after folding in one
// event. Incremental tokens add; cumulative-style metadata overwrites, with
// the delta clamped at zero so out-of-order reports never go negative.
func (u *usageTracker) observe(ev provider.Event) (delta, cumulative int) {
	if ev.Tokens > 0 {
		u.cumulative += ev.Tokens
		delta = ev.Tokens
	}

	if c, ok := cumulativeTokens(ev.Metadata); ok {
		d := c - u.cumulative
		if d < 0 {
			d = 0
		}
		delta = d
		u.cumulative = c
	}

	return delta, u.cumulative
}

// cumulativeTokens extracts a cumulative token count from event metadata.
func cumulativeTokens(meta map[string]interface{}) (int, bool) {
	for _, key := range []string{"tokensUsed", "totalTokens", "total_tokens"} {
		if n, ok := metaInt(meta[key]); ok {
			return n, true
		}
	}
	in, inOK := metaInt(meta["input_tokens"])
	out, outOK := metaInt(meta["output_tokens"])
	if inOK || outOK {
		return in + out, true
	}
	return 0, false
}

func metaInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// DiagnosticsEvent is one retained event inside the attempt payload.
type DiagnosticsEvent struct {
	Index            int             `json:"index"`
	Type             string          `json:"type"`
	Timestamp        string          `json:"timestamp"`
	ContentChars     int             `json:"content_chars"`
	ContentPreview   string          `json:"content_preview"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	DeltaTokens      int             `json:"delta_tokens,omitempty"`
	CumulativeTokens int             `json:"cumulative_tokens,omitempty"`
}

// ToolUsage summarizes tool_use / tool_result events for one tool name.
type ToolUsage struct {
	Name        string `json:"name"`
	Uses        int    `json:"uses"`
	LastSummary string `json:"last_summary,omitempty"`
}

// DiagnosticsError carries the failure details of a failed attempt.
type DiagnosticsError struct {
	Name         string `json:"name"`
	Message      string `json:"message"`
	StackPreview string `json:"stack_preview,omitempty"`
}

// AttemptDiagnostics is the schema-version-1 payload persisted per attempt.
type AttemptDiagnostics struct {
	SchemaVersion    int               `json:"schema_version"`
	Outcome          string            `json:"outcome"`
	Status           string            `json:"status"`
	Error            *DiagnosticsError `json:"error,omitempty"`
	EventCount       int               `json:"event_count"`
	EventTypeCounts  map[string]int    `json:"event_type_counts"`
	ToolUsage        []ToolUsage       `json:"tool_usage,omitempty"`
	Events           []DiagnosticsEvent `json:"events"`
	TokensCumulative int               `json:"tokens_cumulative"`
	Truncated        bool              `json:"truncated"`
}

// diagnosticsRecorder accumulates the diagnostics view of one attempt while
// streaming every event to the store as it arrives.
type diagnosticsRecorder struct {
	st        *store.Store
	runID     int64
	runNodeID int64
	attempt   int

	red   redactor
	usage usageTracker

	eventCount int
	typeCounts map[string]int
	toolOrder  []string
	tools      map[string]*ToolUsage
	events     []DiagnosticsEvent
	streamErr  error
}

func newDiagnosticsRecorder(st *store.Store, runID, runNodeID int64, attempt int) *diagnosticsRecorder {
	return &diagnosticsRecorder{
		st:         st,
		runID:      runID,
		runNodeID:  runNodeID,
		attempt:    attempt,
		typeCounts: make(map[string]int),
		tools:      make(map[string]*ToolUsage),
	}
}

// observe processes one provider event: redacts it, folds token usage,
// persists a stream row, and retains it for the attempt payload (up to the
// event cap; the histogram keeps counting past it).
func (r *diagnosticsRecorder) observe(ctx context.Context, ev provider.Event) {
	content := r.red.redactString(ev.Content)
	metadata := r.red.redactValue(map[string]interface{}(ev.Metadata), 1)
	delta, cumulative := r.usage.observe(ev)

	preview, _ := headTail(content, maxContentPreviewChars)
	metaJSON := encodeMetadata(metadata)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if _, err := r.st.AppendStreamEvent(ctx, store.StreamEventRow{
		RunID:                 r.runID,
		RunNodeID:             r.runNodeID,
		Attempt:               r.attempt,
		EventType:             ev.Type,
		Timestamp:             ts,
		ContentChars:          len([]rune(content)),
		ContentPreview:        preview,
		Metadata:              metaJSON,
		UsageDeltaTokens:      delta,
		UsageCumulativeTokens: cumulative,
	}); err != nil && r.streamErr == nil {
		r.streamErr = err
	}

	idx := r.eventCount
	r.eventCount++
	r.typeCounts[ev.Type]++

	if ev.Type == "tool_use" || ev.Type == "tool_result" {
		r.recordTool(ev, content)
	}

	if len(r.events) < maxDiagnosticsEvents {
		var rawMeta json.RawMessage
		if metaJSON != "" {
			rawMeta = json.RawMessage(metaJSON)
		}
		r.events = append(r.events, DiagnosticsEvent{
			Index:            idx,
			Type:             ev.Type,
			Timestamp:        ts.UTC().Format("2006-01-02T15:04:05.000Z"),
			ContentChars:     len([]rune(content)),
			ContentPreview:   preview,
			Metadata:         rawMeta,
			DeltaTokens:      delta,
			CumulativeTokens: cumulative,
		})
	}
}

func (r *diagnosticsRecorder) recordTool(ev provider.Event, content string) {
	name := "unknown"
	if n, ok := ev.Metadata["name"].(string); ok && n != "" {
		name = n
	} else if n, ok := ev.Metadata["tool_name"].(string); ok && n != "" {
		name = n
	}

	usage, ok := r.tools[name]
	if !ok {
		usage = &ToolUsage{Name: name}
		r.tools[name] = usage
		r.toolOrder = append(r.toolOrder, name)
	}
	usage.Uses++
	if content != "" {
		summary, _ := headTail(content, 120)
		usage.LastSummary = summary
	}
}

// finalize builds and persists the attempt payload. The serialized JSON is
// capped: first tail events are dropped one at a time, then the error stack
// preview, each drop marking the payload truncated.
func (r *diagnosticsRecorder) finalize(ctx context.Context, outcome, status string, execErr error) error {
	payload := AttemptDiagnostics{
		SchemaVersion:    diagnosticsSchemaVersion,
		Outcome:          outcome,
		Status:           status,
		EventCount:       r.eventCount,
		EventTypeCounts:  r.typeCounts,
		Events:           r.events,
		TokensCumulative: r.usage.cumulative,
		Truncated:        r.eventCount > len(r.events),
	}
	for _, name := range r.toolOrder {
		payload.ToolUsage = append(payload.ToolUsage, *r.tools[name])
	}
	if execErr != nil {
		msg := r.red.redactString(execErr.Error())
		stack, _ := headTail(fmt.Sprintf("%+v", execErr), maxStackPreviewChars)
		payload.Error = &DiagnosticsError{
			Name:         string(KindOf(execErr)),
			Message:      msg,
			StackPreview: r.red.redactString(stack),
		}
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return WrapError(KindInternal, "DIAGNOSTICS_ENCODE_FAILED", err, "failed to encode diagnostics")
	}

	for len([]rune(string(serialized))) > maxDiagnosticsPayloadChars && len(payload.Events) > 0 {
		payload.Events = payload.Events[:len(payload.Events)-1]
		payload.Truncated = true
		if serialized, err = json.Marshal(payload); err != nil {
			return WrapError(KindInternal, "DIAGNOSTICS_ENCODE_FAILED", err, "failed to encode diagnostics")
		}
	}
	if len([]rune(string(serialized))) > maxDiagnosticsPayloadChars && payload.Error != nil && payload.Error.StackPreview != "" {
		payload.Error.StackPreview = ""
		payload.Truncated = true
		if serialized, err = json.Marshal(payload); err != nil {
			return WrapError(KindInternal, "DIAGNOSTICS_ENCODE_FAILED", err, "failed to encode diagnostics")
		}
	}

	_, err = r.st.InsertDiagnostics(ctx, store.DiagnosticsRow{
		RunID:        r.runID,
		RunNodeID:    r.runNodeID,
		Attempt:      r.attempt,
		Outcome:      outcome,
		EventCount:   r.eventCount,
		Redacted:     r.red.fired,
		Truncated:    payload.Truncated,
		PayloadChars: len([]rune(string(serialized))),
		Diagnostics:  string(serialized),
	})
	if err != nil {
		return err
	}
	return r.streamErr
}

// encodeMetadata serializes redacted metadata, capping the JSON at
// maxMetadataJSONChars. Oversized blobs are replaced with a stub carrying a
// preview so the shape of the original remains visible.
func encodeMetadata(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return ""
	}

	data, err := json.Marshal(m)
	if err != nil {
		return `{"error":"metadata not serializable"}`
	}
	if len([]rune(string(data))) <= maxMetadataJSONChars {
		return string(data)
	}

	preview, _ := headTail(string(data), 400)
	stub, err := json.Marshal(map[string]interface{}{
		"truncated":     true,
		"originalChars": len([]rune(string(data))),
		"preview":       preview,
	})
	if err != nil {
		return `{"truncated":true}`
	}
	return string(stub)
}
