package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/alphred-ai/alphred/workflow/store"
)

// Context handoff budget. Limits are counted in characters of envelope body.
const (
	// ContextPolicyVersion appears in every envelope and manifest.
	ContextPolicyVersion = 1

	// maxCharsPerArtifact caps each included artifact body.
	maxCharsPerArtifact = 12000

	// maxCharsTotal caps the combined bodies of all included artifacts.
	maxCharsTotal = 32000

	// minRemainingForPartial is the smallest remaining global budget worth
	// spending on a final partial inclusion.
	minRemainingForPartial = 1000

	// maxArtifactsIncluded caps how many upstream artifacts one attempt
	// receives.
	maxArtifactsIncluded = 4
)

// ContextManifest records exactly what an attempt received. It is persisted
// in the success artifact metadata and the failure log so every attempt's
// input is reconstructible.
type ContextManifest struct {
	ContextPolicyVersion      int       `json:"context_policy_version"`
	IncludedArtifactIDs       []int64   `json:"included_artifact_ids"`
	IncludedSourceNodeKeys    []string  `json:"included_source_node_keys"`
	IncludedSourceRunNodeIDs  []int64   `json:"included_source_run_node_ids"`
	IncludedCount             int       `json:"included_count"`
	IncludedCharsTotal        int       `json:"included_chars_total"`
	TruncatedArtifactIDs      []int64   `json:"truncated_artifact_ids"`
	MissingUpstreamArtifacts  bool      `json:"missing_upstream_artifacts"`
	AssemblyTimestamp         time.Time `json:"assembly_timestamp"`
	NoEligibleArtifactTypes   bool      `json:"no_eligible_artifact_types"`
	BudgetOverflow            bool      `json:"budget_overflow"`
	DroppedArtifactIDs        []int64   `json:"dropped_artifact_ids"`
}

// upstreamArtifact is one candidate for inclusion: a predecessor's latest
// report artifact.
type upstreamArtifact struct {
	artifact      store.PhaseArtifact
	sourceNodeKey string
	sourceAttempt int
}

// AssembledContext is the outcome of context assembly for one attempt.
type AssembledContext struct {
	Envelopes []string
	Manifest  ContextManifest
}

// truncation describes how one artifact body was cut to fit its budget.
type truncation struct {
	applied       bool
	method        string
	originalChars int
	includedChars int
	droppedChars  int
}

// headTail cuts s to at most limit characters, keeping floor(limit/2) from
// the head and the remainder from the tail.
func headTail(s string, limit int) (string, truncation) {
	runes := []rune(s)
	n := len(runes)
	if n <= limit {
		return s, truncation{method: "none", originalChars: n, includedChars: n}
	}

	head := limit / 2
	tail := limit - head
	body := string(runes[:head]) + string(runes[n-tail:])
	return body, truncation{
		applied:       true,
		method:        "head_tail",
		originalChars: n,
		includedChars: limit,
		droppedChars:  n - limit,
	}
}

// assembleContext builds the envelopes and manifest for one attempt from
// the target's direct predecessors, applying the handoff budget in source
// order.
func assembleContext(runID int64, targetNodeKey string, candidates []upstreamArtifact, hadPredecessors, sawNonReport bool, now time.Time) AssembledContext {
	manifest := ContextManifest{
		ContextPolicyVersion:     ContextPolicyVersion,
		IncludedArtifactIDs:      []int64{},
		IncludedSourceNodeKeys:   []string{},
		IncludedSourceRunNodeIDs: []int64{},
		TruncatedArtifactIDs:     []int64{},
		DroppedArtifactIDs:       []int64{},
		AssemblyTimestamp:        now.UTC(),
	}

	var envelopes []string
	remaining := maxCharsTotal

	for _, cand := range candidates {
		if len(envelopes) >= maxArtifactsIncluded {
			manifest.BudgetOverflow = true
			manifest.DroppedArtifactIDs = append(manifest.DroppedArtifactIDs, cand.artifact.ID)
			continue
		}

		limit := maxCharsPerArtifact
		if remaining < limit {
			if remaining < minRemainingForPartial {
				manifest.BudgetOverflow = true
				manifest.DroppedArtifactIDs = append(manifest.DroppedArtifactIDs, cand.artifact.ID)
				continue
			}
			limit = remaining
		}

		body, trunc := headTail(cand.artifact.Content, limit)
		envelopes = append(envelopes, renderEnvelope(runID, targetNodeKey, cand, body, trunc))
		remaining -= trunc.includedChars

		manifest.IncludedArtifactIDs = append(manifest.IncludedArtifactIDs, cand.artifact.ID)
		manifest.IncludedSourceNodeKeys = append(manifest.IncludedSourceNodeKeys, cand.sourceNodeKey)
		manifest.IncludedSourceRunNodeIDs = append(manifest.IncludedSourceRunNodeIDs, cand.artifact.RunNodeID)
		manifest.IncludedCharsTotal += trunc.includedChars
		if trunc.applied {
			manifest.TruncatedArtifactIDs = append(manifest.TruncatedArtifactIDs, cand.artifact.ID)
		}
	}

	manifest.IncludedCount = len(envelopes)
	manifest.MissingUpstreamArtifacts = len(envelopes) == 0
	manifest.NoEligibleArtifactTypes = hadPredecessors && len(candidates) == 0 && sawNonReport

	return AssembledContext{Envelopes: envelopes, Manifest: manifest}
}

// renderEnvelope emits the fixed-format upstream-artifact envelope. The
// sha256 always covers the full original content, truncated or not, so
// downstream consumers can verify provenance against the database.
func renderEnvelope(runID int64, targetNodeKey string, cand upstreamArtifact, body string, trunc truncation) string {
	sum := sha256.Sum256([]byte(cand.artifact.Content))

	var sb strings.Builder
	sb.WriteString("ALPHRED_UPSTREAM_ARTIFACT v1\n")
	fmt.Fprintf(&sb, "policy_version: %d\n", ContextPolicyVersion)
	sb.WriteString("untrusted_data: true\n")
	fmt.Fprintf(&sb, "workflow_run_id: %d\n", runID)
	fmt.Fprintf(&sb, "target_node_key: %s\n", targetNodeKey)
	fmt.Fprintf(&sb, "source_node_key: %s\n", cand.sourceNodeKey)
	fmt.Fprintf(&sb, "source_run_node_id: %d\n", cand.artifact.RunNodeID)
	fmt.Fprintf(&sb, "source_attempt: %d\n", cand.sourceAttempt)
	fmt.Fprintf(&sb, "artifact_id: %d\n", cand.artifact.ID)
	fmt.Fprintf(&sb, "artifact_type: %s\n", cand.artifact.ArtifactType)
	fmt.Fprintf(&sb, "content_type: %s\n", cand.artifact.ContentType)
	fmt.Fprintf(&sb, "created_at: %s\n", cand.artifact.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&sb, "sha256: %s\n", hex.EncodeToString(sum[:]))
	sb.WriteString("truncation:\n")
	fmt.Fprintf(&sb, "  applied: %t\n", trunc.applied)
	fmt.Fprintf(&sb, "  method: %s\n", trunc.method)
	fmt.Fprintf(&sb, "  original_chars: %d\n", trunc.originalChars)
	fmt.Fprintf(&sb, "  included_chars: %d\n", trunc.includedChars)
	fmt.Fprintf(&sb, "  dropped_chars: %d\n", trunc.droppedChars)
	sb.WriteString("content:\n")
	sb.WriteString("<<<BEGIN>>>\n")
	sb.WriteString(body)
	sb.WriteString("\n<<<END>>>")
	return sb.String()
}
