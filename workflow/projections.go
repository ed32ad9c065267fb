package workflow

import (
	"sort"

	"github.com/alphred-ai/alphred/workflow/store"
)

// LatestRunNodeAttempts collapses run-node rows to one per tree node,
// keeping the row with the highest (attempt, id), ordered by
// (sequenceIndex, nodeKey, id).
//
// The store keeps one row per logical node, so the collapse is normally a
// no-op; it exists so projections stay correct against historical data where
// retries produced sibling rows.
func LatestRunNodeAttempts(rows []store.RunNode) []store.RunNode {
	latest := make(map[int64]store.RunNode, len(rows))
	for _, row := range rows {
		prev, ok := latest[row.TreeNodeID]
		if !ok || row.Attempt > prev.Attempt || (row.Attempt == prev.Attempt && row.ID > prev.ID) {
			latest[row.TreeNodeID] = row
		}
	}

	out := make([]store.RunNode, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceIndex != out[j].SequenceIndex {
			return out[i].SequenceIndex < out[j].SequenceIndex
		}
		if out[i].NodeKey != out[j].NodeKey {
			return out[i].NodeKey < out[j].NodeKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// runNodeByTreeNode indexes latest-attempt run-nodes by their tree node id.
func runNodeByTreeNode(nodes []store.RunNode) map[int64]store.RunNode {
	byTreeNode := make(map[int64]store.RunNode, len(nodes))
	for _, n := range nodes {
		byTreeNode[n.TreeNodeID] = n
	}
	return byTreeNode
}
