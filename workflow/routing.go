package workflow

import (
	"sort"

	"github.com/alphred-ai/alphred/workflow/store"
)

// RoutingProjection is the per-run routing view the executor computes from
// completed sources, their latest decisions, and their latest artifacts.
type RoutingProjection struct {
	// SelectedEdgeBySource maps a completed source tree-node id to the edge
	// it routed through.
	SelectedEdgeBySource map[int64]store.TreeEdge

	// IncomingEdgesByTarget maps a target tree-node id to all success edges
	// pointing at it, in scan order.
	IncomingEdgesByTarget map[int64][]store.TreeEdge

	// UnresolvedSources are completed sources with manual outgoing edges
	// and no fresh routing decision yet.
	UnresolvedSources map[int64]bool

	// NoRouteSources are completed sources whose fresh decision matched no
	// outgoing edge.
	NoRouteSources map[int64]bool

	// HasNoRouteDecision is true when any source resolved to no_route.
	HasNoRouteDecision bool
}

// routingInputs bundles the per-run state routing selection reads.
type routingInputs struct {
	nodes     []store.RunNode // latest attempts
	edges     []store.TreeEdge
	guards    map[int64]store.GuardDefinition
	decisions map[int64]store.RoutingDecision // by run-node id
	artifacts map[int64]store.ArtifactRef     // latest by run-node id
}

// decisionIsFresh reports whether a routing decision still applies to the
// node's current attempt. A decision with no recorded attempt is always
// stale, as is one older than the node's latest artifact.
func decisionIsFresh(d store.RoutingDecision, node store.RunNode, latestArtifact *store.ArtifactRef) bool {
	if d.Attempt == nil || *d.Attempt != node.Attempt {
		return false
	}
	if latestArtifact != nil && d.CreatedAt.Before(latestArtifact.CreatedAt) {
		return false
	}
	return true
}

// computeRouting runs edge selection for every completed source node.
//
// Edges are scanned in (priority, targetNodeId, id) order. Auto edges match
// unconditionally. Manual edges require a fresh routing decision; a guard,
// when present, is evaluated against {"decision": <signal>} and an unguarded
// manual edge matches any fresh decision. A completed source whose fresh
// decision matched nothing becomes a no-route source; one with manual edges
// and no fresh decision stays unresolved.
func computeRouting(in routingInputs) (RoutingProjection, error) {
	proj := RoutingProjection{
		SelectedEdgeBySource:  make(map[int64]store.TreeEdge),
		IncomingEdgesByTarget: make(map[int64][]store.TreeEdge),
		UnresolvedSources:     make(map[int64]bool),
		NoRouteSources:        make(map[int64]bool),
	}

	outgoing := make(map[int64][]store.TreeEdge)
	for _, e := range in.edges {
		if e.RouteOn != store.RouteOnSuccess {
			continue
		}
		outgoing[e.SourceNodeID] = append(outgoing[e.SourceNodeID], e)
		proj.IncomingEdgesByTarget[e.TargetNodeID] = append(proj.IncomingEdgesByTarget[e.TargetNodeID], e)
	}
	for src := range outgoing {
		edges := outgoing[src]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Priority != edges[j].Priority {
				return edges[i].Priority < edges[j].Priority
			}
			if edges[i].TargetNodeID != edges[j].TargetNodeID {
				return edges[i].TargetNodeID < edges[j].TargetNodeID
			}
			return edges[i].ID < edges[j].ID
		})
	}

	for _, node := range in.nodes {
		if node.Status != store.NodeCompleted {
			continue
		}
		edges := outgoing[node.TreeNodeID]
		if len(edges) == 0 {
			continue
		}

		var (
			decision    *store.RoutingDecision
			latestRef   *store.ArtifactRef
			sawManual   bool
			selected    bool
		)
		if ref, ok := in.artifacts[node.ID]; ok {
			latestRef = &ref
		}
		if d, ok := in.decisions[node.ID]; ok && decisionIsFresh(d, node, latestRef) {
			decision = &d
		}

		for _, edge := range edges {
			if edge.Auto {
				proj.SelectedEdgeBySource[node.TreeNodeID] = edge
				selected = true
				break
			}
			sawManual = true
			if decision == nil {
				continue
			}
			if decision.DecisionType == store.DecisionNoRoute {
				continue
			}
			if edge.GuardDefinitionID != nil {
				guard, ok := in.guards[*edge.GuardDefinitionID]
				if !ok {
					return RoutingProjection{}, NewError(KindInternal, "GUARD_DEFINITION_MISSING",
						"edge %d references missing guard %d", edge.ID, *edge.GuardDefinitionID)
				}
				parsed, err := ParseGuard(guard.Expression)
				if err != nil {
					return RoutingProjection{}, err
				}
				ok, err = parsed.Evaluate(map[string]interface{}{"decision": decision.DecisionType})
				if err != nil {
					return RoutingProjection{}, err
				}
				if !ok {
					continue
				}
			}
			proj.SelectedEdgeBySource[node.TreeNodeID] = edge
			selected = true
			break
		}

		if selected {
			continue
		}
		switch {
		case decision != nil:
			// A fresh decision exists but matched nothing.
			proj.NoRouteSources[node.TreeNodeID] = true
			proj.HasNoRouteDecision = true
		case sawManual:
			proj.UnresolvedSources[node.TreeNodeID] = true
		}
	}

	return proj, nil
}
