package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/convoflow/flowpg/storage"
)

// Graph is the in-memory adjacency view of one flow, built once per flow
// and cached. Nodes are indexed by author-assigned node id; edges are
// grouped by (source node, connection label). Composite references stay
// lazy — child flows are resolved by id at execution time, never by
// pointer, so cycles across flow boundaries cannot form in memory.
type Graph struct {
	Flow  *storage.Flow
	nodes map[string]*storage.Node
	edges map[string]map[storage.ConnectionType]*storage.Connection
}

// BuildGraph validates a flow definition and builds its adjacency view.
// Validation failures return a *ValidationError listing every issue.
func BuildGraph(fg *storage.FlowGraph) (*Graph, error) {
	g := &Graph{
		Flow:  fg.Flow,
		nodes: make(map[string]*storage.Node, len(fg.Nodes)),
		edges: make(map[string]map[storage.ConnectionType]*storage.Connection),
	}

	var issues []string
	for _, node := range fg.Nodes {
		if !node.Type.IsValid() {
			issues = append(issues, fmt.Sprintf("node %s has unknown type %q", node.NodeID, node.Type))
		}
		if _, dup := g.nodes[node.NodeID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node id %s", node.NodeID))
			continue
		}
		g.nodes[node.NodeID] = node
	}

	for _, conn := range fg.Connections {
		if _, ok := g.nodes[conn.SourceNodeID]; !ok {
			issues = append(issues, fmt.Sprintf("connection source %s does not exist", conn.SourceNodeID))
			continue
		}
		if _, ok := g.nodes[conn.TargetNodeID]; !ok {
			issues = append(issues, fmt.Sprintf("connection target %s does not exist", conn.TargetNodeID))
			continue
		}
		byType := g.edges[conn.SourceNodeID]
		if byType == nil {
			byType = make(map[storage.ConnectionType]*storage.Connection)
			g.edges[conn.SourceNodeID] = byType
		}
		if _, dup := byType[conn.Type]; dup {
			issues = append(issues, fmt.Sprintf("node %s has duplicate %s edges", conn.SourceNodeID, conn.Type))
			continue
		}
		byType[conn.Type] = conn
	}

	if _, ok := g.nodes[fg.Flow.EntryNodeID]; !ok {
		issues = append(issues, fmt.Sprintf("entry node %s does not exist", fg.Flow.EntryNodeID))
	}

	if len(issues) > 0 {
		return nil, &ValidationError{FlowID: fg.Flow.ID, Issues: issues}
	}
	return g, nil
}

// Node returns a node by its author-assigned id.
func (g *Graph) Node(nodeID string) (*storage.Node, bool) {
	node, ok := g.nodes[nodeID]
	return node, ok
}

// Entry returns the flow's entry node.
func (g *Graph) Entry() *storage.Node {
	return g.nodes[g.Flow.EntryNodeID]
}

// Edge returns the outgoing edge of source with the given label.
func (g *Graph) Edge(sourceNodeID string, label storage.ConnectionType) (*storage.Connection, bool) {
	conn, ok := g.edges[sourceNodeID][label]
	return conn, ok
}

// DefaultNext returns the target of the source's DEFAULT edge, or "" when
// the node is terminal.
func (g *Graph) DefaultNext(sourceNodeID string) string {
	if conn, ok := g.Edge(sourceNodeID, storage.ConnectionDefault); ok {
		return conn.TargetNodeID
	}
	return ""
}

// ResolveOutcome maps a branch outcome (an edge label like "option_0",
// "$0", or "SUCCESS", or a literal target node id) to the next node id.
// The empty string means no match.
func (g *Graph) ResolveOutcome(sourceNodeID, outcome string) string {
	if outcome == "" {
		return ""
	}

	label := normalizeLabel(outcome)
	if conn, ok := g.Edge(sourceNodeID, label); ok {
		return conn.TargetNodeID
	}

	// Authors sometimes name the target node directly.
	if _, ok := g.nodes[outcome]; ok {
		return outcome
	}
	return ""
}

// normalizeLabel canonicalizes outcome spellings: "$0" and "option_0" both
// mean the OPTION_0 edge.
func normalizeLabel(outcome string) storage.ConnectionType {
	if rest, ok := strings.CutPrefix(outcome, "$"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return storage.OptionConnection(n)
		}
	}
	return storage.ConnectionType(strings.ToUpper(outcome))
}
