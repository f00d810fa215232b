package knowledgegraph

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// InMemoryKG is an ephemeral GraphStore with the same MERGE semantics as the
// Neo4j backend. It backs tests and single-run CLI invocations.
type InMemoryKG struct {
	nodes map[schemas.NodeRef]*schemas.GraphNode
	edges map[string]*schemas.GraphEdge
	// adjacency maps a node to the ids of every edge touching it, both directions.
	adjacency map[schemas.NodeRef]map[string]struct{}
	mu        sync.RWMutex
	now       func() time.Time
	log       *zap.Logger
}

// Ensures InMemoryKG correctly implements the GraphStore interface at compile time.
var _ schemas.GraphStore = (*InMemoryKG)(nil)

// NewInMemoryKG creates a new, empty in-memory knowledge graph.
func NewInMemoryKG(logger *zap.Logger) *InMemoryKG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryKG{
		nodes:     make(map[schemas.NodeRef]*schemas.GraphNode),
		edges:     make(map[string]*schemas.GraphEdge),
		adjacency: make(map[schemas.NodeRef]map[string]struct{}),
		now:       time.Now,
		log:       logger.Named("InMemoryKG"),
	}
}

// EnsureConnected always succeeds.
func (kg *InMemoryKG) EnsureConnected(context.Context) error { return nil }

// UpsertNode merges a node by (label, key). Scalars overwrite, lists are
// appended with de-duplication, and the seen-window widens.
func (kg *InMemoryKG) UpsertNode(ctx context.Context, node schemas.GraphNode) error {
	if err := validateNode(node); err != nil {
		return err
	}
	ref := canonicalRef(node.Ref())
	seen := kg.seenAt(node.LastSeen)

	kg.mu.Lock()
	defer kg.mu.Unlock()

	n := kg.ensureNode(ref, firstOr(node.FirstSeen, seen))
	for k, v := range node.Properties {
		n.Properties[k] = v
	}
	for k, vs := range node.Lists {
		n.Lists[k] = appendUnique(n.Lists[k], vs)
	}
	if !node.FirstSeen.IsZero() && node.FirstSeen.Before(n.FirstSeen) {
		n.FirstSeen = node.FirstSeen
	}
	if seen.After(n.LastSeen) {
		n.LastSeen = seen
	}
	kg.log.Debug("Node merged", zap.String("node", ref.String()))
	return nil
}

// UpsertEdge merges an edge by (type, from, to), creating absent endpoints.
func (kg *InMemoryKG) UpsertEdge(ctx context.Context, edge schemas.GraphEdge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	edge.From = canonicalRef(edge.From)
	edge.To = canonicalRef(edge.To)
	seen := kg.seenAt(edge.LastSeen)

	kg.mu.Lock()
	defer kg.mu.Unlock()

	for _, ref := range []schemas.NodeRef{edge.From, edge.To} {
		n := kg.ensureNode(ref, seen)
		if seen.After(n.LastSeen) {
			n.LastSeen = seen
		}
	}

	id := edgeID(edge)
	existing, ok := kg.edges[id]
	if !ok {
		existing = &schemas.GraphEdge{Type: edge.Type, From: edge.From, To: edge.To, Properties: map[string]any{}}
		kg.edges[id] = existing
		kg.link(edge.From, id)
		kg.link(edge.To, id)
	}
	for k, v := range edge.Properties {
		existing.Properties[k] = v
	}
	if seen.After(existing.LastSeen) {
		existing.LastSeen = seen
	}
	kg.log.Debug("Edge merged", zap.String("edge", id))
	return nil
}

// Query returns copies of the selected nodes and edges.
func (kg *InMemoryKG) Query(ctx context.Context, filter schemas.GraphFilter) (*schemas.GraphSnapshot, error) {
	kg.mu.RLock()
	nodes := make([]schemas.GraphNode, 0, len(kg.nodes))
	for _, n := range kg.nodes {
		nodes = append(nodes, copyNode(n))
	}
	edges := make([]schemas.GraphEdge, 0, len(kg.edges))
	for _, e := range kg.edges {
		edges = append(edges, copyEdge(e))
	}
	kg.mu.RUnlock()

	if filter.All {
		snap := &schemas.GraphSnapshot{Nodes: nodes, Edges: edges}
		sortSnapshot(snap)
		return snap, nil
	}
	return investigationView(nodes, edges, filter.Refs), nil
}

// Purge removes a node and every edge touching it. Purging an absent node is a no-op.
func (kg *InMemoryKG) Purge(ctx context.Context, ref schemas.NodeRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	ref = canonicalRef(ref)

	kg.mu.Lock()
	defer kg.mu.Unlock()

	if _, ok := kg.nodes[ref]; !ok {
		return nil
	}
	for id := range kg.adjacency[ref] {
		e := kg.edges[id]
		delete(kg.edges, id)
		if e == nil {
			continue
		}
		other := e.To
		if other == ref {
			other = e.From
		}
		delete(kg.adjacency[other], id)
	}
	delete(kg.adjacency, ref)
	delete(kg.nodes, ref)
	kg.log.Debug("Node purged", zap.String("node", ref.String()))
	return nil
}

// Close is a no-op.
func (kg *InMemoryKG) Close(context.Context) error { return nil }

// ensureNode returns the node for ref, creating it if needed.
// Assumes the caller holds the write lock.
func (kg *InMemoryKG) ensureNode(ref schemas.NodeRef, firstSeen time.Time) *schemas.GraphNode {
	n, ok := kg.nodes[ref]
	if !ok {
		n = &schemas.GraphNode{
			Label:      ref.Label,
			Key:        ref.Key,
			Properties: map[string]any{},
			Lists:      map[string][]string{},
			FirstSeen:  firstSeen,
			LastSeen:   firstSeen,
		}
		kg.nodes[ref] = n
	}
	return n
}

// link records edge id against node ref. Assumes the caller holds the write lock.
func (kg *InMemoryKG) link(ref schemas.NodeRef, id string) {
	set, ok := kg.adjacency[ref]
	if !ok {
		set = make(map[string]struct{})
		kg.adjacency[ref] = set
	}
	set[id] = struct{}{}
}

func (kg *InMemoryKG) seenAt(t time.Time) time.Time {
	if t.IsZero() {
		return kg.now().UTC()
	}
	return t.UTC()
}

func firstOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

func copyNode(n *schemas.GraphNode) schemas.GraphNode {
	out := *n
	out.Properties = make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		out.Properties[k] = v
	}
	out.Lists = make(map[string][]string, len(n.Lists))
	for k, v := range n.Lists {
		out.Lists[k] = append([]string(nil), v...)
	}
	return out
}

func copyEdge(e *schemas.GraphEdge) schemas.GraphEdge {
	out := *e
	out.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	return out
}
