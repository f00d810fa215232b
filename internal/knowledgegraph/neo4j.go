package knowledgegraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// Neo4jGraph is the GraphStore backed by Neo4j.
type Neo4jGraph struct {
	conn *Conn
	now  func() time.Time
	log  *zap.Logger
}

var _ schemas.GraphStore = (*Neo4jGraph)(nil)

// NewNeo4jGraph wraps a connection manager.
func NewNeo4jGraph(conn *Conn, logger *zap.Logger) *Neo4jGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Neo4jGraph{conn: conn, now: time.Now, log: logger.Named("neo4j_graph")}
}

// EnsureConnected verifies the connection and reconnects if it has died.
func (g *Neo4jGraph) EnsureConnected(ctx context.Context) error {
	return g.conn.EnsureConnected(ctx)
}

// EnsureSchema creates one uniqueness constraint per label on the natural key.
func (g *Neo4jGraph) EnsureSchema(ctx context.Context) error {
	for label := range knownLabels {
		cypher := fmt.Sprintf(
			"CREATE CONSTRAINT %s_key IF NOT EXISTS FOR (n:%s) REQUIRE n.key IS UNIQUE",
			strings.ToLower(string(label)), label)
		if err := g.conn.Write(ctx, cypher, nil); err != nil {
			return fmt.Errorf("graph schema for %s: %w", label, err)
		}
	}
	return nil
}

// UpsertNode merges a node by (label, key).
func (g *Neo4jGraph) UpsertNode(ctx context.Context, node schemas.GraphNode) error {
	if err := validateNode(node); err != nil {
		return err
	}
	ref := canonicalRef(node.Ref())
	seen := g.seenAt(node.LastSeen)

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (n:%s {key: $key})\n", ref.Label)
	b.WriteString("ON CREATE SET n.first_seen = $first_seen\n")
	b.WriteString("SET n.last_seen = CASE WHEN n.last_seen IS NULL OR n.last_seen < $seen THEN $seen ELSE n.last_seen END,\n")
	b.WriteString("    n.first_seen = CASE WHEN n.first_seen > $first_seen THEN $first_seen ELSE n.first_seen END,\n")
	b.WriteString("    n += $props")

	params := map[string]any{
		"key":        ref.Key,
		"seen":       seen,
		"first_seen": firstOr(node.FirstSeen, seen),
		"props":      scalarProps(node.Properties),
	}
	for i, name := range sortedKeys(node.Lists) {
		param := fmt.Sprintf("list%d", i)
		fmt.Fprintf(&b, ",\n    n.%[1]s = reduce(acc = coalesce(n.%[1]s, []), x IN $%[2]s | CASE WHEN x IN acc THEN acc ELSE acc + x END)", name, param)
		params[param] = node.Lists[name]
	}

	if err := g.conn.Write(ctx, b.String(), params); err != nil {
		return g.wrap("upsert_node", ref.String(), err)
	}
	return nil
}

// UpsertEdge merges an edge, creating either endpoint when absent.
func (g *Neo4jGraph) UpsertEdge(ctx context.Context, edge schemas.GraphEdge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	from, to := canonicalRef(edge.From), canonicalRef(edge.To)
	cypher := fmt.Sprintf(`MERGE (a:%s {key: $from})
ON CREATE SET a.first_seen = $seen, a.last_seen = $seen
MERGE (b:%s {key: $to})
ON CREATE SET b.first_seen = $seen, b.last_seen = $seen
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.first_seen = $seen
SET r.last_seen = $seen, r += $props`, from.Label, to.Label, edge.Type)

	params := map[string]any{
		"from":  from.Key,
		"to":    to.Key,
		"seen":  g.seenAt(edge.LastSeen),
		"props": scalarProps(edge.Properties),
	}
	if err := g.conn.Write(ctx, cypher, params); err != nil {
		return g.wrap("upsert_edge", edgeID(schemas.GraphEdge{Type: edge.Type, From: from, To: to}), err)
	}
	return nil
}

const (
	cypherAllNodes = `MATCH (n) RETURN labels(n)[0] AS label, properties(n) AS props`
	cypherAllEdges = `MATCH (a)-[r]->(b)
RETURN type(r) AS type, labels(a)[0] AS from_label, a.key AS from_key,
       labels(b)[0] AS to_label, b.key AS to_key, properties(r) AS props`
	cypherNeighborhood = `UNWIND $refs AS ref
MATCH (s {key: ref.key}) WHERE ref.label IN labels(s)
OPTIONAL MATCH (s)-[r]-(o)
RETURN labels(s)[0] AS label, properties(s) AS props,
       type(r) AS type, properties(r) AS edge_props, startNode(r) = s AS outgoing,
       labels(o)[0] AS other_label, properties(o) AS other_props`
)

// Query returns the whole graph or an investigation view.
func (g *Neo4jGraph) Query(ctx context.Context, filter schemas.GraphFilter) (*schemas.GraphSnapshot, error) {
	if filter.All {
		return g.queryAll(ctx)
	}
	if len(filter.Refs) == 0 {
		return &schemas.GraphSnapshot{Nodes: []schemas.GraphNode{}, Edges: []schemas.GraphEdge{}}, nil
	}

	refs := make([]map[string]any, 0, len(filter.Refs))
	for _, r := range filter.Refs {
		ref := canonicalRef(schemas.RefFor(r))
		refs = append(refs, map[string]any{"label": string(ref.Label), "key": ref.Key})
	}
	rows, err := g.conn.Read(ctx, cypherNeighborhood, map[string]any{"refs": refs})
	if err != nil {
		return nil, g.wrap("query", "neighborhood", err)
	}

	nodes := map[schemas.NodeRef]schemas.GraphNode{}
	edges := map[string]schemas.GraphEdge{}
	for _, row := range rows {
		subject := nodeFromRow(asString(row["label"]), asMap(row["props"]))
		nodes[subject.Ref()] = subject

		edgeType := asString(row["type"])
		if edgeType == "" {
			continue
		}
		other := nodeFromRow(asString(row["other_label"]), asMap(row["other_props"]))
		nodes[other.Ref()] = other

		e := schemas.GraphEdge{Type: schemas.EdgeType(edgeType), From: subject.Ref(), To: other.Ref()}
		if outgoing, _ := row["outgoing"].(bool); !outgoing {
			e.From, e.To = other.Ref(), subject.Ref()
		}
		e.Properties, e.LastSeen = splitEdgeProps(asMap(row["edge_props"]))
		edges[edgeID(e)] = e
	}

	nodeList := make([]schemas.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, n)
	}
	edgeList := make([]schemas.GraphEdge, 0, len(edges))
	for _, e := range edges {
		edgeList = append(edgeList, e)
	}
	return investigationView(nodeList, edgeList, filter.Refs), nil
}

func (g *Neo4jGraph) queryAll(ctx context.Context) (*schemas.GraphSnapshot, error) {
	nodeRows, err := g.conn.Read(ctx, cypherAllNodes, nil)
	if err != nil {
		return nil, g.wrap("query", "nodes", err)
	}
	edgeRows, err := g.conn.Read(ctx, cypherAllEdges, nil)
	if err != nil {
		return nil, g.wrap("query", "edges", err)
	}

	snap := &schemas.GraphSnapshot{
		Nodes: make([]schemas.GraphNode, 0, len(nodeRows)),
		Edges: make([]schemas.GraphEdge, 0, len(edgeRows)),
	}
	for _, row := range nodeRows {
		snap.Nodes = append(snap.Nodes, nodeFromRow(asString(row["label"]), asMap(row["props"])))
	}
	for _, row := range edgeRows {
		e := schemas.GraphEdge{
			Type: schemas.EdgeType(asString(row["type"])),
			From: schemas.NodeRef{Label: schemas.NodeLabel(asString(row["from_label"])), Key: asString(row["from_key"])},
			To:   schemas.NodeRef{Label: schemas.NodeLabel(asString(row["to_label"])), Key: asString(row["to_key"])},
		}
		e.Properties, e.LastSeen = splitEdgeProps(asMap(row["props"]))
		snap.Edges = append(snap.Edges, e)
	}
	sortSnapshot(snap)
	return snap, nil
}

// Purge detaches and deletes one node.
func (g *Neo4jGraph) Purge(ctx context.Context, ref schemas.NodeRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	ref = canonicalRef(ref)
	cypher := fmt.Sprintf("MATCH (n:%s {key: $key}) DETACH DELETE n", ref.Label)
	if err := g.conn.Write(ctx, cypher, map[string]any{"key": ref.Key}); err != nil {
		return g.wrap("purge", ref.String(), err)
	}
	g.log.Info("Node purged", zap.String("node", ref.String()))
	return nil
}

// Close releases the connection.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.conn.Close(ctx)
}

func (g *Neo4jGraph) seenAt(t time.Time) time.Time {
	if t.IsZero() {
		return g.now().UTC()
	}
	return t.UTC()
}

func (g *Neo4jGraph) wrap(op, key string, err error) error {
	if IsConnectivityError(err) {
		return &schemas.StoreConnectionError{Store: "neo4j", Op: op, Err: err}
	}
	return &schemas.StoreWriteError{Store: "neo4j", Op: op, Key: key, Err: err}
}

// -- Row decoding --

func scalarProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func nodeFromRow(label string, props map[string]any) schemas.GraphNode {
	n := schemas.GraphNode{
		Label:      schemas.NodeLabel(label),
		Properties: map[string]any{},
		Lists:      map[string][]string{},
	}
	for k, v := range props {
		switch k {
		case "key":
			n.Key = asString(v)
		case "first_seen":
			n.FirstSeen = asTime(v)
		case "last_seen":
			n.LastSeen = asTime(v)
		default:
			if list, ok := v.([]any); ok {
				for _, item := range list {
					n.Lists[k] = append(n.Lists[k], fmt.Sprint(item))
				}
				continue
			}
			n.Properties[k] = v
		}
	}
	return n
}

func splitEdgeProps(props map[string]any) (map[string]any, time.Time) {
	out := map[string]any{}
	var last time.Time
	for k, v := range props {
		switch k {
		case "last_seen":
			last = asTime(v)
		case "first_seen":
		default:
			out[k] = v
		}
	}
	return out, last
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case interface{ Time() time.Time }:
		return t.Time().UTC()
	}
	return time.Time{}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
