// Package knowledgegraph is the labeled property graph of investigated
// subjects and the infrastructure they share. Every write is a MERGE on the
// node's natural key, so replaying a write is harmless.
package knowledgegraph

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)
	edgeTypePattern   = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)
)

// knownLabels is the label allowlist. Labels are interpolated into Cypher, so
// nothing outside this set is ever accepted.
var knownLabels = map[schemas.NodeLabel]bool{
	schemas.LabelPhone:        true,
	schemas.LabelDomain:       true,
	schemas.LabelWallet:       true,
	schemas.LabelHandle:       true,
	schemas.LabelCountry:      true,
	schemas.LabelRegistrar:    true,
	schemas.LabelCDN:          true,
	schemas.LabelVOIPProvider: true,
	schemas.LabelCarrier:      true,
	schemas.LabelPlatform:     true,
	schemas.LabelCurrency:     true,
	schemas.LabelHost:         true,
	schemas.LabelCMS:          true,
}

// reservedProperties are maintained by the store itself.
var reservedProperties = map[string]bool{"key": true, "first_seen": true, "last_seen": true}

func validateRef(ref schemas.NodeRef) error {
	if !knownLabels[ref.Label] {
		return fmt.Errorf("graph: label %q is not allowed", ref.Label)
	}
	if ref.Key == "" {
		return fmt.Errorf("graph: %s node has an empty key", ref.Label)
	}
	return nil
}

func validateProperties(props map[string]any, lists map[string][]string) error {
	for name := range props {
		if !identifierPattern.MatchString(name) || reservedProperties[name] {
			return fmt.Errorf("graph: property name %q is not allowed", name)
		}
	}
	for name := range lists {
		if !identifierPattern.MatchString(name) || reservedProperties[name] {
			return fmt.Errorf("graph: list property name %q is not allowed", name)
		}
		if _, clash := props[name]; clash {
			return fmt.Errorf("graph: %q is both a scalar and a list property", name)
		}
	}
	return nil
}

func validateNode(n schemas.GraphNode) error {
	if err := validateRef(n.Ref()); err != nil {
		return err
	}
	return validateProperties(n.Properties, n.Lists)
}

func validateEdge(e schemas.GraphEdge) error {
	if !edgeTypePattern.MatchString(string(e.Type)) {
		return fmt.Errorf("graph: edge type %q is not allowed", e.Type)
	}
	if err := validateRef(e.From); err != nil {
		return err
	}
	if err := validateRef(e.To); err != nil {
		return err
	}
	return validateProperties(e.Properties, nil)
}

// canonicalRef applies subject key normalization before any lookup or write.
func canonicalRef(ref schemas.NodeRef) schemas.NodeRef {
	if t := schemas.EntityTypeFor(ref.Label); t != "" {
		ref.Key = normalize.GraphKey(t, ref.Key)
	}
	return ref
}

func edgeID(e schemas.GraphEdge) string {
	return string(e.Type) + "|" + e.From.String() + "|" + e.To.String()
}

// appendUnique appends the members of add missing from list.
func appendUnique(list, add []string) []string {
	for _, v := range add {
		if v == "" || contains(list, v) {
			continue
		}
		list = append(list, v)
	}
	return list
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// investigationView keeps the requested subjects, the infrastructure nodes
// directly attached to them, and the edges among those nodes. Other subjects
// are dropped even when they are adjacent.
func investigationView(nodes []schemas.GraphNode, edges []schemas.GraphEdge, refs []schemas.EntityRef) *schemas.GraphSnapshot {
	wanted := make(map[schemas.NodeRef]bool, len(refs))
	for _, r := range refs {
		wanted[canonicalRef(schemas.RefFor(r))] = true
	}

	keep := make(map[schemas.NodeRef]bool)
	for ref := range wanted {
		keep[ref] = true
	}
	for _, e := range edges {
		switch {
		case wanted[e.From] && !e.To.Label.IsSubject():
			keep[e.To] = true
		case wanted[e.To] && !e.From.Label.IsSubject():
			keep[e.From] = true
		}
	}

	snap := &schemas.GraphSnapshot{Nodes: []schemas.GraphNode{}, Edges: []schemas.GraphEdge{}}
	for _, n := range nodes {
		if keep[n.Ref()] {
			snap.Nodes = append(snap.Nodes, n)
		}
	}
	for _, e := range edges {
		if keep[e.From] && keep[e.To] && (wanted[e.From] || wanted[e.To]) {
			snap.Edges = append(snap.Edges, e)
		}
	}
	sortSnapshot(snap)
	return snap
}

func sortSnapshot(s *schemas.GraphSnapshot) {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].Ref().String() < s.Nodes[j].Ref().String() })
	sort.Slice(s.Edges, func(i, j int) bool { return edgeID(s.Edges[i]) < edgeID(s.Edges[j]) })
}
