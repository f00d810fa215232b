package schemas

import (
	"strings"
	"time"
)

// NodeLabel is the graph label of a node. Subject labels mirror entity types;
// the rest are infrastructure shared between subjects.
type NodeLabel string

const (
	// Subject labels.
	LabelPhone  NodeLabel = "Phone"
	LabelDomain NodeLabel = "Domain"
	LabelWallet NodeLabel = "Wallet"
	LabelHandle NodeLabel = "Handle"

	// Infrastructure labels.
	LabelCountry      NodeLabel = "Country"
	LabelRegistrar    NodeLabel = "Registrar"
	LabelCDN          NodeLabel = "CDN"
	LabelVOIPProvider NodeLabel = "VOIPProvider"
	LabelCarrier      NodeLabel = "Carrier"
	LabelPlatform     NodeLabel = "Platform"
	LabelCurrency     NodeLabel = "Currency"
	LabelHost         NodeLabel = "Host"
	LabelCMS          NodeLabel = "CMS"
)

// SubjectLabels are the labels that carry investigated entities.
var SubjectLabels = []NodeLabel{LabelPhone, LabelDomain, LabelWallet, LabelHandle}

// IsSubject reports whether the label belongs to an investigated entity.
func (l NodeLabel) IsSubject() bool {
	switch l {
	case LabelPhone, LabelDomain, LabelWallet, LabelHandle:
		return true
	}
	return false
}

// LabelFor maps an entity type to its subject label.
func LabelFor(t EntityType) NodeLabel {
	switch t {
	case EntityPhone:
		return LabelPhone
	case EntityDomain:
		return LabelDomain
	case EntityWallet:
		return LabelWallet
	case EntityHandle:
		return LabelHandle
	}
	return ""
}

// EntityTypeFor is the inverse of LabelFor. It returns "" for infrastructure labels.
func EntityTypeFor(l NodeLabel) EntityType {
	switch l {
	case LabelPhone:
		return EntityPhone
	case LabelDomain:
		return EntityDomain
	case LabelWallet:
		return EntityWallet
	case LabelHandle:
		return EntityHandle
	}
	return ""
}

// EdgeType is a graph relationship type.
type EdgeType string

const (
	EdgeLocatedIn      EdgeType = "LOCATED_IN"
	EdgeRegisteredWith EdgeType = "REGISTERED_WITH"
	EdgeHostedOn       EdgeType = "HOSTED_ON"
	EdgeUsesCDN        EdgeType = "USES_CDN"
	EdgeUsesCMS        EdgeType = "USES_CMS"
	EdgeUsesVOIP       EdgeType = "USES_VOIP"
	EdgeServedBy       EdgeType = "SERVED_BY"
	EdgeOnPlatform     EdgeType = "ON_PLATFORM"
	EdgeHoldsCurrency  EdgeType = "HOLDS_CURRENCY"
	EdgeLinkedTo       EdgeType = "LINKED_TO"
)

// EdgeTypeForKind is the edge type used to materialize an inferred relationship.
func EdgeTypeForKind(k RelationshipKind) EdgeType {
	if k == KindLinkedToPhone {
		return EdgeLinkedTo
	}
	return EdgeType(strings.ToUpper(string(k)))
}

// NodeRef addresses a node by its label and natural key.
type NodeRef struct {
	Label NodeLabel `json:"label"`
	Key   string    `json:"key"`
}

// String renders "Label:key".
func (r NodeRef) String() string {
	return string(r.Label) + ":" + r.Key
}

// RefFor returns the subject node address of an entity.
func RefFor(e EntityRef) NodeRef {
	return NodeRef{Label: LabelFor(e.Type), Key: e.Value}
}

// GraphNode is a node upsert request or a query result. Properties are scalar
// and overwrite on every reference; Lists are appended with de-duplication.
type GraphNode struct {
	Label      NodeLabel           `json:"label"`
	Key        string              `json:"key"`
	Properties map[string]any      `json:"properties,omitempty"`
	Lists      map[string][]string `json:"lists,omitempty"`
	FirstSeen  time.Time           `json:"first_seen,omitempty"`
	LastSeen   time.Time           `json:"last_seen,omitempty"`
}

// Ref returns the node's address.
func (n GraphNode) Ref() NodeRef {
	return NodeRef{Label: n.Label, Key: n.Key}
}

// GraphEdge is a typed relationship between two nodes. Upserting the same
// (Type, From, To) twice is a no-op apart from refreshed properties.
type GraphEdge struct {
	Type       EdgeType       `json:"type"`
	From       NodeRef        `json:"from"`
	To         NodeRef        `json:"to"`
	Properties map[string]any `json:"properties,omitempty"`
	LastSeen   time.Time      `json:"last_seen,omitempty"`
}

// GraphFilter selects the part of the graph a caller may see. With All set the
// whole graph is returned; otherwise only the Refs subjects plus their directly
// linked infrastructure nodes are.
type GraphFilter struct {
	All  bool        `json:"all"`
	Refs []EntityRef `json:"refs,omitempty"`
}

// GraphSnapshot is the result of a graph query.
type GraphSnapshot struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphProjection is the set of writes that represent one entity record in the graph.
type GraphProjection struct {
	Nodes []GraphNode
	Edges []GraphEdge
}
