package schemas

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the kind of subject being traced.
type EntityType string

const (
	EntityPhone  EntityType = "phone"
	EntityDomain EntityType = "domain"
	EntityWallet EntityType = "wallet"
	EntityHandle EntityType = "handle"
)

// EntityTypes lists every supported type in a stable order.
var EntityTypes = []EntityType{EntityPhone, EntityDomain, EntityWallet, EntityHandle}

// Valid reports whether t is one of the supported entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPhone, EntityDomain, EntityWallet, EntityHandle:
		return true
	}
	return false
}

// ParseEntityType converts user input (case-insensitive, a few aliases) into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "phone", "phone_number", "msisdn":
		return EntityPhone, nil
	case "domain", "host", "hostname":
		return EntityDomain, nil
	case "wallet", "crypto", "address", "crypto_wallet":
		return EntityWallet, nil
	case "handle", "username", "messaging", "messaging_id", "telegram":
		return EntityHandle, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// EntityRef is the identity of an entity: its type plus canonical value.
type EntityRef struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// String renders the ref in the "type:value" form used for evidence and logs.
func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.Value
}

// ThreatLevel is the qualitative bucket derived from a risk score.
type ThreatLevel string

const (
	ThreatUnknown  ThreatLevel = "unknown"
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// EntityRecord is one enriched subject. Attributes are merged, never replaced,
// when the same (Type, CanonicalValue) is enriched again.
type EntityRecord struct {
	ID             int64         `json:"id,omitempty"`
	Type           EntityType    `json:"entity_type"`
	CanonicalValue string        `json:"canonical_value"`
	Attributes     Attributes    `json:"attributes"`
	RiskScore      int           `json:"risk_score"`
	ThreatLevel    ThreatLevel   `json:"threat_level"`
	RiskFactors    []string      `json:"risk_factors,omitempty"`
	Errors         []ErrorDetail `json:"errors,omitempty"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastSeen       time.Time     `json:"last_seen"`
}

// Ref returns the identity of the record.
func (r *EntityRecord) Ref() EntityRef {
	return EntityRef{Type: r.Type, Value: r.CanonicalValue}
}

// Clone returns a deep copy so cached or shared records are never mutated in place.
func (r *EntityRecord) Clone() *EntityRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Attributes = r.Attributes.Clone()
	out.RiskFactors = append([]string(nil), r.RiskFactors...)
	out.Errors = append([]ErrorDetail(nil), r.Errors...)
	return &out
}

// Merge folds a newer observation of the same entity into r. Later non-null
// scalars win, lists are unioned, and the seen-window only ever widens.
func (r *EntityRecord) Merge(newer *EntityRecord) {
	if newer == nil {
		return
	}
	r.Attributes.Merge(newer.Attributes)
	// Score, level and factors are one assessment; a newer computed one
	// replaces all three.
	if newer.ThreatLevel != "" && newer.ThreatLevel != ThreatUnknown {
		r.RiskScore = newer.RiskScore
		r.ThreatLevel = newer.ThreatLevel
		r.RiskFactors = append([]string(nil), newer.RiskFactors...)
	} else if r.ThreatLevel == "" {
		r.ThreatLevel = newer.ThreatLevel
	}
	if len(newer.Errors) > 0 {
		r.Errors = append([]ErrorDetail(nil), newer.Errors...)
	}
	if r.FirstSeen.IsZero() || (!newer.FirstSeen.IsZero() && newer.FirstSeen.Before(r.FirstSeen)) {
		r.FirstSeen = newer.FirstSeen
	}
	if newer.LastSeen.After(r.LastSeen) {
		r.LastSeen = newer.LastSeen
	}
}

// Country returns the best known ISO country code for the entity, if any.
func (r *EntityRecord) Country() string {
	a := r.Attributes
	switch {
	case a.Phone != nil && a.Phone.Country != nil:
		return *a.Phone.Country
	case a.Domain != nil && a.Domain.Country != nil:
		return *a.Domain.Country
	case a.Handle != nil && a.Handle.Country != nil:
		return *a.Handle.Country
	}
	return ""
}

// InvestigationSession is the set of entities traced together in one batch.
type InvestigationSession struct {
	SessionID string      `json:"session_id"`
	Members   []EntityRef `json:"members"`
	TracedAt  time.Time   `json:"traced_at"`
}

// HistoryStats summarizes how often an entity has been investigated before.
type HistoryStats struct {
	Sessions int `json:"sessions"`
	Partners int `json:"partners"`
}
