package schemas

// RelationshipKind enumerates inferred relationships between two entities.
type RelationshipKind string

const (
	KindSameCountry              RelationshipKind = "same_country"
	KindSameRegistrar            RelationshipKind = "same_registrar"
	KindSameIPBlock              RelationshipKind = "same_ip_block"
	KindSameVOIPProvider         RelationshipKind = "same_voip_provider"
	KindSameCarrier              RelationshipKind = "same_carrier"
	KindSameHosting              RelationshipKind = "same_hosting"
	KindLinkedToPhone            RelationshipKind = "linked_to_phone"
	KindCarrierRegistrarMatch    RelationshipKind = "carrier_registrar_match"
	KindPreviouslyTracedTogether RelationshipKind = "previously_traced_together"
)

// Confidence grades how much weight a relationship deserves.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Relationship is an inferred edge between two entities of one batch. It is a
// transient result; its durable form is a graph edge.
type Relationship struct {
	From          EntityRef        `json:"from"`
	To            EntityRef        `json:"to"`
	Kind          RelationshipKind `json:"kind"`
	Evidence      string           `json:"evidence"`
	Weight        float64          `json:"weight"`
	PreviousCount int              `json:"previous_count,omitempty"`
	Confidence    Confidence       `json:"confidence"`
	Directional   bool             `json:"directional,omitempty"`
}
