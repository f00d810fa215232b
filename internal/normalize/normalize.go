// Package normalize turns raw user input into the canonical value that keys an
// entity everywhere: the cache, the relational store, and the graph.
package normalize

import (
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// DefaultRegion is used to interpret phone numbers written without a country code.
const DefaultRegion = "US"

// Normalizer canonicalizes values for every supported entity type.
// It is stateless apart from configuration and safe for concurrent use.
type Normalizer struct {
	region string
}

// New creates a Normalizer. An empty region falls back to DefaultRegion.
func New(defaultRegion string) *Normalizer {
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = DefaultRegion
	}
	return &Normalizer{region: region}
}

var std = New(DefaultRegion)

// Normalize canonicalizes raw using the default region.
func Normalize(t schemas.EntityType, raw string) (string, error) {
	return std.Normalize(t, raw)
}

// Normalize returns the canonical value of raw for type t, or a
// *schemas.ValidationError when raw is not a well-formed value of that type.
func (n *Normalizer) Normalize(t schemas.EntityType, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", invalid(t, raw, "empty value")
	}

	switch t {
	case schemas.EntityPhone:
		return n.phone(trimmed)
	case schemas.EntityDomain:
		return domain(trimmed)
	case schemas.EntityWallet:
		canonical, _, err := wallet(trimmed)
		return canonical, err
	case schemas.EntityHandle:
		return handle(trimmed)
	}
	return "", invalid(t, raw, "unsupported entity type")
}

// GraphKey is the natural key of the subject node for an already canonical value.
// Phones are E.164, domains are bare lowercase hosts, wallets are used verbatim
// (their canonical form already preserves case where the chain requires it) and
// handles carry no leading '@'.
func GraphKey(t schemas.EntityType, canonical string) string {
	if t == schemas.EntityHandle {
		return strings.TrimPrefix(canonical, "@")
	}
	return canonical
}

func invalid(t schemas.EntityType, raw, reason string) error {
	return &schemas.ValidationError{Type: t, Value: raw, Reason: reason}
}
