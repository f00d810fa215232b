package relationships

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// rule is one intra-batch heuristic. When types is set, match always receives
// the record of types[0] first. A rule with no types applies to every pair.
type rule struct {
	kind        schemas.RelationshipKind
	types       []schemas.EntityType
	confidence  schemas.Confidence
	weight      float64
	directional bool
	// defaultOff rules only run when explicitly enabled.
	defaultOff bool
	match      func(n *normalize.Normalizer, a, b *schemas.EntityRecord) (evidence string, ok bool)
}

// applies reports whether the rule covers the pair and whether the pair must
// be swapped so a has types[0].
func (r rule) applies(a, b schemas.EntityType) (ok, swap bool) {
	if len(r.types) == 0 {
		return true, false
	}
	switch {
	case a == r.types[0] && b == r.types[1]:
		return true, false
	case a == r.types[1] && b == r.types[0]:
		return true, true
	}
	return false, false
}

// ruleTable is the fixed set of heuristics.
var ruleTable = []rule{
	{
		kind:       schemas.KindSameCountry,
		confidence: schemas.ConfidenceMedium,
		weight:     0.3,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			ca, cb := a.Country(), b.Country()
			if ca == "" || !strings.EqualFold(ca, cb) {
				return "", false
			}
			return fmt.Sprintf("both located in %s", strings.ToUpper(ca)), true
		},
	},
	{
		kind:       schemas.KindSameRegistrar,
		types:      []schemas.EntityType{schemas.EntityDomain, schemas.EntityDomain},
		confidence: schemas.ConfidenceHigh,
		weight:     0.6,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			return sameName("registered with", domainField(a, func(d *schemas.DomainAttributes) *string { return d.Registrar }),
				domainField(b, func(d *schemas.DomainAttributes) *string { return d.Registrar }))
		},
	},
	{
		kind:       schemas.KindSameHosting,
		types:      []schemas.EntityType{schemas.EntityDomain, schemas.EntityDomain},
		confidence: schemas.ConfidenceMedium,
		weight:     0.4,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			return sameName("hosted by", domainField(a, func(d *schemas.DomainAttributes) *string { return d.HostingOrg }),
				domainField(b, func(d *schemas.DomainAttributes) *string { return d.HostingOrg }))
		},
	},
	{
		kind:       schemas.KindSameIPBlock,
		types:      []schemas.EntityType{schemas.EntityDomain, schemas.EntityDomain},
		confidence: schemas.ConfidenceMedium,
		weight:     0.5,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			if a.Attributes.Domain == nil || b.Attributes.Domain == nil {
				return "", false
			}
			blocks := make(map[netip.Prefix]bool)
			for _, p := range ipBlocks(a.Attributes.Domain.IPs) {
				blocks[p] = true
			}
			for _, p := range ipBlocks(b.Attributes.Domain.IPs) {
				if blocks[p] {
					return fmt.Sprintf("both resolve into %s", p), true
				}
			}
			return "", false
		},
	},
	{
		kind:       schemas.KindSameVOIPProvider,
		types:      []schemas.EntityType{schemas.EntityPhone, schemas.EntityPhone},
		confidence: schemas.ConfidenceHigh,
		weight:     0.7,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			return sameName("both VOIP numbers from", voipProvider(a), voipProvider(b))
		},
	},
	{
		kind:       schemas.KindSameCarrier,
		types:      []schemas.EntityType{schemas.EntityPhone, schemas.EntityPhone},
		confidence: schemas.ConfidenceLow,
		weight:     0.2,
		match: func(_ *normalize.Normalizer, a, b *schemas.EntityRecord) (string, bool) {
			return sameName("served by", phoneField(a, func(p *schemas.PhoneAttributes) *string { return p.Carrier }),
				phoneField(b, func(p *schemas.PhoneAttributes) *string { return p.Carrier }))
		},
	},
	{
		kind:        schemas.KindLinkedToPhone,
		types:       []schemas.EntityType{schemas.EntityHandle, schemas.EntityPhone},
		confidence:  schemas.ConfidenceHigh,
		weight:      1.0,
		directional: true,
		match: func(n *normalize.Normalizer, h, p *schemas.EntityRecord) (string, bool) {
			if h.Attributes.Handle == nil || h.Attributes.Handle.LinkedPhone == nil {
				return "", false
			}
			linked, err := n.Normalize(schemas.EntityPhone, *h.Attributes.Handle.LinkedPhone)
			if err != nil || linked != p.CanonicalValue {
				return "", false
			}
			return fmt.Sprintf("handle %s lists phone %s", h.CanonicalValue, p.CanonicalValue), true
		},
	},
	{
		// Substring match between a carrier and a registrar name. Weak signal.
		kind:       schemas.KindCarrierRegistrarMatch,
		types:      []schemas.EntityType{schemas.EntityPhone, schemas.EntityDomain},
		confidence: schemas.ConfidenceLow,
		weight:     0.1,
		defaultOff: true,
		match: func(_ *normalize.Normalizer, p, d *schemas.EntityRecord) (string, bool) {
			carrier := phoneField(p, func(a *schemas.PhoneAttributes) *string { return a.Carrier })
			registrar := domainField(d, func(a *schemas.DomainAttributes) *string { return a.Registrar })
			c, r := fold(carrier), fold(registrar)
			if len(c) < 3 || len(r) < 3 {
				return "", false
			}
			if !strings.Contains(c, r) && !strings.Contains(r, c) {
				return "", false
			}
			return fmt.Sprintf("carrier %q resembles registrar %q", carrier, registrar), true
		},
	},
}

func sameName(verb, a, b string) (string, bool) {
	if fold(a) == "" || fold(a) != fold(b) {
		return "", false
	}
	return fmt.Sprintf("%s %s", verb, strings.TrimSpace(a)), true
}

// fold lowercases and collapses whitespace so provider spellings compare equal.
func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func domainField(r *schemas.EntityRecord, get func(*schemas.DomainAttributes) *string) string {
	if r.Attributes.Domain == nil {
		return ""
	}
	if v := get(r.Attributes.Domain); v != nil {
		return *v
	}
	return ""
}

func phoneField(r *schemas.EntityRecord, get func(*schemas.PhoneAttributes) *string) string {
	if r.Attributes.Phone == nil {
		return ""
	}
	if v := get(r.Attributes.Phone); v != nil {
		return *v
	}
	return ""
}

func voipProvider(r *schemas.EntityRecord) string {
	p := r.Attributes.Phone
	if p == nil || p.IsVOIP == nil || !*p.IsVOIP {
		return ""
	}
	return phoneField(r, func(a *schemas.PhoneAttributes) *string { return a.VOIPProvider })
}

// ipBlocks maps addresses to their /24 (IPv4) or /48 (IPv6) network, in input order.
func ipBlocks(ips []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ips))
	for _, s := range ips {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		bits := 24
		if addr.Is6() {
			bits = 48
		}
		if p, err := addr.Prefix(bits); err == nil {
			out = append(out, p)
		}
	}
	return out
}
