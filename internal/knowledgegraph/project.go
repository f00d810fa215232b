package knowledgegraph

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// Project translates an enriched record into its subject node plus the
// infrastructure nodes and edges that link it to other subjects.
func Project(record *schemas.EntityRecord) schemas.GraphProjection {
	var p schemas.GraphProjection
	if record == nil {
		return p
	}
	subject := schemas.GraphNode{
		Label: schemas.LabelFor(record.Type),
		Key:   normalize.GraphKey(record.Type, record.CanonicalValue),
		Properties: map[string]any{
			"risk_score":   record.RiskScore,
			"threat_level": string(record.ThreatLevel),
			// Factors belong to the latest score and overwrite like it.
			"risk_factors": append([]string{}, record.RiskFactors...),
		},
		Lists:     map[string][]string{},
		FirstSeen: record.FirstSeen,
		LastSeen:  record.LastSeen,
	}
	addList(subject.Lists, "raw_inputs", record.Attributes.RawInputs)

	link := func(label schemas.NodeLabel, edge schemas.EdgeType, name *string) {
		if name == nil || strings.TrimSpace(*name) == "" {
			return
		}
		infra := schemas.GraphNode{
			Label:      label,
			Key:        InfraKey(label, *name),
			Properties: map[string]any{"name": strings.TrimSpace(*name)},
			FirstSeen:  record.FirstSeen,
			LastSeen:   record.LastSeen,
		}
		p.Nodes = append(p.Nodes, infra)
		p.Edges = append(p.Edges, schemas.GraphEdge{Type: edge, From: subject.Ref(), To: infra.Ref(), LastSeen: record.LastSeen})
	}

	a := record.Attributes
	if country := record.Country(); country != "" {
		link(schemas.LabelCountry, schemas.EdgeLocatedIn, &country)
	}
	switch record.Type {
	case schemas.EntityPhone:
		if ph := a.Phone; ph != nil {
			setProp(subject.Properties, "line_type", ph.LineType)
			setProp(subject.Properties, "is_voip", ph.IsVOIP)
			setProp(subject.Properties, "valid", ph.Valid)
			setProp(subject.Properties, "location", ph.Location)
			addList(subject.Lists, "timezones", ph.Timezones)
			link(schemas.LabelCarrier, schemas.EdgeServedBy, ph.Carrier)
			if ph.IsVOIP != nil && *ph.IsVOIP {
				link(schemas.LabelVOIPProvider, schemas.EdgeUsesVOIP, ph.VOIPProvider)
			}
		}
	case schemas.EntityDomain:
		if d := a.Domain; d != nil {
			setProp(subject.Properties, "asn", d.ASN)
			if d.CreatedAt != nil {
				subject.Properties["registered_at"] = d.CreatedAt.UTC()
			}
			if d.ExpiresAt != nil {
				subject.Properties["expires_at"] = d.ExpiresAt.UTC()
			}
			addList(subject.Lists, "ips", d.IPs)
			addList(subject.Lists, "name_servers", d.NameServers)
			addList(subject.Lists, "mx", d.MX)
			addList(subject.Lists, "status", d.Status)
			link(schemas.LabelRegistrar, schemas.EdgeRegisteredWith, d.Registrar)
			link(schemas.LabelHost, schemas.EdgeHostedOn, d.HostingOrg)
			link(schemas.LabelCDN, schemas.EdgeUsesCDN, d.CDN)
			link(schemas.LabelCMS, schemas.EdgeUsesCMS, d.CMS)
		}
	case schemas.EntityWallet:
		if w := a.Wallet; w != nil {
			setProp(subject.Properties, "chain", w.Chain)
			setProp(subject.Properties, "balance", w.Balance)
			setProp(subject.Properties, "tx_count", w.TxCount)
			addList(subject.Lists, "labels", w.Labels)
			link(schemas.LabelCurrency, schemas.EdgeHoldsCurrency, w.Currency)
		}
	case schemas.EntityHandle:
		if h := a.Handle; h != nil {
			setProp(subject.Properties, "display_name", h.DisplayName)
			setProp(subject.Properties, "verified", h.Verified)
			link(schemas.LabelPlatform, schemas.EdgeOnPlatform, h.Platform)
			if h.LinkedPhone != nil && *h.LinkedPhone != "" {
				p.Edges = append(p.Edges, schemas.GraphEdge{
					Type:     schemas.EdgeLinkedTo,
					From:     subject.Ref(),
					To:       schemas.NodeRef{Label: schemas.LabelPhone, Key: *h.LinkedPhone},
					LastSeen: record.LastSeen,
				})
			}
		}
	}
	if th := a.Threat; th != nil {
		setProp(subject.Properties, "listed", th.Listed)
		setProp(subject.Properties, "abuse_score", th.AbuseScore)
		setProp(subject.Properties, "fraud_score", th.FraudScore)
		addList(subject.Lists, "threat_categories", th.Categories)
	}

	p.Nodes = append([]schemas.GraphNode{subject}, p.Nodes...)
	return p
}

// InfraKey is the natural key of an infrastructure node. Names are folded so
// spelling variants from different providers merge into one node.
func InfraKey(label schemas.NodeLabel, name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if label == schemas.LabelCountry {
		return strings.ToUpper(name)
	}
	return strings.ToLower(name)
}

// Apply writes a projection node by node and edge by edge. Every write is
// attempted; the failures are joined into the returned error.
func Apply(ctx context.Context, g schemas.GraphStore, p schemas.GraphProjection) error {
	var errs []error
	for _, n := range p.Nodes {
		if err := g.UpsertNode(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range p.Edges {
		if err := g.UpsertEdge(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setProp[T any](props map[string]any, name string, v *T) {
	if v != nil {
		props[name] = *v
	}
}

func addList(lists map[string][]string, name string, values []string) {
	if len(values) > 0 {
		lists[name] = append([]string(nil), values...)
	}
}
