package providers

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// DefaultIPGeoURL is the ipinfo-compatible endpoint.
const DefaultIPGeoURL = "https://ipinfo.io"

// IPGeo resolves a domain and geolocates its first address: hosting country,
// ASN and organization.
type IPGeo struct {
	client   schemas.HTTPClient
	resolver Resolver
	baseURL  string
	apiKey   string
}

func NewIPGeo(client schemas.HTTPClient, resolver Resolver, s Settings) *IPGeo {
	base := s.BaseURL
	if base == "" {
		base = DefaultIPGeoURL
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &IPGeo{client: client, resolver: resolver, baseURL: strings.TrimRight(base, "/"), apiKey: s.APIKey}
}

func (*IPGeo) Name() string { return "ipgeo" }

func (*IPGeo) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityDomain} }

func (g *IPGeo) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	ips, err := g.resolver.LookupHost(ctx, value)
	if err != nil {
		return schemas.Attributes{}, soft(g.Name(), err)
	}
	ip := firstIPv4(ips)
	if ip == "" {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: g.Name(), Err: errors.New("no address to geolocate")}
	}

	target := g.baseURL + "/" + url.PathEscape(ip) + "/json"
	if g.apiKey != "" {
		target += "?token=" + url.QueryEscape(g.apiKey)
	}
	doc, err := getJSON(ctx, g.client, g.Name(), target, nil)
	if err != nil {
		return schemas.Attributes{}, err
	}
	if doc.Get("bogon").Bool() {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: g.Name(), Err: errors.New("address is not routable")}
	}

	d := &schemas.DomainAttributes{IPs: []string{ip}}
	if c := str(doc.Get("country")); c != nil {
		d.Country = schemas.Ptr(strings.ToUpper(*c))
	}
	// "org" is "AS15169 Google LLC"; some plans split it into asn.asn / asn.name.
	if org := str(doc.Get("org")); org != nil {
		asn, name, found := strings.Cut(*org, " ")
		if found && strings.HasPrefix(asn, "AS") {
			d.ASN = schemas.Ptr(asn)
			d.HostingOrg = schemas.Ptr(name)
		} else {
			d.HostingOrg = org
		}
	}
	if asn := str(doc.Get("asn.asn")); asn != nil {
		d.ASN = asn
	}
	if name := str(doc.Get("asn.name")); name != nil && d.HostingOrg == nil {
		d.HostingOrg = name
	}
	return schemas.Attributes{Domain: d}, nil
}

// firstIPv4 picks the lowest IPv4 address so repeated lookups choose the same
// one; it falls back to the first address of any family.
func firstIPv4(ips []string) string {
	sorted := append([]string(nil), ips...)
	sort.Strings(sorted)
	for _, s := range sorted {
		if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
			return s
		}
	}
	if len(sorted) > 0 {
		return sorted[0]
	}
	return ""
}
