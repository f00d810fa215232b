package providers

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// cdnSuffixes map CNAME or nameserver suffixes to the CDN behind them.
var cdnSuffixes = []struct {
	suffix string
	cdn    string
}{
	{".cloudfront.net", "CloudFront"},
	{".akamaiedge.net", "Akamai"},
	{".edgekey.net", "Akamai"},
	{".edgesuite.net", "Akamai"},
	{".fastly.net", "Fastly"},
	{".fastlylb.net", "Fastly"},
	{".cdn.cloudflare.net", "Cloudflare"},
	{".ns.cloudflare.com", "Cloudflare"},
	{".azureedge.net", "Azure CDN"},
	{".azurefd.net", "Azure CDN"},
	{".b-cdn.net", "Bunny"},
	{".edgecastcdn.net", "Edgecast"},
	{".vercel-dns.com", "Vercel"},
	{".netlify.app", "Netlify"},
}

func cdnFor(host string) string {
	h := "." + strings.TrimSuffix(strings.ToLower(host), ".")
	for _, c := range cdnSuffixes {
		if strings.HasSuffix(h, c.suffix) {
			return c.cdn
		}
	}
	return ""
}

// DNS resolves a domain with the local resolver: addresses, MX and NS records,
// and a CDN inferred from the CNAME chain or the nameservers.
type DNS struct {
	resolver Resolver
}

func NewDNS(resolver Resolver) *DNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNS{resolver: resolver}
}

func (*DNS) Name() string { return "dns" }

func (*DNS) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityDomain} }

func (d *DNS) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	attrs := &schemas.DomainAttributes{}
	var errs []error

	ips, err := d.resolver.LookupHost(ctx, value)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return schemas.Attributes{}, &schemas.ProviderError{Provider: d.Name(), Err: err}
		}
		errs = append(errs, err)
	}
	sort.Strings(ips)
	attrs.IPs = ips

	if mx, err := d.resolver.LookupMX(ctx, value); err == nil {
		for _, m := range mx {
			attrs.MX = append(attrs.MX, strings.TrimSuffix(strings.ToLower(m.Host), "."))
		}
	} else {
		errs = append(errs, err)
	}

	if ns, err := d.resolver.LookupNS(ctx, value); err == nil {
		for _, n := range ns {
			attrs.NameServers = append(attrs.NameServers, strings.TrimSuffix(strings.ToLower(n.Host), "."))
		}
		sort.Strings(attrs.NameServers)
	} else {
		errs = append(errs, err)
	}

	if cname, err := d.resolver.LookupCNAME(ctx, value); err == nil {
		if cdn := cdnFor(cname); cdn != "" {
			attrs.CDN = &cdn
		}
	}
	if attrs.CDN == nil {
		for _, ns := range attrs.NameServers {
			if cdn := cdnFor(ns); cdn != "" {
				attrs.CDN = &cdn
				break
			}
		}
	}

	if len(attrs.IPs) == 0 && len(attrs.MX) == 0 && len(attrs.NameServers) == 0 {
		if len(errs) > 0 {
			return schemas.Attributes{}, &schemas.ProviderError{Provider: d.Name(), Err: errors.Join(errs...)}
		}
		return schemas.Attributes{}, &schemas.ProviderError{Provider: d.Name(), Err: errNoData}
	}
	return schemas.Attributes{Domain: attrs}, nil
}
