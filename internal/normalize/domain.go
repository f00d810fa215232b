package normalize

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// domain strips scheme, userinfo, port, path, query, fragment and any leading
// "www." labels, lowercases, and converts IDNs to their ASCII form.
func domain(raw string) (string, error) {
	s := raw
	if !strings.Contains(s, "://") {
		s = "http://" + strings.TrimPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", invalid(schemas.EntityDomain, raw, "unparsable host")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", invalid(schemas.EntityDomain, raw, "missing host")
	}
	if net.ParseIP(host) != nil {
		return "", invalid(schemas.EntityDomain, raw, "ip addresses are not domains")
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", invalid(schemas.EntityDomain, raw, "invalid internationalized name")
	}

	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", invalid(schemas.EntityDomain, raw, "missing top-level domain")
	}
	for _, l := range labels {
		if !labelPattern.MatchString(l) {
			return "", invalid(schemas.EntityDomain, raw, "invalid label "+l)
		}
	}

	// Strip "www." only while what remains is still a registrable name, so
	// "www.com" stays intact and the result is stable under re-normalization.
	for strings.HasPrefix(ascii, "www.") {
		rest := ascii[len("www."):]
		if _, err := publicsuffix.EffectiveTLDPlusOne(rest); err != nil {
			break
		}
		ascii = rest
	}

	if _, err := publicsuffix.EffectiveTLDPlusOne(ascii); err != nil {
		return "", invalid(schemas.EntityDomain, raw, "not a registrable domain")
	}
	return ascii, nil
}

// RegisteredDomain returns the eTLD+1 of a canonical domain, or the input when
// it cannot be reduced.
func RegisteredDomain(canonical string) string {
	reg, err := publicsuffix.EffectiveTLDPlusOne(canonical)
	if err != nil {
		return canonical
	}
	return reg
}
