package providers

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// DefaultFingerprintURL is expanded with the domain for every lookup.
const DefaultFingerprintURL = "https://{domain}/"

// cmsMarkers are asset path fragments that give a CMS away.
var cmsMarkers = []struct {
	marker string
	cms    string
}{
	{"/wp-content/", "WordPress"},
	{"/wp-includes/", "WordPress"},
	{"/sites/default/files/", "Drupal"},
	{"/misc/drupal.js", "Drupal"},
	{"cdn.shopify.com", "Shopify"},
	{"/media/jui/", "Joomla"},
	{"static.wixstatic.com", "Wix"},
	{"static1.squarespace.com", "Squarespace"},
	{"/ghost/", "Ghost"},
}

// WebFingerprint fetches the home page and infers the CDN from response
// headers and the CMS from generator meta tags and asset paths.
type WebFingerprint struct {
	client   schemas.HTTPClient
	template string
}

func NewWebFingerprint(client schemas.HTTPClient, s Settings) *WebFingerprint {
	tmpl := s.BaseURL
	if tmpl == "" {
		tmpl = DefaultFingerprintURL
	}
	return &WebFingerprint{client: client, template: tmpl}
}

func (*WebFingerprint) Name() string { return "webfingerprint" }

func (*WebFingerprint) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityDomain} }

func (w *WebFingerprint) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	target := strings.ReplaceAll(w.template, "{domain}", value)
	resp, err := w.client.Get(ctx, target, http.Header{"Accept": []string{"text/html"}})
	if err != nil {
		return schemas.Attributes{}, soft(w.Name(), err)
	}
	// Error pages still carry CDN headers; only server failures are errors.
	if resp.StatusCode >= 500 {
		return schemas.Attributes{}, statusError(w.Name(), resp)
	}

	d := &schemas.DomainAttributes{}
	if cdn := cdnFromHeaders(resp.Header); cdn != "" {
		d.CDN = &cdn
	}
	if cms := cmsFromHTML(resp.Body); cms != "" {
		d.CMS = &cms
	}
	if d.CDN == nil && d.CMS == nil {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: w.Name(), Err: errNoData}
	}
	return schemas.Attributes{Domain: d}, nil
}

func cdnFromHeaders(h http.Header) string {
	server := strings.ToLower(h.Get("Server"))
	switch {
	case h.Get("Cf-Ray") != "" || server == "cloudflare":
		return "Cloudflare"
	case h.Get("X-Amz-Cf-Id") != "" || strings.Contains(strings.ToLower(h.Get("Via")), "cloudfront"):
		return "CloudFront"
	case h.Get("X-Fastly-Request-Id") != "" || strings.Contains(h.Get("X-Served-By"), "cache-"):
		return "Fastly"
	case strings.HasPrefix(server, "akamaighost") || h.Get("X-Akamai-Transformed") != "":
		return "Akamai"
	case h.Get("X-Vercel-Id") != "":
		return "Vercel"
	case h.Get("X-Nf-Request-Id") != "":
		return "Netlify"
	case h.Get("X-Azure-Ref") != "":
		return "Azure CDN"
	}
	return ""
}

// cmsFromHTML prefers an explicit generator meta tag and falls back to asset
// path markers in src and href attributes.
func cmsFromHTML(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	marker := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			return marker
		case html.StartTagToken, html.SelfClosingTagToken:
			tag, hasAttr := z.TagName()
			if !hasAttr {
				continue
			}
			attrs := map[string]string{}
			for {
				k, v, more := z.TagAttr()
				attrs[string(k)] = string(v)
				if !more {
					break
				}
			}
			if string(tag) == "meta" && strings.EqualFold(attrs["name"], "generator") {
				if gen := generatorName(attrs["content"]); gen != "" {
					return gen
				}
			}
			if marker == "" {
				for _, key := range []string{"src", "href"} {
					if m := cmsMarker(attrs[key]); m != "" {
						marker = m
						break
					}
				}
			}
		}
	}
}

// generatorName trims a version suffix: "WordPress 6.4.2" -> "WordPress".
func generatorName(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	for _, f := range fields[1:] {
		if f != "" && (f[0] >= '0' && f[0] <= '9' || f[0] == 'v' && len(f) > 1 && f[1] >= '0' && f[1] <= '9') {
			break
		}
		name += " " + f
	}
	return name
}

func cmsMarker(ref string) string {
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	for _, m := range cmsMarkers {
		if strings.Contains(lower, m.marker) {
			return m.cms
		}
	}
	return ""
}
