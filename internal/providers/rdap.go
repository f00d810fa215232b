package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// DefaultRDAPURL is the rdap.org bootstrap redirector.
const DefaultRDAPURL = "https://rdap.org"

// RDAP reads registration data for the registrable part of a domain.
type RDAP struct {
	client  schemas.HTTPClient
	baseURL string
}

func NewRDAP(client schemas.HTTPClient, s Settings) *RDAP {
	base := s.BaseURL
	if base == "" {
		base = DefaultRDAPURL
	}
	return &RDAP{client: client, baseURL: strings.TrimRight(base, "/")}
}

func (*RDAP) Name() string { return "rdap" }

func (*RDAP) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityDomain} }

func (r *RDAP) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	target := r.baseURL + "/domain/" + url.PathEscape(normalize.RegisteredDomain(value))
	header := http.Header{"Accept": []string{"application/rdap+json, application/json"}}
	doc, err := getJSON(ctx, r.client, r.Name(), target, header)
	if err != nil {
		return schemas.Attributes{}, err
	}
	if doc.Get("errorCode").Exists() {
		return schemas.Attributes{}, &schemas.ProviderError{
			Provider:   r.Name(),
			StatusCode: int(doc.Get("errorCode").Int()),
			Err:        errNoData,
		}
	}

	d := &schemas.DomainAttributes{
		Registrar:   registrarName(doc),
		CreatedAt:   timestamp(doc.Get(`events.#(eventAction=="registration").eventDate`)),
		ExpiresAt:   timestamp(doc.Get(`events.#(eventAction=="expiration").eventDate`)),
		NameServers: lowerAll(list(doc.Get("nameservers.#.ldhName"))),
		Status:      list(doc.Get("status")),
	}
	return schemas.Attributes{Domain: d}, nil
}

// registrarName takes the vCard "fn" of the entity with the registrar role,
// falling back to its handle.
func registrarName(doc gjson.Result) *string {
	entity := doc.Get(`entities.#(roles.#(=="registrar"))`)
	if !entity.Exists() {
		return nil
	}
	var name *string
	entity.Get("vcardArray.1").ForEach(func(_, prop gjson.Result) bool {
		if prop.Get("0").String() == "fn" {
			name = str(prop.Get("3"))
			return false
		}
		return true
	})
	if name == nil {
		name = str(entity.Get("handle"))
	}
	return name
}
