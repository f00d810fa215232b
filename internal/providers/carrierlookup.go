package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// DefaultCarrierLookupURL is the numverify-compatible endpoint.
const DefaultCarrierLookupURL = "http://apilayer.net/api"

// numverify reports failures inside a 200 response; 104 is "monthly limit reached".
const numverifyQuotaCode = 104

// CarrierLookup validates a number against a numverify-style API and returns
// the current carrier and line type.
type CarrierLookup struct {
	client  schemas.HTTPClient
	baseURL string
	apiKey  string
}

func NewCarrierLookup(client schemas.HTTPClient, s Settings) *CarrierLookup {
	base := s.BaseURL
	if base == "" {
		base = DefaultCarrierLookupURL
	}
	return &CarrierLookup{client: client, baseURL: strings.TrimRight(base, "/"), apiKey: s.APIKey}
}

func (*CarrierLookup) Name() string { return "carrierlookup" }

func (*CarrierLookup) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityPhone} }

func (c *CarrierLookup) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	q := url.Values{}
	q.Set("access_key", c.apiKey)
	q.Set("number", strings.TrimPrefix(value, "+"))
	doc, err := getJSON(ctx, c.client, c.Name(), c.baseURL+"/validate?"+q.Encode(), nil)
	if err != nil {
		return schemas.Attributes{}, err
	}

	if doc.Get("success").Exists() && !doc.Get("success").Bool() {
		code := int(doc.Get("error.code").Int())
		if code == numverifyQuotaCode {
			return schemas.Attributes{}, &schemas.QuotaError{Provider: c.Name()}
		}
		return schemas.Attributes{}, &schemas.ProviderError{
			Provider: c.Name(),
			Err:      fmt.Errorf("api error %d: %s", code, doc.Get("error.type").String()),
		}
	}

	attrs := &schemas.PhoneAttributes{
		Valid:       boolean(doc.Get("valid")),
		Country:     str(doc.Get("country_code")),
		CountryName: str(doc.Get("country_name")),
		Location:    str(doc.Get("location")),
		Carrier:     str(doc.Get("carrier")),
		LineType:    str(doc.Get("line_type")),
	}
	if attrs.Country != nil {
		attrs.Country = schemas.Ptr(strings.ToUpper(*attrs.Country))
	}
	if attrs.LineType != nil {
		lt := strings.ToLower(*attrs.LineType)
		attrs.LineType = &lt
		if lt == "voip" {
			attrs.IsVOIP = schemas.Ptr(true)
		}
	}
	return schemas.Attributes{Phone: attrs}, nil
}
