package providers

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// DefaultPhoneRiskURL is the IPQualityScore-compatible endpoint.
const DefaultPhoneRiskURL = "https://www.ipqualityscore.com/api/json"

// PhoneRisk scores a number for fraud and identifies VOIP carriers.
type PhoneRisk struct {
	client  schemas.HTTPClient
	baseURL string
	apiKey  string
}

func NewPhoneRisk(client schemas.HTTPClient, s Settings) *PhoneRisk {
	base := s.BaseURL
	if base == "" {
		base = DefaultPhoneRiskURL
	}
	return &PhoneRisk{client: client, baseURL: strings.TrimRight(base, "/"), apiKey: s.APIKey}
}

func (*PhoneRisk) Name() string { return "phonerisk" }

func (*PhoneRisk) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityPhone} }

func (p *PhoneRisk) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	target := p.baseURL + "/phone/" + url.PathEscape(p.apiKey) + "/" + url.PathEscape(value)
	doc, err := getJSON(ctx, p.client, p.Name(), target, nil)
	if err != nil {
		return schemas.Attributes{}, err
	}
	if !doc.Get("success").Bool() {
		msg := doc.Get("message").String()
		if strings.Contains(strings.ToLower(msg), "exceeded") {
			return schemas.Attributes{}, &schemas.QuotaError{Provider: p.Name()}
		}
		if msg == "" {
			msg = errNoData.Error()
		}
		return schemas.Attributes{}, &schemas.ProviderError{Provider: p.Name(), Err: errors.New(msg)}
	}

	phone := &schemas.PhoneAttributes{
		Carrier: str(doc.Get("carrier")),
		Country: str(doc.Get("country")),
		IsVOIP:  boolean(doc.Get("VOIP")),
		Valid:   boolean(doc.Get("valid")),
	}
	if lt := str(doc.Get("line_type")); lt != nil {
		phone.LineType = schemas.Ptr(strings.ToLower(*lt))
	}
	if phone.IsVOIP != nil && *phone.IsVOIP && phone.Carrier != nil {
		phone.VOIPProvider = phone.Carrier
	}

	threat := &schemas.ThreatAttributes{
		FraudScore:  integer(doc.Get("fraud_score")),
		RecentAbuse: boolean(doc.Get("recent_abuse")),
		Sources:     []string{p.Name()},
	}
	if doc.Get("spammer").Bool() {
		threat.Categories = append(threat.Categories, "spam")
	}
	if doc.Get("risky").Bool() {
		threat.Categories = append(threat.Categories, "risky")
	}
	return schemas.Attributes{Phone: phone, Threat: threat}, nil
}
