package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// Messenger resolves a handle to its public profile: platform, display name,
// and the phone number or country the profile exposes.
type Messenger struct {
	client     schemas.HTTPClient
	normalizer *normalize.Normalizer
	baseURL    string
	apiKey     string
}

func NewMessenger(client schemas.HTTPClient, n *normalize.Normalizer, s Settings) *Messenger {
	if n == nil {
		n = normalize.New("")
	}
	return &Messenger{client: client, normalizer: n, baseURL: strings.TrimRight(s.BaseURL, "/"), apiKey: s.APIKey}
}

func (*Messenger) Name() string { return "messenger" }

func (*Messenger) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityHandle} }

func (m *Messenger) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	if m.baseURL == "" {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: m.Name(), Err: errors.New("no base url configured")}
	}
	var header http.Header
	if m.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + m.apiKey}}
	}
	doc, err := getJSON(ctx, m.client, m.Name(), m.baseURL+"/v1/profile/"+url.PathEscape(value), header)
	if err != nil {
		return schemas.Attributes{}, err
	}
	profile := doc.Get("profile")
	if !profile.Exists() {
		profile = doc
	}

	h := &schemas.HandleAttributes{
		DisplayName: str(profile.Get("display_name")),
		Verified:    boolean(profile.Get("verified")),
	}
	if p := str(profile.Get("platform")); p != nil {
		h.Platform = schemas.Ptr(strings.ToLower(*p))
	}
	if c := str(profile.Get("country")); c != nil {
		h.Country = schemas.Ptr(strings.ToUpper(*c))
	}
	// A linked phone is only kept when it canonicalizes; otherwise it could
	// never match a phone entity.
	if raw := str(profile.Get("phone")); raw != nil {
		if phone, err := m.normalizer.Normalize(schemas.EntityPhone, *raw); err == nil {
			h.LinkedPhone = &phone
		}
	}
	if h.Platform == nil && h.DisplayName == nil && h.LinkedPhone == nil && h.Country == nil {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: m.Name(), Err: errNoData}
	}
	return schemas.Attributes{Handle: h}, nil
}
