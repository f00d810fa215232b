package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// AbuseFeed checks phones, domains and wallets against a threat-intel
// listing service. Unlisted entities still produce a fragment with
// listed=false so the absence of a listing is recorded.
type AbuseFeed struct {
	client  schemas.HTTPClient
	baseURL string
	apiKey  string
}

func NewAbuseFeed(client schemas.HTTPClient, s Settings) *AbuseFeed {
	return &AbuseFeed{client: client, baseURL: strings.TrimRight(s.BaseURL, "/"), apiKey: s.APIKey}
}

func (*AbuseFeed) Name() string { return "abusefeed" }

func (*AbuseFeed) Types() []schemas.EntityType {
	return []schemas.EntityType{schemas.EntityPhone, schemas.EntityDomain, schemas.EntityWallet}
}

// Enrich is called once per type; the type is inferred from the value shape
// because the pipeline only hands over canonical strings.
func (a *AbuseFeed) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	if a.baseURL == "" {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: a.Name(), Err: errors.New("no base url configured")}
	}
	q := url.Values{}
	q.Set("type", string(guessType(value)))
	q.Set("value", value)

	var header http.Header
	if a.apiKey != "" {
		header = http.Header{"Key": []string{a.apiKey}}
	}
	doc, err := getJSON(ctx, a.client, a.Name(), a.baseURL+"/v1/check?"+q.Encode(), header)
	if err != nil {
		return schemas.Attributes{}, err
	}
	data := doc.Get("data")
	if !data.Exists() {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: a.Name(), Err: errNoData}
	}

	t := &schemas.ThreatAttributes{
		Listed:      boolean(data.Get("listed")),
		AbuseScore:  integer(data.Get("abuse_score")),
		ReportCount: integer(data.Get("report_count")),
		Categories:  lowerAll(list(data.Get("categories"))),
		Sources:     []string{a.Name()},
	}
	if t.Listed == nil {
		t.Listed = schemas.Ptr(t.ReportCount != nil && *t.ReportCount > 0)
	}
	return schemas.Attributes{Threat: t}, nil
}

// guessType tells the three supported canonical shapes apart.
func guessType(value string) schemas.EntityType {
	switch {
	case strings.HasPrefix(value, "+"):
		return schemas.EntityPhone
	case strings.Contains(value, "."):
		return schemas.EntityDomain
	}
	return schemas.EntityWallet
}
