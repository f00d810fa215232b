package providers

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// DefaultExplorerURL is the Blockchair-compatible endpoint.
const DefaultExplorerURL = "https://api.blockchair.com"

type chainInfo struct {
	slug     string
	currency string
	decimals int
}

var chains = map[string]chainInfo{
	normalize.ChainBitcoin:  {slug: "bitcoin", currency: "BTC", decimals: 8},
	normalize.ChainEthereum: {slug: "ethereum", currency: "ETH", decimals: 18},
	normalize.ChainTron:     {slug: "tron", currency: "TRX", decimals: 6},
}

// Explorer reads an address dashboard: balance, transaction count and the
// first and last time the address was active.
type Explorer struct {
	client  schemas.HTTPClient
	baseURL string
	apiKey  string
}

func NewExplorer(client schemas.HTTPClient, s Settings) *Explorer {
	base := s.BaseURL
	if base == "" {
		base = DefaultExplorerURL
	}
	return &Explorer{client: client, baseURL: strings.TrimRight(base, "/"), apiKey: s.APIKey}
}

func (*Explorer) Name() string { return "explorer" }

func (*Explorer) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityWallet} }

func (e *Explorer) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	chain := normalize.WalletChain(value)
	info, known := chains[chain]
	if !known {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: e.Name(), Err: errors.New("unsupported chain")}
	}

	target := e.baseURL + "/" + info.slug + "/dashboards/address/" + url.PathEscape(value)
	if e.apiKey != "" {
		target += "?key=" + url.QueryEscape(e.apiKey)
	}
	doc, err := getJSON(ctx, e.client, e.Name(), target, nil)
	if err != nil {
		return schemas.Attributes{}, err
	}

	// data is keyed by the address as the explorer spells it, so take the
	// first entry rather than building a path from value.
	var entry gjson.Result
	doc.Get("data").ForEach(func(_, v gjson.Result) bool {
		entry = v
		return false
	})
	addr := entry.Get("address")
	if !addr.Exists() {
		return schemas.Attributes{}, &schemas.ProviderError{Provider: e.Name(), Err: errNoData}
	}

	w := &schemas.WalletAttributes{
		Chain:     schemas.Ptr(chain),
		Currency:  schemas.Ptr(info.currency),
		FirstSeen: timestamp(addr.Get("first_seen_receiving")),
		LastSeen:  latest(timestamp(addr.Get("last_seen_receiving")), timestamp(addr.Get("last_seen_spending"))),
		Labels:    list(addr.Get("type")),
	}
	if bal := number(addr.Get("balance")); bal != nil {
		w.Balance = schemas.Ptr(*bal / math.Pow10(info.decimals))
	}
	if n := integer(addr.Get("transaction_count")); n != nil {
		w.TxCount = schemas.Ptr(int64(*n))
	}
	return schemas.Attributes{Wallet: w}, nil
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}
