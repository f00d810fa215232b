// Package providers holds the adapters that enrich entities from external
// lookup services, plus the Guard that puts quotas, retries and timeouts
// around each of them.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// Adapter enriches one canonical value. The returned fragment may set any
// subset of fields; an error is always a *schemas.ProviderError or a
// *schemas.QuotaError, never a validation failure.
type Adapter interface {
	Name() string
	Types() []schemas.EntityType
	Enrich(ctx context.Context, value string) (schemas.Attributes, error)
}

// Supports reports whether a handles entity type t.
func Supports(a Adapter, t schemas.EntityType) bool {
	return slices.Contains(a.Types(), t)
}

// Settings configure one adapter.
type Settings struct {
	Name        string
	Enabled     bool
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Quota       int
	Window      string
	MinInterval time.Duration
}

// Resolver is the subset of *net.Resolver the DNS based adapters use.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

var (
	errMalformed = errors.New("malformed provider response")
	errNoData    = errors.New("provider returned no data")
)

// soft wraps a transport or decoding failure.
func soft(provider string, err error) error {
	var provErr *schemas.ProviderError
	var quotaErr *schemas.QuotaError
	if errors.As(err, &provErr) || errors.As(err, &quotaErr) {
		return err
	}
	return &schemas.ProviderError{Provider: provider, Err: err}
}

// statusError maps a non-2xx response. 402 is how several metered APIs
// signal an exhausted plan.
func statusError(provider string, resp *schemas.HTTPResponse) error {
	if resp.StatusCode == http.StatusPaymentRequired {
		return &schemas.QuotaError{Provider: provider}
	}
	msg := http.StatusText(resp.StatusCode)
	if len(resp.Body) > 0 && len(resp.Body) < 256 {
		msg = string(resp.Body)
	}
	return &schemas.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected status: %s", msg),
	}
}

func ok(resp *schemas.HTTPResponse) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
