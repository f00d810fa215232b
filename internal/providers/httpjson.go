package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// getJSON fetches target and returns the parsed document. Transport errors,
// non-2xx statuses and invalid JSON all come back as soft provider errors.
func getJSON(ctx context.Context, client schemas.HTTPClient, provider, target string, header http.Header) (gjson.Result, error) {
	resp, err := client.Get(ctx, target, header)
	if err != nil {
		return gjson.Result{}, soft(provider, err)
	}
	if !ok(resp) {
		return gjson.Result{}, statusError(provider, resp)
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, soft(provider, errMalformed)
	}
	return gjson.ParseBytes(resp.Body), nil
}

// -- gjson field helpers --
// Providers disagree on types: numbers arrive as strings, lists as scalars,
// missing values as "" or null. These helpers return nil for "not observed".

func str(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := strings.TrimSpace(r.String())
	if s == "" {
		return nil
	}
	return &s
}

func boolean(r gjson.Result) *bool {
	switch r.Type {
	case gjson.True, gjson.False:
		b := r.Bool()
		return &b
	case gjson.String:
		switch strings.ToLower(r.Str) {
		case "true", "yes", "1":
			return schemas.Ptr(true)
		case "false", "no", "0":
			return schemas.Ptr(false)
		}
	case gjson.Number:
		return schemas.Ptr(r.Num != 0)
	}
	return nil
}

func integer(r gjson.Result) *int {
	if r.Type != gjson.Number && (r.Type != gjson.String || r.Str == "") {
		return nil
	}
	v := int(r.Int())
	return &v
}

func number(r gjson.Result) *float64 {
	if r.Type != gjson.Number && (r.Type != gjson.String || r.Str == "") {
		return nil
	}
	v := r.Float()
	return &v
}

// list accepts either a JSON array or a single scalar.
func list(r gjson.Result) []string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if !r.IsArray() {
		if s := str(r); s != nil {
			return []string{*s}
		}
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := str(v); s != nil {
			out = append(out, *s)
		}
		return true
	})
	return out
}

// timestamp parses RFC 3339, "2006-01-02 15:04:05", unix seconds and the
// other shapes dateparse understands, always in UTC.
func timestamp(r gjson.Result) *time.Time {
	switch r.Type {
	case gjson.Number:
		if r.Int() <= 0 {
			return nil
		}
		t := time.Unix(r.Int(), 0).UTC()
		return &t
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" || strings.HasPrefix(s, "0000") {
			return nil
		}
		t, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	}
	return nil
}

func lowerAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.TrimSuffix(strings.ToLower(s), ".")
	}
	return in
}
