package schemas

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrMalformedBatch rejects a batch before any entity enters the pipeline.
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrQuotaExhausted is matched by every QuotaError.
	ErrQuotaExhausted = errors.New("provider quota exhausted")
	// ErrProviderUnavailable marks a provider whose retries were exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrStoreUnavailable marks a store whose reconnect attempts were exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

// ErrorKind classifies an ErrorDetail for callers that only see serialized results.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindProvider        ErrorKind = "provider"
	KindQuota           ErrorKind = "quota_exhausted"
	KindStoreConnection ErrorKind = "store_connection"
	KindStoreWrite      ErrorKind = "store_write"
	KindScoring         ErrorKind = "scoring"
	KindInternal        ErrorKind = "internal"
)

// ErrorDetail is the serializable form of a failure attached to a result.
type ErrorDetail struct {
	Stage   string    `json:"stage"`
	Source  string    `json:"source,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ValidationError is malformed input for a declared entity type. Terminal.
type ValidationError struct {
	Type   EntityType
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Type, e.Value, e.Reason)
}

// ProviderError is a soft failure from one provider adapter.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// QuotaError means the rate limiter denied a call. It is never retried.
type QuotaError struct {
	Provider string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("provider %s skipped: quota exhausted", e.Provider)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExhausted }

// StoreConnectionError is a transient connectivity failure of a backing store.
type StoreConnectionError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreConnectionError) Error() string {
	return fmt.Sprintf("%s %s: connection failure: %v", e.Store, e.Op, e.Err)
}

func (e *StoreConnectionError) Unwrap() error { return e.Err }

// StoreWriteError is a non-transient write failure for a single entity or edge.
type StoreWriteError struct {
	Store string
	Op    string
	Key   string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Store, e.Op, e.Key, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// NewErrorDetail classifies err into its serializable form.
func NewErrorDetail(stage, source string, err error) ErrorDetail {
	d := ErrorDetail{Stage: stage, Source: source, Kind: KindInternal}
	if err == nil {
		return d
	}
	d.Message = err.Error()

	var (
		valErr   *ValidationError
		provErr  *ProviderError
		quotaErr *QuotaError
		connErr  *StoreConnectionError
		writeErr *StoreWriteError
	)
	switch {
	case errors.As(err, &valErr):
		d.Kind = KindValidation
	case errors.As(err, &quotaErr):
		d.Kind = KindQuota
	case errors.As(err, &connErr):
		d.Kind = KindStoreConnection
	case errors.As(err, &writeErr):
		d.Kind = KindStoreWrite
	case errors.As(err, &provErr), errors.Is(err, ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		d.Kind = KindProvider
	}
	return d
}
