package schemas

import (
	"context"
	"net/http"
)

// -- Store Interfaces --

// EntityStore persists canonical entity records and the append-only
// investigation session ledger.
type EntityStore interface {
	// Upsert inserts or merges the record keyed by (type, canonical value) and
	// returns the row id.
	Upsert(ctx context.Context, record *EntityRecord) (int64, error)
	// AppendSession writes one ledger row per member. Best-effort.
	AppendSession(ctx context.Context, sessionID string, members []EntityRef) error
	// HistoricalCooccurrence counts distinct sessions, other than excludeSession,
	// that contained both a and b.
	HistoricalCooccurrence(ctx context.Context, a, b EntityRef, excludeSession string) (int, error)
	// Get loads a stored record.
	Get(ctx context.Context, ref EntityRef) (*EntityRecord, error)
	// History summarizes past investigations of ref.
	History(ctx context.Context, ref EntityRef) (HistoryStats, error)
}

// HistorySource feeds internal history into risk scoring.
type HistorySource interface {
	History(ctx context.Context, ref EntityRef) (HistoryStats, error)
}

// CooccurrenceSource answers historical co-occurrence queries.
type CooccurrenceSource interface {
	HistoricalCooccurrence(ctx context.Context, a, b EntityRef, excludeSession string) (int, error)
}

// GraphStore is the labeled property graph. Every write is an idempotent MERGE.
type GraphStore interface {
	// EnsureConnected verifies, and if needed re-establishes, the connection.
	EnsureConnected(ctx context.Context) error
	// UpsertNode merges a node by (label, key).
	UpsertNode(ctx context.Context, node GraphNode) error
	// UpsertEdge merges an edge, creating either endpoint if it is absent.
	UpsertEdge(ctx context.Context, edge GraphEdge) error
	// Query returns the slice of the graph selected by filter.
	Query(ctx context.Context, filter GraphFilter) (*GraphSnapshot, error)
	// Purge removes a node and its edges. It is the only deleting operation.
	Purge(ctx context.Context, ref NodeRef) error
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// -- Network Interfaces --

// HTTPResponse is a fully read, decompressed HTTP response.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient is the transport provider adapters use for outbound lookups.
type HTTPClient interface {
	// Get performs a GET request with the supplied headers and returns the
	// decoded body. Non-2xx statuses are returned as a response, not an error.
	Get(ctx context.Context, url string, header http.Header) (*HTTPResponse, error)
}
