package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/cache"
	"github.com/xkilldash9x/osint-tracer/internal/enrichment"
	"github.com/xkilldash9x/osint-tracer/internal/knowledgegraph"
	"github.com/xkilldash9x/osint-tracer/internal/providers"
	"github.com/xkilldash9x/osint-tracer/internal/relationships"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testWallet = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

// -- Fakes --

type fakeAdapter struct {
	name  string
	types []schemas.EntityType
	calls atomic.Int32
	fn    func(ctx context.Context, value string) (schemas.Attributes, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Types() []schemas.EntityType { return f.types }

func (f *fakeAdapter) Enrich(ctx context.Context, value string) (schemas.Attributes, error) {
	f.calls.Add(1)
	return f.fn(ctx, value)
}

type adapterMap map[schemas.EntityType][]providers.Adapter

func (m adapterMap) For(t schemas.EntityType) []providers.Adapter { return m[t] }

type ledgerRow struct {
	session string
	ref     schemas.EntityRef
}

// memStore is an EntityStore over maps with a real session ledger.
type memStore struct {
	mu        sync.Mutex
	records   map[schemas.EntityRef]*schemas.EntityRecord
	ids       map[schemas.EntityRef]int64
	ledger    []ledgerRow
	failFor   map[schemas.EntityRef]error
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		records: map[schemas.EntityRef]*schemas.EntityRecord{},
		ids:     map[schemas.EntityRef]int64{},
		failFor: map[schemas.EntityRef]error{},
	}
}

func (s *memStore) Upsert(_ context.Context, r *schemas.EntityRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[r.Ref()]; err != nil {
		return 0, err
	}
	if existing, ok := s.records[r.Ref()]; ok {
		existing.Merge(r)
		return s.ids[r.Ref()], nil
	}
	s.records[r.Ref()] = r.Clone()
	s.ids[r.Ref()] = int64(len(s.ids) + 1)
	return s.ids[r.Ref()], nil
}

func (s *memStore) AppendSession(_ context.Context, session string, members []schemas.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	for _, m := range members {
		s.ledger = append(s.ledger, ledgerRow{session: session, ref: m})
	}
	return nil
}

func (s *memStore) sessionsOf(ref schemas.EntityRef) map[string]bool {
	out := map[string]bool{}
	for _, row := range s.ledger {
		if row.ref == ref {
			out[row.session] = true
		}
	}
	return out
}

func (s *memStore) HistoricalCooccurrence(_ context.Context, a, b schemas.EntityRef, exclude string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inB := s.sessionsOf(b)
	n := 0
	for session := range s.sessionsOf(a) {
		if session != exclude && inB[session] {
			n++
		}
	}
	return n, nil
}

func (s *memStore) Get(_ context.Context, ref schemas.EntityRef) (*schemas.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[ref]; ok {
		return r.Clone(), nil
	}
	return nil, schemas.ErrNotFound
}

func (s *memStore) History(_ context.Context, ref schemas.EntityRef) (schemas.HistoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.HistoryStats{Sessions: len(s.sessionsOf(ref))}, nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// downGraph fails its health check.
type downGraph struct{ *knowledgegraph.InMemoryKG }

func (downGraph) EnsureConnected(context.Context) error {
	return &schemas.StoreConnectionError{Store: "neo4j", Op: "connect", Err: errors.New("connection refused")}
}

// -- Helpers --

type harness struct {
	tracer *Tracer
	store  *memStore
	graph  *knowledgegraph.InMemoryKG
}

func phoneAdapter() *fakeAdapter {
	return &fakeAdapter{name: "phonemeta", types: []schemas.EntityType{schemas.EntityPhone},
		fn: func(context.Context, string) (schemas.Attributes, error) {
			return schemas.Attributes{Phone: &schemas.PhoneAttributes{Country: schemas.Ptr("US"), Carrier: schemas.Ptr("Acme Mobile")}}, nil
		}}
}

func domainAdapter() *fakeAdapter {
	return &fakeAdapter{name: "rdap", types: []schemas.EntityType{schemas.EntityDomain},
		fn: func(context.Context, string) (schemas.Attributes, error) {
			return schemas.Attributes{Domain: &schemas.DomainAttributes{Registrar: schemas.Ptr("NameCheap")}}, nil
		}}
}

func walletAdapter() *fakeAdapter {
	return &fakeAdapter{name: "explorer", types: []schemas.EntityType{schemas.EntityWallet},
		fn: func(context.Context, string) (schemas.Attributes, error) {
			return schemas.Attributes{Wallet: &schemas.WalletAttributes{Currency: schemas.Ptr("BTC"), TxCount: schemas.Ptr(int64(3))}}, nil
		}}
}

func sessionIDs(ids ...string) func() string {
	var i atomic.Int32
	return func() string {
		n := int(i.Add(1)) - 1
		if n < len(ids) {
			return ids[n]
		}
		return fmt.Sprintf("session-%d", n)
	}
}

func newHarness(t *testing.T, adapters adapterMap, ids ...string) *harness {
	t.Helper()
	store := newMemStore()
	graph := knowledgegraph.NewInMemoryKG(zap.NewNop())
	pipeline := enrichment.NewPipeline(adapters, nil, nil, zap.NewNop())
	detector := relationships.NewDetector(relationships.DefaultConfig(), store, zap.NewNop())
	tr := New(pipeline, store, graph, detector, zap.NewNop(),
		WithSessionIDs(sessionIDs(ids...)),
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithConcurrency(2))
	return &harness{tracer: tr, store: store, graph: graph}
}

func kinds(rels []schemas.Relationship) []schemas.RelationshipKind {
	out := make([]schemas.RelationshipKind, 0, len(rels))
	for _, r := range rels {
		out = append(out, r.Kind)
	}
	return out
}

// -- Test Cases --

func TestTraceBatch_RejectsMalformedInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, adapterMap{})

	tests := map[string]BatchRequest{
		"no entities":   {},
		"unknown type":  {Entities: map[string][]string{"email": {"a@example.com"}}},
		"empty list":    {Entities: map[string][]string{"phone": {}}},
		"blank value":   {Entities: map[string][]string{"domain": {"example.com", "  "}}},
		"one bad among": {Entities: map[string][]string{"phone": {"+14155550100"}, "fax": {"1"}}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := h.tracer.TraceBatch(context.Background(), req)
			assert.ErrorIs(t, err, schemas.ErrMalformedBatch)
			assert.Nil(t, res)
		})
	}
	assert.Zero(t, h.store.Len(), "nothing enters the pipeline")
}

func TestTraceBatch_HistoricalRelationship(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, adapterMap{
		schemas.EntityPhone:  {phoneAdapter()},
		schemas.EntityDomain: {domainAdapter()},
	}, "session-a", "session-b")
	req := BatchRequest{Entities: map[string][]string{
		"phone":  {"+14155550100"},
		"domain": {"example.com"},
	}}

	first, err := h.tracer.TraceBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "session-a", first.SessionID)
	assert.NotContains(t, kinds(first.Relationships), schemas.KindPreviouslyTracedTogether)

	second, err := h.tracer.TraceBatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "session-b", second.SessionID)
	assert.Empty(t, second.Errors)

	var found *schemas.Relationship
	for i := range second.Relationships {
		if second.Relationships[i].Kind == schemas.KindPreviouslyTracedTogether {
			found = &second.Relationships[i]
		}
	}
	require.NotNil(t, found, "session B relates the pair through history")
	assert.Equal(t, 1, found.PreviousCount)

	assert.Equal(t, 2, h.store.Len(), "re-tracing updates, never duplicates")
	h.store.mu.Lock()
	assert.Len(t, h.store.ledger, 4)
	h.store.mu.Unlock()

	snap, err := h.graph.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	var historyEdges int
	for _, e := range snap.Edges {
		if e.Type == "PREVIOUSLY_TRACED_TOGETHER" {
			historyEdges++
			assert.Equal(t, 1, e.Properties["previous_count"])
		}
	}
	assert.Equal(t, 1, historyEdges)
}

func TestTraceBatch_PartialFailureContainment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slowDomain := &fakeAdapter{name: "rdap", types: []schemas.EntityType{schemas.EntityDomain},
		fn: func(context.Context, string) (schemas.Attributes, error) {
			return schemas.Attributes{}, &schemas.ProviderError{Provider: "rdap", Retryable: true, Err: context.DeadlineExceeded}
		}}
	phones := phoneAdapter()
	h := newHarness(t, adapterMap{
		schemas.EntityPhone:  {phones},
		schemas.EntityDomain: {slowDomain},
		schemas.EntityWallet: {walletAdapter()},
	})

	res, err := h.tracer.TraceBatch(ctx, BatchRequest{Entities: map[string][]string{
		"phone":  {"not a phone"},
		"domain": {"example.com"},
		"wallet": {testWallet},
	}})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)

	byType := map[schemas.EntityType]enrichment.Result{}
	for _, r := range res.Results {
		byType[r.Type] = r
	}
	assert.Equal(t, enrichment.StatusError, byType[schemas.EntityPhone].Status)
	assert.Equal(t, schemas.KindValidation, byType[schemas.EntityPhone].Errors[0].Kind)
	assert.Zero(t, phones.calls.Load(), "invalid input never reaches a provider")

	assert.Equal(t, enrichment.StatusError, byType[schemas.EntityDomain].Status)
	assert.Equal(t, schemas.KindProvider, byType[schemas.EntityDomain].Errors[0].Kind)

	assert.Equal(t, enrichment.StatusSuccess, byType[schemas.EntityWallet].Status)

	assert.Equal(t, 1, h.store.Len(), "only Done entities are persisted")
	_, err = h.store.Get(ctx, schemas.EntityRef{Type: schemas.EntityWallet, Value: testWallet})
	assert.NoError(t, err)

	snap, err := h.graph.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	for _, n := range snap.Nodes {
		assert.NotEqual(t, schemas.LabelDomain, n.Label)
		assert.NotEqual(t, schemas.LabelPhone, n.Label)
	}
	h.store.mu.Lock()
	assert.Len(t, h.store.ledger, 1)
	h.store.mu.Unlock()
}

func TestTraceBatch_DuplicateSpellings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	phones := phoneAdapter()
	h := newHarness(t, adapterMap{schemas.EntityPhone: {phones}})

	res, err := h.tracer.TraceBatch(ctx, BatchRequest{Entities: map[string][]string{
		"phone": {"+1 (415) 555-0100", "14155550100", "4155550100"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	for i, input := range []string{"+1 (415) 555-0100", "14155550100", "4155550100"} {
		assert.Equal(t, input, res.Results[i].Input)
		assert.Equal(t, "+14155550100", res.Results[i].CanonicalValue)
	}
	assert.EqualValues(t, 1, phones.calls.Load(), "enriched once")
	assert.Empty(t, res.Relationships, "an entity is never related to itself")

	stored, err := h.store.Get(ctx, schemas.EntityRef{Type: schemas.EntityPhone, Value: "+14155550100"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"+1 (415) 555-0100", "14155550100", "4155550100"}, stored.Attributes.RawInputs)
}

func TestTraceBatch_CachedRetraceRefreshesLastSeen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	mem := cache.NewMemory(zap.NewNop(), 0, cache.WithMemoryClock(clock))
	t.Cleanup(func() { _ = mem.Close() })
	phones := phoneAdapter()
	store := newMemStore()
	graph := knowledgegraph.NewInMemoryKG(zap.NewNop())
	pipeline := enrichment.NewPipeline(adapterMap{schemas.EntityPhone: {phones}}, mem, nil, zap.NewNop(),
		enrichment.WithCacheTTL(24*time.Hour), enrichment.WithClock(clock))
	detector := relationships.NewDetector(relationships.DefaultConfig(), store, zap.NewNop())
	tr := New(pipeline, store, graph, detector, zap.NewNop(), WithClock(clock))
	req := BatchRequest{Entities: map[string][]string{"phone": {"+14155550100"}}}

	_, err := tr.TraceBatch(ctx, req)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(6 * time.Hour)
	mu.Unlock()
	res, err := tr.TraceBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].FromCache)
	assert.EqualValues(t, 1, phones.calls.Load(), "served from cache")

	later := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	ref := schemas.EntityRef{Type: schemas.EntityPhone, Value: "+14155550100"}
	stored, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, later, stored.LastSeen)
	assert.Equal(t, later.Add(-6*time.Hour), stored.FirstSeen)

	snap, err := graph.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	var phoneNode *schemas.GraphNode
	for i := range snap.Nodes {
		if snap.Nodes[i].Label == schemas.LabelPhone {
			phoneNode = &snap.Nodes[i]
		}
	}
	require.NotNil(t, phoneNode)
	assert.Equal(t, later, phoneNode.LastSeen)
	assert.Equal(t, later.Add(-6*time.Hour), phoneNode.FirstSeen)
}

func TestTraceBatch_StoreFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, adapterMap{
		schemas.EntityPhone:  {phoneAdapter()},
		schemas.EntityDomain: {domainAdapter()},
	})
	h.store.failFor[schemas.EntityRef{Type: schemas.EntityPhone, Value: "+14155550100"}] =
		&schemas.StoreWriteError{Store: "postgres", Op: "update", Key: "phone:+14155550100", Err: errors.New("check violation")}
	h.store.appendErr = &schemas.StoreConnectionError{Store: "postgres", Op: "append_session", Err: errors.New("conn closed")}

	res, err := h.tracer.TraceBatch(ctx, BatchRequest{Entities: map[string][]string{
		"phone":  {"+14155550100"},
		"domain": {"example.com"},
	}})
	require.NoError(t, err)

	for _, r := range res.Results {
		assert.Equal(t, enrichment.StatusSuccess, r.Status)
	}
	stages := map[string]schemas.ErrorKind{}
	for _, e := range res.Errors {
		stages[e.Stage] = e.Kind
	}
	assert.Equal(t, schemas.KindStoreWrite, stages[StagePersist])
	assert.Equal(t, schemas.KindStoreConnection, stages[StageLedger])
	assert.Equal(t, 1, h.store.Len())

	snap, err := h.graph.Query(ctx, schemas.GraphFilter{Refs: []schemas.EntityRef{{Type: schemas.EntityPhone, Value: "+14155550100"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Nodes, "the graph write is independent of the relational one")
}

func TestTraceBatch_GraphDown(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	pipeline := enrichment.NewPipeline(adapterMap{schemas.EntityPhone: {phoneAdapter()}}, nil, nil, zap.NewNop())
	tr := New(pipeline, store, downGraph{knowledgegraph.NewInMemoryKG(nil)}, nil, nil)

	res, err := tr.TraceBatch(context.Background(), BatchRequest{Entities: map[string][]string{"phone": {"+14155550100", "+14155550101"}}})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StageGraph, res.Errors[0].Stage)
	assert.Equal(t, schemas.KindStoreConnection, res.Errors[0].Kind)
	assert.Equal(t, 2, store.Len(), "the relational store is still written")
	assert.NotEmpty(t, res.Relationships, "relationships are still reported")
}

func TestCheckEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, adapterMap{schemas.EntityDomain: {domainAdapter()}})

	res, err := h.tracer.CheckEntity(ctx, "hostname", "HTTPS://WWW.Example.com/path")
	require.NoError(t, err)
	assert.Equal(t, enrichment.StatusSuccess, res.Status)
	assert.Equal(t, "example.com", res.CanonicalValue)
	require.NotNil(t, res.Data.Attributes.Domain)
	assert.Equal(t, "NameCheap", *res.Data.Attributes.Domain.Registrar)

	assert.Zero(t, h.store.Len(), "checking never persists")
	snap, err := h.graph.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)

	_, err = h.tracer.CheckEntity(ctx, "email", "a@example.com")
	assert.ErrorIs(t, err, schemas.ErrMalformedBatch)
}
