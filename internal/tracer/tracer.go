// Package tracer holds the two inbound operations of the engine: tracing a
// batch of entities end to end, and checking a single entity without
// persisting anything.
package tracer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/enrichment"
	"github.com/xkilldash9x/osint-tracer/internal/knowledgegraph"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
	"github.com/xkilldash9x/osint-tracer/internal/relationships"
)

// Stage names used in batch level error details.
const (
	StagePersist       = "persisting"
	StageGraph         = "graph"
	StageRelationships = "relationships"
	StageLedger        = "ledger"
)

// DefaultConcurrency bounds the enrichments running at once within one batch.
const DefaultConcurrency = 4

// Enricher is the per-entity pipeline.
type Enricher interface {
	Enrich(ctx context.Context, t schemas.EntityType, raw string) enrichment.Result
}

// BatchRequest maps entity type names (aliases accepted) to raw values.
type BatchRequest struct {
	Entities map[string][]string `json:"entities"`
}

// BatchResult has one entry in Results per input value, in a stable order:
// by entity type, then by input position.
type BatchResult struct {
	SessionID     string                 `json:"session_id"`
	TracedAt      time.Time              `json:"traced_at"`
	Results       []enrichment.Result    `json:"results"`
	Relationships []schemas.Relationship `json:"relationships"`
	Errors        []schemas.ErrorDetail  `json:"errors"`
}

// Tracer coordinates the pipeline, both stores, and the relationship detector.
// It holds no per-batch state, so batches run fully in parallel.
type Tracer struct {
	pipeline    Enricher
	store       schemas.EntityStore
	graph       schemas.GraphStore
	detector    *relationships.Detector
	normalizer  *normalize.Normalizer
	concurrency int
	now         func() time.Time
	newID       func() string
	logger      *zap.Logger
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithConcurrency sets the per-batch enrichment pool size.
func WithConcurrency(n int) Option {
	return func(t *Tracer) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithNormalizer must match the pipeline's normalizer so duplicate spellings
// group the same way.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(t *Tracer) { t.normalizer = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithSessionIDs replaces the UUID generator, for tests.
func WithSessionIDs(next func() string) Option {
	return func(t *Tracer) { t.newID = next }
}

// New wires a Tracer. A nil store skips relational persistence and the
// ledger; a nil graph skips projection and relationship edges.
func New(pipeline Enricher, store schemas.EntityStore, graph schemas.GraphStore, detector *relationships.Detector, logger *zap.Logger, opts ...Option) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		pipeline:    pipeline,
		store:       store,
		graph:       graph,
		detector:    detector,
		normalizer:  normalize.New(""),
		concurrency: DefaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.Named("tracer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.detector == nil {
		cfg := relationships.DefaultConfig()
		cfg.Normalizer = t.normalizer
		t.detector = relationships.NewDetector(cfg, nil, logger)
	}
	return t
}

type item struct {
	t   schemas.EntityType
	raw string
}

// group is one distinct entity in the batch. The leader input is enriched; the
// followers are other spellings of the same canonical value.
type group struct {
	leader    int
	followers []int
}

// parseBatch validates the top-level shape of a request and flattens it.
func parseBatch(req BatchRequest) ([]item, error) {
	if len(req.Entities) == 0 {
		return nil, fmt.Errorf("%w: no entities", schemas.ErrMalformedBatch)
	}
	byType := make(map[schemas.EntityType][]string)
	names := make([]string, 0, len(req.Entities))
	for name := range req.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := req.Entities[name]
		t, err := schemas.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", schemas.ErrMalformedBatch, err)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: no values for %s", schemas.ErrMalformedBatch, name)
		}
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("%w: empty %s value", schemas.ErrMalformedBatch, name)
			}
		}
		byType[t] = append(byType[t], values...)
	}

	var items []item
	for _, t := range schemas.EntityTypes {
		for _, v := range byType[t] {
			items = append(items, item{t: t, raw: v})
		}
	}
	return items, nil
}

// TraceBatch enriches, persists, and relates every entity in req. Only a
// malformed request returns an error; every other failure is reported in the
// result.
func (t *Tracer) TraceBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	items, err := parseBatch(req)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{
		SessionID:     t.newID(),
		TracedAt:      t.now().UTC(),
		Results:       make([]enrichment.Result, len(items)),
		Relationships: []schemas.Relationship{},
		Errors:        []schemas.ErrorDetail{},
	}
	logger := t.logger.With(zap.String("session_id", out.SessionID))
	logger.Info("Tracing batch.", zap.Int("inputs", len(items)))

	graphUp := t.graph != nil
	if graphUp {
		if err := t.graph.EnsureConnected(ctx); err != nil {
			logger.Warn("Graph store unavailable, skipping graph writes.", zap.Error(err))
			out.Errors = append(out.Errors, schemas.NewErrorDetail(StageGraph, "graph", err))
			graphUp = false
		}
	}

	// 1. Enrich and persist each distinct entity on a bounded pool.
	groups := t.groupItems(items)
	persistErrs := make([][]schemas.ErrorDetail, len(groups))
	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for gi, grp := range groups {
		g.Go(func() error {
			res := t.pipeline.Enrich(ctx, items[grp.leader].t, items[grp.leader].raw)
			if res.Done() && res.Data != nil {
				for _, f := range grp.followers {
					res.Data.Attributes.RawInputs = appendRaw(res.Data.Attributes.RawInputs, items[f].raw)
				}
				persistErrs[gi] = t.persist(ctx, res.Data, graphUp)
			}
			out.Results[grp.leader] = res
			for _, f := range grp.followers {
				follower := res
				follower.Input = items[f].raw
				out.Results[f] = follower
			}
			return nil
		})
	}
	_ = g.Wait()

	// 2. Join barrier passed: snapshot the distinct Done records.
	var snapshot []*schemas.EntityRecord
	var members []schemas.EntityRef
	for gi, grp := range groups {
		out.Errors = append(out.Errors, persistErrs[gi]...)
		res := out.Results[grp.leader]
		if !res.Done() || res.Data == nil {
			continue
		}
		snapshot = append(snapshot, res.Data.Clone())
		members = append(members, res.Ref())
	}

	// 3. Relationships.
	rels, detectErrs := t.detector.Detect(ctx, out.SessionID, snapshot)
	out.Relationships = rels
	for _, err := range detectErrs {
		out.Errors = append(out.Errors, schemas.NewErrorDetail(StageRelationships, "history", err))
	}
	if graphUp && len(rels) > 0 {
		_, edgeErrs := t.detector.Materialize(ctx, t.graph, rels, out.TracedAt)
		for _, err := range edgeErrs {
			out.Errors = append(out.Errors, schemas.NewErrorDetail(StageGraph, "relationships", err))
		}
	}

	// 4. Ledger. Best-effort, after detection so the batch never sees itself.
	if t.store != nil && len(members) > 0 {
		if err := t.store.AppendSession(ctx, out.SessionID, members); err != nil {
			logger.Warn("Failed to append investigation session.", zap.Error(err))
			out.Errors = append(out.Errors, schemas.NewErrorDetail(StageLedger, "entity_store", err))
		}
	}

	logger.Info("Batch traced.",
		zap.Int("inputs", len(items)),
		zap.Int("persisted", len(members)),
		zap.Int("relationships", len(out.Relationships)),
		zap.Int("errors", len(out.Errors)))
	return out, nil
}

// groupItems collapses inputs that canonicalize to the same entity. Inputs
// that fail canonicalization are left alone so the pipeline reports them.
func (t *Tracer) groupItems(items []item) []group {
	var groups []group
	byRef := make(map[schemas.EntityRef]int)
	for i, it := range items {
		canonical, err := t.normalizer.Normalize(it.t, it.raw)
		if err != nil {
			groups = append(groups, group{leader: i})
			continue
		}
		ref := schemas.EntityRef{Type: it.t, Value: canonical}
		if gi, ok := byRef[ref]; ok {
			groups[gi].followers = append(groups[gi].followers, i)
			continue
		}
		byRef[ref] = len(groups)
		groups = append(groups, group{leader: i})
	}
	return groups
}

// persist writes one Done record to the entity store and then to the graph.
// Each store fails independently of the other.
func (t *Tracer) persist(ctx context.Context, record *schemas.EntityRecord, graphUp bool) []schemas.ErrorDetail {
	var errs []schemas.ErrorDetail
	if t.store != nil {
		id, err := t.store.Upsert(ctx, record)
		if err != nil {
			t.logger.Warn("Entity upsert failed.", zap.String("entity", record.Ref().String()), zap.Error(err))
			errs = append(errs, schemas.NewErrorDetail(StagePersist, record.Ref().String(), err))
		} else {
			record.ID = id
		}
	}
	if graphUp {
		if err := knowledgegraph.Apply(ctx, t.graph, knowledgegraph.Project(record)); err != nil {
			t.logger.Warn("Graph projection failed.", zap.String("entity", record.Ref().String()), zap.Error(err))
			errs = append(errs, schemas.NewErrorDetail(StageGraph, record.Ref().String(), err))
		}
	}
	return errs
}

// CheckEntity runs the pipeline for one value without persisting anything.
func (t *Tracer) CheckEntity(ctx context.Context, typeName, value string) (enrichment.Result, error) {
	et, err := schemas.ParseEntityType(typeName)
	if err != nil {
		return enrichment.Result{}, fmt.Errorf("%w: %v", schemas.ErrMalformedBatch, err)
	}
	return t.pipeline.Enrich(ctx, et, value), nil
}

func appendRaw(list []string, raw string) []string {
	for _, s := range list {
		if s == raw {
			return list
		}
	}
	return append(list, raw)
}
