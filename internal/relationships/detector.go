// Package relationships infers edges between the entities of one batch, both
// from shared infrastructure and from the history of earlier investigations.
package relationships

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// Config toggles individual rules. Kinds missing from Rules keep their
// default: every rule is on except the weak string-matching ones.
type Config struct {
	Rules map[schemas.RelationshipKind]bool
	// History enables the previously_traced_together pass.
	History bool
	// Normalizer re-canonicalizes phone numbers quoted inside attributes.
	// Nil uses normalize.DefaultRegion.
	Normalizer *normalize.Normalizer
}

// DefaultConfig enables the default rule set and the history pass.
func DefaultConfig() Config {
	return Config{History: true}
}

// Detector runs the intra-batch rule table and the history pass.
type Detector struct {
	rules      []rule
	history    schemas.CooccurrenceSource
	normalizer *normalize.Normalizer
	logger     *zap.Logger
}

// NewDetector builds a detector. A nil history source disables the history pass.
func NewDetector(cfg Config, history schemas.CooccurrenceSource, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{normalizer: cfg.Normalizer, logger: logger.Named("relationships")}
	if d.normalizer == nil {
		d.normalizer = normalize.New("")
	}
	for _, r := range ruleTable {
		enabled := !r.defaultOff
		if v, ok := cfg.Rules[r.kind]; ok {
			enabled = v
		}
		if enabled {
			d.rules = append(d.rules, r)
		}
	}
	if cfg.History {
		if v, ok := cfg.Rules[schemas.KindPreviouslyTracedTogether]; !ok || v {
			d.history = history
		}
	}
	return d
}

// Detect compares every unordered pair of records once. History lookup
// failures are returned per pair; the relationships found are returned either way.
func (d *Detector) Detect(ctx context.Context, sessionID string, records []*schemas.EntityRecord) ([]schemas.Relationship, []error) {
	batch := uniqueSorted(records)
	rels := []schemas.Relationship{}
	var errs []error

	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch); j++ {
			a, b := batch[i], batch[j]
			rels = append(rels, d.pairRules(a, b)...)

			if d.history == nil {
				continue
			}
			rel, err := d.pairHistory(ctx, sessionID, a, b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if rel != nil {
				rels = append(rels, *rel)
			}
		}
	}

	d.logger.Debug("Relationship detection finished.",
		zap.String("session_id", sessionID),
		zap.Int("entities", len(batch)),
		zap.Int("relationships", len(rels)),
		zap.Int("history_errors", len(errs)))
	return rels, errs
}

// pairRules applies every enabled rule to one pair. a sorts before b, so
// symmetric kinds always come out with the same orientation.
func (d *Detector) pairRules(a, b *schemas.EntityRecord) []schemas.Relationship {
	var out []schemas.Relationship
	for _, r := range d.rules {
		ok, swap := r.applies(a.Type, b.Type)
		if !ok {
			continue
		}
		x, y := a, b
		if swap {
			x, y = b, a
		}
		evidence, fired := r.match(d.normalizer, x, y)
		if !fired {
			continue
		}
		rel := schemas.Relationship{
			From:        a.Ref(),
			To:          b.Ref(),
			Kind:        r.kind,
			Evidence:    evidence,
			Weight:      r.weight,
			Confidence:  r.confidence,
			Directional: r.directional,
		}
		if r.directional {
			rel.From, rel.To = x.Ref(), y.Ref()
		}
		out = append(out, rel)
	}
	return out
}

func (d *Detector) pairHistory(ctx context.Context, sessionID string, a, b *schemas.EntityRecord) (*schemas.Relationship, error) {
	count, err := d.history.HistoricalCooccurrence(ctx, a.Ref(), b.Ref(), sessionID)
	if err != nil {
		d.logger.Warn("History lookup failed.",
			zap.String("a", a.Ref().String()), zap.String("b", b.Ref().String()), zap.Error(err))
		return nil, fmt.Errorf("history for %s and %s: %w", a.Ref(), b.Ref(), err)
	}
	if count <= 0 {
		return nil, nil
	}
	return &schemas.Relationship{
		From:          a.Ref(),
		To:            b.Ref(),
		Kind:          schemas.KindPreviouslyTracedTogether,
		Evidence:      fmt.Sprintf("traced together in %d earlier session(s)", count),
		Weight:        historyWeight(count),
		PreviousCount: count,
		Confidence:    schemas.ConfidenceHigh,
	}, nil
}

// historyWeight grows with every earlier co-occurrence and saturates at 1.
func historyWeight(count int) float64 {
	w := 0.5 + 0.1*float64(count-1)
	if w > 1 {
		return 1
	}
	return w
}

// uniqueSorted drops duplicate identities and orders the rest by ref.
func uniqueSorted(records []*schemas.EntityRecord) []*schemas.EntityRecord {
	seen := make(map[schemas.EntityRef]bool, len(records))
	out := make([]*schemas.EntityRecord, 0, len(records))
	for _, r := range records {
		if r == nil || seen[r.Ref()] {
			continue
		}
		seen[r.Ref()] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().String() < out[j].Ref().String() })
	return out
}

// -- Materialization --

// Materialize writes each relationship as a graph edge. A failed edge is logged
// and skipped; the failures are returned so the caller can report them.
func (d *Detector) Materialize(ctx context.Context, g schemas.GraphStore, rels []schemas.Relationship, seen time.Time) (written int, errs []error) {
	for _, rel := range rels {
		edge := schemas.GraphEdge{
			Type: schemas.EdgeTypeForKind(rel.Kind),
			From: schemas.RefFor(rel.From),
			To:   schemas.RefFor(rel.To),
			Properties: map[string]any{
				"evidence":   rel.Evidence,
				"weight":     rel.Weight,
				"confidence": string(rel.Confidence),
			},
			LastSeen: seen,
		}
		if rel.PreviousCount > 0 {
			edge.Properties["previous_count"] = rel.PreviousCount
		}
		if err := g.UpsertEdge(ctx, edge); err != nil {
			d.logger.Warn("Skipping relationship edge.",
				zap.String("kind", string(rel.Kind)),
				zap.String("from", rel.From.String()),
				zap.String("to", rel.To.String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("edge %s %s->%s: %w", rel.Kind, rel.From, rel.To, err))
			continue
		}
		written++
	}
	return written, errs
}
