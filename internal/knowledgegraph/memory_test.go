package knowledgegraph

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// -- Test Fixture Setup --
// kgTestFixture holds shared resources for the knowledge graph tests.
type kgTestFixture struct {
	Logger *zap.Logger
}

var globalFixture *kgTestFixture

func TestMain(m *testing.M) {
	logger := zap.NewNop()
	globalFixture = &kgTestFixture{Logger: logger}

	exitCode := m.Run()

	_ = globalFixture.Logger.Sync()
	os.Exit(exitCode)
}

var (
	t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

// -- Test Helper Functions --

func newTestKG(t *testing.T) *InMemoryKG {
	t.Helper()
	kg := NewInMemoryKG(globalFixture.Logger)
	kg.now = func() time.Time { return t2 }
	return kg
}

func phoneNode(number string, seen time.Time) schemas.GraphNode {
	return schemas.GraphNode{
		Label:      schemas.LabelPhone,
		Key:        number,
		Properties: map[string]any{"risk_score": 10},
		LastSeen:   seen,
	}
}

func servedBy(number, carrier string) schemas.GraphEdge {
	return schemas.GraphEdge{
		Type: schemas.EdgeServedBy,
		From: schemas.NodeRef{Label: schemas.LabelPhone, Key: number},
		To:   schemas.NodeRef{Label: schemas.LabelCarrier, Key: carrier},
	}
}

func nodeRefs(snap *schemas.GraphSnapshot) []string {
	out := make([]string, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		out = append(out, n.Ref().String())
	}
	return out
}

// -- Test Cases for InMemoryKG --

func TestNewInMemoryKG(t *testing.T) {
	t.Parallel()

	t.Run("should create KG with provided logger", func(t *testing.T) {
		t.Parallel()
		assert.NotNil(t, NewInMemoryKG(globalFixture.Logger))
	})

	t.Run("should not panic if nil logger is provided", func(t *testing.T) {
		t.Parallel()
		assert.NotNil(t, NewInMemoryKG(nil))
	})
}

func TestInMemoryKG_UpsertNodeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	node := phoneNode("+14155550100", t1)
	node.Lists = map[string][]string{"raw_inputs": {"(415) 555-0100"}}
	require.NoError(t, kg.UpsertNode(ctx, node))
	require.NoError(t, kg.UpsertNode(ctx, node))

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, []string{"(415) 555-0100"}, snap.Nodes[0].Lists["raw_inputs"])
	assert.Equal(t, 10, snap.Nodes[0].Properties["risk_score"])
}

func TestInMemoryKG_UpsertNodeMergesProperties(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	first := phoneNode("+14155550100", t1)
	first.FirstSeen = t1
	first.Lists = map[string][]string{"raw_inputs": {"4155550100"}}
	require.NoError(t, kg.UpsertNode(ctx, first))

	second := schemas.GraphNode{
		Label:      schemas.LabelPhone,
		Key:        "+14155550100",
		Properties: map[string]any{"risk_score": 55, "line_type": "voip"},
		Lists:      map[string][]string{"raw_inputs": {"4155550100", "+1 415 555 0100"}},
		FirstSeen:  t0,
		LastSeen:   t0,
	}
	require.NoError(t, kg.UpsertNode(ctx, second))

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	n := snap.Nodes[0]

	assert.Equal(t, 55, n.Properties["risk_score"], "later scalar wins")
	assert.Equal(t, "voip", n.Properties["line_type"])
	assert.Equal(t, []string{"4155550100", "+1 415 555 0100"}, n.Lists["raw_inputs"])
	assert.Equal(t, t0, n.FirstSeen, "seen window widens backwards")
	assert.Equal(t, t1, n.LastSeen, "an older observation never moves last_seen back")
}

func TestInMemoryKG_HandleKeysAreCanonical(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	require.NoError(t, kg.UpsertNode(ctx, schemas.GraphNode{Label: schemas.LabelHandle, Key: "@alice"}))
	require.NoError(t, kg.UpsertNode(ctx, schemas.GraphNode{Label: schemas.LabelHandle, Key: "alice"}))

	snap, err := kg.Query(ctx, schemas.GraphFilter{Refs: []schemas.EntityRef{{Type: schemas.EntityHandle, Value: "@alice"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Handle:alice"}, nodeRefs(snap))
}

func TestInMemoryKG_UpsertEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates missing endpoints", func(t *testing.T) {
		t.Parallel()
		kg := newTestKG(t)
		require.NoError(t, kg.UpsertEdge(ctx, servedBy("+14155550100", "acme mobile")))

		snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"Carrier:acme mobile", "Phone:+14155550100"}, nodeRefs(snap))
		require.Len(t, snap.Edges, 1)
		assert.Equal(t, t2, snap.Edges[0].LastSeen, "zero last_seen is stamped with the clock")
	})

	t.Run("merges repeated edges", func(t *testing.T) {
		t.Parallel()
		kg := newTestKG(t)
		e := servedBy("+14155550100", "acme mobile")
		e.Properties = map[string]any{"weight": 0.5}
		e.LastSeen = t0
		require.NoError(t, kg.UpsertEdge(ctx, e))

		e.Properties = map[string]any{"weight": 0.9}
		e.LastSeen = t1
		require.NoError(t, kg.UpsertEdge(ctx, e))

		snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
		require.NoError(t, err)
		require.Len(t, snap.Edges, 1)
		assert.Equal(t, 0.9, snap.Edges[0].Properties["weight"])
		assert.Equal(t, t1, snap.Edges[0].LastSeen)
	})
}

func TestInMemoryKG_InvestigationView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	// Two phones share a carrier; a third is unrelated. A handle links to the first phone.
	for _, n := range []string{"+14155550100", "+14155550101", "+442071838750"} {
		require.NoError(t, kg.UpsertNode(ctx, phoneNode(n, t1)))
	}
	require.NoError(t, kg.UpsertEdge(ctx, servedBy("+14155550100", "acme mobile")))
	require.NoError(t, kg.UpsertEdge(ctx, servedBy("+14155550101", "acme mobile")))
	require.NoError(t, kg.UpsertEdge(ctx, servedBy("+442071838750", "other tel")))
	require.NoError(t, kg.UpsertEdge(ctx, schemas.GraphEdge{
		Type: schemas.EdgeLinkedTo,
		From: schemas.NodeRef{Label: schemas.LabelHandle, Key: "alice"},
		To:   schemas.NodeRef{Label: schemas.LabelPhone, Key: "+14155550100"},
	}))

	t.Run("single subject sees only its infrastructure", func(t *testing.T) {
		t.Parallel()
		snap, err := kg.Query(ctx, schemas.GraphFilter{Refs: []schemas.EntityRef{{Type: schemas.EntityPhone, Value: "+14155550100"}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Carrier:acme mobile", "Phone:+14155550100"}, nodeRefs(snap))
		require.Len(t, snap.Edges, 1)
		assert.Equal(t, schemas.EdgeServedBy, snap.Edges[0].Type)
	})

	t.Run("edges between requested subjects are kept", func(t *testing.T) {
		t.Parallel()
		snap, err := kg.Query(ctx, schemas.GraphFilter{Refs: []schemas.EntityRef{
			{Type: schemas.EntityPhone, Value: "+14155550100"},
			{Type: schemas.EntityHandle, Value: "@alice"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"Carrier:acme mobile", "Handle:alice", "Phone:+14155550100"}, nodeRefs(snap))
		assert.Len(t, snap.Edges, 2)
	})

	t.Run("empty filter returns an empty view", func(t *testing.T) {
		t.Parallel()
		snap, err := kg.Query(ctx, schemas.GraphFilter{})
		require.NoError(t, err)
		assert.Empty(t, snap.Nodes)
		assert.Empty(t, snap.Edges)
	})
}

func TestInMemoryKG_Purge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	require.NoError(t, kg.UpsertEdge(ctx, servedBy("+14155550100", "acme mobile")))
	require.NoError(t, kg.UpsertEdge(ctx, servedBy("+14155550101", "acme mobile")))

	require.NoError(t, kg.Purge(ctx, schemas.NodeRef{Label: schemas.LabelCarrier, Key: "acme mobile"}))

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Phone:+14155550100", "Phone:+14155550101"}, nodeRefs(snap))
	assert.Empty(t, snap.Edges)

	t.Run("absent node is a no-op", func(t *testing.T) {
		assert.NoError(t, kg.Purge(ctx, schemas.NodeRef{Label: schemas.LabelCarrier, Key: "nobody"}))
	})
}

func TestInMemoryKG_RejectsUnsafeInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"unknown label", func() error {
			return kg.UpsertNode(ctx, schemas.GraphNode{Label: "Person) DETACH DELETE (n", Key: "x"})
		}},
		{"empty key", func() error {
			return kg.UpsertNode(ctx, schemas.GraphNode{Label: schemas.LabelPhone})
		}},
		{"property name injection", func() error {
			return kg.UpsertNode(ctx, schemas.GraphNode{Label: schemas.LabelPhone, Key: "+1", Properties: map[string]any{"a = 1 //": 1}})
		}},
		{"reserved property", func() error {
			return kg.UpsertNode(ctx, schemas.GraphNode{Label: schemas.LabelPhone, Key: "+1", Properties: map[string]any{"key": "other"}})
		}},
		{"scalar and list clash", func() error {
			return kg.UpsertNode(ctx, schemas.GraphNode{
				Label:      schemas.LabelPhone,
				Key:        "+1",
				Properties: map[string]any{"ips": "x"},
				Lists:      map[string][]string{"ips": {"x"}},
			})
		}},
		{"lowercase edge type", func() error {
			e := servedBy("+1", "acme")
			e.Type = "served_by"
			return kg.UpsertEdge(ctx, e)
		}},
		{"purge unknown label", func() error {
			return kg.Purge(ctx, schemas.NodeRef{Label: "Anything", Key: "x"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.run())
		})
	}

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes, "rejected writes leave no trace")
}

func TestInMemoryKG_Concurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kg := newTestKG(t)

	var wg sync.WaitGroup
	numRoutines := 50
	errChan := make(chan error, numRoutines)

	for i := 0; i < numRoutines; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := kg.UpsertEdge(ctx, servedBy(fmt.Sprintf("+1415555%04d", i), "acme mobile")); err != nil {
				errChan <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			_, _ = kg.Query(ctx, schemas.GraphFilter{All: true})
		}()
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		require.NoError(t, err)
	}

	snap, err := kg.Query(ctx, schemas.GraphFilter{All: true})
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, numRoutines+1)
	assert.Len(t, snap.Edges, numRoutines)
}
