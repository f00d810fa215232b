package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/cache"
	"github.com/xkilldash9x/osint-tracer/internal/knowledgegraph"
)

// closeFailingGraph reports an error from Close.
type closeFailingGraph struct {
	*knowledgegraph.InMemoryKG
	closed bool
}

func (g *closeFailingGraph) Close(context.Context) error {
	g.closed = true
	return errors.New("close refused")
}

var _ schemas.GraphStore = (*closeFailingGraph)(nil)

func TestComponents_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.DebugLevel)
	graph := &closeFailingGraph{InMemoryKG: knowledgegraph.NewInMemoryKG(zap.NewNop())}
	components := &Components{
		Cache:  cache.NewMemory(zap.NewNop(), time.Millisecond),
		Graph:  graph,
		logger: zap.New(core),
	}

	components.Shutdown()

	assert.True(t, graph.closed)
	assert.Equal(t, 1, logs.FilterMessage("Enrichment cache closed.").Len())
	assert.Equal(t, 1, logs.FilterMessage("Error closing graph store.").Len())
	assert.Equal(t, 1, logs.FilterMessage("All components shut down.").Len())
}

func TestComponents_ShutdownPartial(t *testing.T) {
	components := &Components{logger: zap.NewNop()}
	assert.NotPanics(t, components.Shutdown)
}

func TestComponents_ShutdownFallsBackToGlobalLogger(t *testing.T) {
	components := &Components{Cache: cache.Nop{}}
	require.NotPanics(t, components.Shutdown)
}
