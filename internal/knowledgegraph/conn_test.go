package knowledgegraph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/retry"
)

// -- Fake Session --

type statement struct {
	Cypher string
	Params map[string]any
}

// fakeSession records statements. While dead, every call fails with a
// connectivity error.
type fakeSession struct {
	mu       sync.Mutex
	dead     bool
	writeErr error
	rows     func(cypher string) []map[string]any
	writes   []statement
	reads    []statement
	closed   bool
}

var errLinkDown = &schemas.StoreConnectionError{Store: "neo4j", Op: "run", Err: errors.New("connection reset by peer")}

func (s *fakeSession) Write(_ context.Context, cypher string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errLinkDown
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, statement{Cypher: cypher, Params: params})
	return nil
}

func (s *fakeSession) Read(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil, errLinkDown
	}
	s.reads = append(s.reads, statement{Cypher: cypher, Params: params})
	if s.rows == nil {
		return nil, nil
	}
	return s.rows(cypher), nil
}

func (s *fakeSession) Verify(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errLinkDown
	}
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Writes() []statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statement(nil), s.writes...)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out sessions in order and counts dials. Once the list is
// exhausted it keeps returning the last session.
type fakeDialer struct {
	sessions []*fakeSession
	failures int32
	dials    int32
}

func (d *fakeDialer) Dial(context.Context) (Session, error) {
	n := atomic.AddInt32(&d.dials, 1)
	if n <= atomic.LoadInt32(&d.failures) {
		return nil, errors.New("dial tcp 127.0.0.1:7687: connect: connection refused")
	}
	idx := int(n-atomic.LoadInt32(&d.failures)) - 1
	if idx >= len(d.sessions) {
		idx = len(d.sessions) - 1
	}
	return d.sessions[idx], nil
}

func (d *fakeDialer) Dials() int { return int(atomic.LoadInt32(&d.dials)) }

var quickReconnect = retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// -- Test Cases for Conn --

func TestConn_DialsLazily(t *testing.T) {
	t.Parallel()
	live := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{live}}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)

	assert.Equal(t, 0, d.Dials())
	require.NoError(t, c.Write(context.Background(), "RETURN 1", nil))
	assert.Equal(t, 1, d.Dials())
	assert.Len(t, live.Writes(), 1)
}

func TestConn_RetriesFailedDial(t *testing.T) {
	t.Parallel()
	live := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{live}, failures: 2}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, 3, d.Dials())
}

func TestConn_DialExhaustion(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{sessions: []*fakeSession{{}}, failures: 100}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)

	err := c.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrStoreUnavailable)
	var connErr *schemas.StoreConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, d.Dials(), "one attempt plus two retries")
}

func TestConn_ReplaysAfterReconnect(t *testing.T) {
	t.Parallel()
	stale := &fakeSession{}
	fresh := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{stale, fresh}}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx))
	stale.mu.Lock()
	stale.dead = true
	stale.mu.Unlock()

	require.NoError(t, c.Write(ctx, "MERGE (n:Phone {key: $key})", map[string]any{"key": "+1"}))

	assert.Equal(t, 2, d.Dials())
	assert.True(t, stale.Closed(), "the dead session is released")
	require.Len(t, fresh.Writes(), 1)
	assert.Equal(t, "+1", fresh.Writes()[0].Params["key"])
}

func TestConn_ConcurrentCallersShareOneReconnect(t *testing.T) {
	t.Parallel()
	stale := &fakeSession{}
	fresh := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{stale, fresh}}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx))
	stale.mu.Lock()
	stale.dead = true
	stale.mu.Unlock()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Write(ctx, "RETURN 1", nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 2, d.Dials(), "exactly one reconnect for all callers")
	assert.Len(t, fresh.Writes(), callers)
}

func TestConn_CancelledCallerLeavesSharedReconnectRunning(t *testing.T) {
	t.Parallel()
	live := &fakeSession{}
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	var dials atomic.Int32
	dial := func(ctx context.Context) (Session, error) {
		dials.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return live, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := NewConn(dial, quickReconnect, globalFixture.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- c.EnsureConnected(ctx) }()
	<-started

	second := make(chan error, 1)
	go func() { second <- c.Write(context.Background(), "RETURN 1", nil) }()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(gate)

	require.NoError(t, <-second, "the waiter still gets the shared session")
	assert.EqualValues(t, 1, dials.Load())
	assert.Len(t, live.Writes(), 1)
}

func TestConn_ApplicationErrorsAreNotReplayed(t *testing.T) {
	t.Parallel()
	syntaxErr := errors.New("Neo.ClientError.Statement.SyntaxError")
	live := &fakeSession{writeErr: syntaxErr}
	d := &fakeDialer{sessions: []*fakeSession{live}}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)

	err := c.Write(context.Background(), "MERGE (", nil)
	assert.ErrorIs(t, err, syntaxErr)
	assert.Equal(t, 1, d.Dials())
}

func TestConn_EnsureConnectedReplacesDeadSession(t *testing.T) {
	t.Parallel()
	stale := &fakeSession{}
	fresh := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{stale, fresh}}
	c := NewConn(d.Dial, quickReconnect, globalFixture.Logger)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.EnsureConnected(ctx))
	assert.Equal(t, 1, d.Dials(), "a healthy session is kept")

	stale.mu.Lock()
	stale.dead = true
	stale.mu.Unlock()
	require.NoError(t, c.EnsureConnected(ctx))
	assert.Equal(t, 2, d.Dials())

	require.NoError(t, c.Close(ctx))
	assert.True(t, fresh.Closed())
}

func TestIsConnectivityError(t *testing.T) {
	t.Parallel()
	assert.False(t, IsConnectivityError(nil))
	assert.False(t, IsConnectivityError(errors.New("constraint violated")))
	assert.True(t, IsConnectivityError(errLinkDown))
	assert.True(t, IsConnectivityError(&schemas.StoreConnectionError{Store: "neo4j", Err: context.DeadlineExceeded}))
}
