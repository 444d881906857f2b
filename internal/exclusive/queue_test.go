package exclusive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type observed struct {
	mu   sync.Mutex
	keys []string
	errs []error
}

func (o *observed) observe(key string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys = append(o.keys, key)
	o.errs = append(o.errs, err)
}

func (o *observed) snapshot() ([]string, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.keys...), append([]error(nil), o.errs...)
}

func (o *observed) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.keys)
}

func blocking(started chan<- struct{}, release <-chan struct{}, runs *atomic.Int32) Action {
	return func(context.Context) error {
		runs.Add(1)
		if started != nil {
			close(started)
		}
		<-release
		return nil
	}
}

func TestQueue_RejectsDuplicateKeys(t *testing.T) {
	q := New(testLogger())
	defer q.Close()
	obs := &observed{}
	q.SetObserver(obs.observe)

	var runsA, runsB atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	require.True(t, q.Enqueue("a", blocking(started, release, &runsA)))
	<-started
	assert.False(t, q.Enqueue("a", blocking(nil, release, &runsA)), "executing key")
	require.True(t, q.Enqueue("b", blocking(nil, release, &runsB)))
	assert.False(t, q.Enqueue("b", blocking(nil, release, &runsB)), "queued key")
	assert.Equal(t, []string{"b"}, q.Pending())

	close(release)
	require.Eventually(t, func() bool { return obs.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runsA.Load())
	assert.Equal(t, int32(1), runsB.Load())

	require.Eventually(t, func() bool { return q.ActiveCount() == 0 }, time.Second, time.Millisecond)
	assert.True(t, q.Enqueue("a", func(context.Context) error { return nil }), "key accepted again once done")
}

func TestQueue_RunsOneAtATimeInOrder(t *testing.T) {
	q := New(testLogger())
	defer q.Close()
	obs := &observed{}
	q.SetObserver(obs.observe)

	var inflight, peak atomic.Int32
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	for _, k := range keys {
		require.True(t, q.Enqueue(k, func(context.Context) error {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			assert.Equal(t, 1, q.ActiveCount())
			time.Sleep(2 * time.Millisecond)
			inflight.Add(-1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return obs.count() == len(keys) }, 2*time.Second, time.Millisecond)
	got, _ := obs.snapshot()
	assert.Equal(t, keys, got)
	assert.Equal(t, int32(1), peak.Load())
}

func TestQueue_SkipRemovesQueuedOnly(t *testing.T) {
	q := New(testLogger())
	defer q.Close()
	obs := &observed{}
	q.SetObserver(obs.observe)

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, q.Enqueue("a", blocking(started, release, &runs)))
	<-started
	require.True(t, q.Enqueue("b", blocking(nil, release, &runs)))
	require.True(t, q.Enqueue("c", blocking(nil, release, &runs)))

	assert.False(t, q.Skip("a"))
	assert.True(t, q.Skip("b"))
	assert.False(t, q.Skip("b"))
	assert.Equal(t, []string{"c"}, q.Pending())

	close(release)
	require.Eventually(t, func() bool { return obs.count() == 2 }, time.Second, time.Millisecond)
	got, _ := obs.snapshot()
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestQueue_PanicsAndErrorsDoNotStopTheDriver(t *testing.T) {
	q := New(testLogger())
	defer q.Close()
	obs := &observed{}
	q.SetObserver(obs.observe)

	boom := errors.New("boom")
	require.True(t, q.Enqueue("panics", func(context.Context) error { panic("kaboom") }))
	require.True(t, q.Enqueue("fails", func(context.Context) error { return boom }))
	require.True(t, q.Enqueue("works", func(context.Context) error { return nil }))

	require.Eventually(t, func() bool { return obs.count() == 3 }, time.Second, time.Millisecond)
	keys, errs := obs.snapshot()
	assert.Equal(t, []string{"panics", "fails", "works"}, keys)
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "kaboom")
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}

func TestQueue_CloseDropsPendingAndCancelsRunning(t *testing.T) {
	q := New(testLogger())
	started := make(chan struct{})
	var canceled atomic.Bool
	require.True(t, q.Enqueue("a", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}))
	<-started
	var ranB atomic.Bool
	require.True(t, q.Enqueue("b", func(context.Context) error { ranB.Store(true); return nil }))

	q.Close()
	assert.True(t, canceled.Load())
	assert.False(t, ranB.Load())
	assert.False(t, q.Enqueue("c", func(context.Context) error { return nil }))
	assert.Empty(t, q.Pending())
}
