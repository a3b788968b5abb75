package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urizennnn/portfolio-feed/cache"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTracker(t *testing.T, backend cache.Backend, c *clock, highWater int) *Tracker {
	t.Helper()
	tr, err := New(Opts{Backend: backend, KeyPrefix: "gh_", HighWater: highWater, Now: c.Now})
	require.NoError(t, err)
	tr.Init()
	return tr
}

func newBackend(t *testing.T) *cache.MemoryBackend {
	t.Helper()
	b, err := cache.NewMemoryBackend(16)
	require.NoError(t, err)
	return b
}

func TestTracker_ThrottlesAboveHighWater(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	tr := newTracker(t, newBackend(t), c, 3)

	for i := 0; i < 3; i++ {
		tr.RecordCall()
		assert.False(t, tr.ShouldThrottle(), "call %d", i+1)
	}
	tr.RecordCall()
	assert.True(t, tr.ShouldThrottle())
}

func TestTracker_PersistsAcrossInstances(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := newBackend(t)

	first := newTracker(t, b, c, 10)
	first.RecordCall()
	first.RecordCall()

	c.now = c.now.Add(10 * time.Minute)
	second := newTracker(t, b, c, 10)
	n, start := second.Snapshot()
	assert.Equal(t, 2, n)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UnixMilli(), start.UnixMilli())
}

func TestTracker_InitResetsStaleWindow(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := newBackend(t)

	first := newTracker(t, b, c, 10)
	first.RecordCall()

	c.now = c.now.Add(time.Hour + time.Second)
	second := newTracker(t, b, c, 10)
	n, start := second.Snapshot()
	assert.Equal(t, 0, n)
	assert.Equal(t, c.now.UnixMilli(), start.UnixMilli())

	raw, err := b.Get(context.Background(), "gh_requestCount")
	require.NoError(t, err)
	assert.Equal(t, "0", string(raw))
}

func TestTracker_WindowRollsAtRuntime(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	tr := newTracker(t, newBackend(t), c, 1)
	tr.RecordCall()
	tr.RecordCall()
	require.True(t, tr.ShouldThrottle())

	c.now = c.now.Add(61 * time.Minute)
	assert.False(t, tr.ShouldThrottle())
}

func TestTracker_UnreadableValueStartsFresh(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := newBackend(t)
	require.NoError(t, b.Set(context.Background(), "gh_requestCount", []byte("garbage")))
	require.NoError(t, b.Set(context.Background(), "gh_windowStart", []byte("alsogarbage")))

	tr := newTracker(t, b, c, 10)
	n, _ := tr.Snapshot()
	assert.Equal(t, 0, n)
}

func TestTracker_SharedBackendCountsEveryCall(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := newBackend(t)

	cli := newTracker(t, b, c, 100)
	warmer := newTracker(t, b, c, 100)

	for i := 0; i < 5; i++ {
		cli.RecordCall()
	}
	warmer.RecordCall()

	n, _ := warmer.Snapshot()
	assert.Equal(t, 6, n)

	fresh := newTracker(t, b, c, 100)
	n, _ = fresh.Snapshot()
	assert.Equal(t, 6, n)
}

func TestTracker_SharedBackendThrottlesTogether(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b := newBackend(t)

	a := newTracker(t, b, c, 2)
	other := newTracker(t, b, c, 2)

	a.RecordCall()
	a.RecordCall()
	other.RecordCall()
	assert.True(t, other.ShouldThrottle())
}
