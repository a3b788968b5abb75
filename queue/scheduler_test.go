package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urizennnn/portfolio-feed/cache"
	"github.com/urizennnn/portfolio-feed/quota"
	"github.com/urizennnn/portfolio-feed/ratelimit"
)

type stubFetcher struct {
	delay   time.Duration
	handler func(url string) (*Response, error)

	mu    sync.Mutex
	calls []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.handler != nil {
		return f.handler(url)
	}
	return &Response{Status: http.StatusOK, Body: []byte(`{"a":1}`)}, nil
}

func (f *stubFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type result struct {
	out     Outcome
	payload json.RawMessage
}

// collect returns a callback that forwards results and counts invocations.
func collect(n *atomic.Int32) (Callback, <-chan result) {
	ch := make(chan result, 4)
	return func(out Outcome, payload json.RawMessage) {
		n.Add(1)
		ch <- result{out, payload}
	}, ch
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
		return result{}
	}
}

func newScheduler(t *testing.T, opts Opts) *Scheduler {
	t.Helper()
	if opts.Pacer == nil {
		opts.Pacer = ratelimit.None()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	b, err := cache.NewMemoryBackend(128)
	require.NoError(t, err)
	st, err := cache.New(cache.Opts{Backend: b, Namespace: "gh_cache_"})
	require.NoError(t, err)
	return st
}

func newQuota(t *testing.T, highWater int) *quota.Tracker {
	t.Helper()
	b, err := cache.NewMemoryBackend(8)
	require.NoError(t, err)
	q, err := quota.New(quota.Opts{Backend: b, HighWater: highWater})
	require.NoError(t, err)
	q.Init()
	return q
}

func TestScheduler_MissThenCacheHit(t *testing.T) {
	f := &stubFetcher{}
	q := newQuota(t, 100)
	s := newScheduler(t, Opts{Fetcher: f, Cache: newStore(t), Quota: q})

	var n atomic.Int32
	cb, ch := collect(&n)
	s.Enqueue("https://api.example/x", cb)
	r := wait(t, ch)
	assert.Equal(t, Outcome{OK: true, Status: 200, Kind: KindOK}, r.out)
	assert.JSONEq(t, `{"a":1}`, string(r.payload))

	s.Enqueue("https://api.example/x", cb)
	r = wait(t, ch)
	assert.True(t, r.out.OK)
	assert.True(t, r.out.Cached)
	assert.JSONEq(t, `{"a":1}`, string(r.payload))

	assert.Len(t, f.Calls(), 1)
	count, _ := q.Snapshot()
	assert.Equal(t, 1, count, "cache hits must not be counted")
	assert.Equal(t, int32(2), n.Load())
}

func TestScheduler_CallbackIsNeverSynchronous(t *testing.T) {
	st := newStore(t)
	st.Set("https://api.example/cached", json.RawMessage(`1`))
	q := newQuota(t, 1)
	q.RecordCall()
	q.RecordCall()
	s := newScheduler(t, Opts{Fetcher: &stubFetcher{}, Cache: st, Quota: q})

	var mu sync.Mutex
	done := make(chan struct{}, 2)
	cb := func(Outcome, json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		done <- struct{}{}
	}

	// A synchronous callback would deadlock on mu.
	mu.Lock()
	s.Enqueue("https://api.example/cached", cb)
	s.Enqueue("https://api.example/throttled", cb)
	mu.Unlock()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("callback not delivered")
		}
	}
}

func TestScheduler_QuotaGate(t *testing.T) {
	const highWater = 3
	f := &stubFetcher{}
	q := newQuota(t, highWater)
	s := newScheduler(t, Opts{Fetcher: f, Quota: q})

	for i := 0; i < highWater+1; i++ {
		q.RecordCall()
	}

	var n atomic.Int32
	cb, ch := collect(&n)
	s.Enqueue("https://api.example/x", cb)
	r := wait(t, ch)

	assert.False(t, r.out.OK)
	assert.False(t, r.out.Cached)
	assert.Equal(t, http.StatusForbidden, r.out.Status)
	assert.Equal(t, KindThrottled, r.out.Kind)
	assert.JSONEq(t, `{"message":"throttled"}`, string(r.payload))
	assert.Empty(t, f.Calls())
}

func TestScheduler_FIFODispatch(t *testing.T) {
	f := &stubFetcher{}
	s := newScheduler(t, Opts{Fetcher: f, Concurrency: 1})

	var n atomic.Int32
	cb, ch := collect(&n)
	urls := []string{"https://api.example/a", "https://api.example/b", "https://api.example/c"}
	for _, u := range urls {
		s.Enqueue(u, cb)
	}
	for range urls {
		wait(t, ch)
	}
	assert.Equal(t, urls, f.Calls())
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			f := &stubFetcher{delay: 15 * time.Millisecond}
			s := newScheduler(t, Opts{Fetcher: f, Concurrency: limit})

			const total = 12
			var wg sync.WaitGroup
			wg.Add(total)
			var n atomic.Int32
			for i := 0; i < total; i++ {
				s.Enqueue(fmt.Sprintf("https://api.example/%d", i), func(Outcome, json.RawMessage) {
					n.Add(1)
					wg.Done()
				})
			}
			wg.Wait()

			assert.Equal(t, int32(total), n.Load())
			assert.LessOrEqual(t, f.maxInFlight.Load(), int32(limit))
			assert.Len(t, f.Calls(), total)
		})
	}
}

func TestScheduler_NetworkErrorIsOutcome(t *testing.T) {
	f := &stubFetcher{handler: func(string) (*Response, error) {
		return nil, errors.New("connection reset")
	}}
	st := newStore(t)
	q := newQuota(t, 100)
	s := newScheduler(t, Opts{Fetcher: f, Cache: st, Quota: q})

	var n atomic.Int32
	cb, ch := collect(&n)
	s.Enqueue("https://api.example/x", cb)
	r := wait(t, ch)

	assert.Equal(t, Outcome{Status: 500, Kind: KindNetwork}, r.out)
	assert.JSONEq(t, `{"message":"connection reset"}`, string(r.payload))
	_, ok := st.Get("https://api.example/x", time.Hour)
	assert.False(t, ok, "failures are not cached")
	count, _ := q.Snapshot()
	assert.Equal(t, 1, count)
}

func TestScheduler_HTTPErrorsAreClassified(t *testing.T) {
	f := &stubFetcher{handler: func(url string) (*Response, error) {
		switch url {
		case "https://api.example/missing":
			return &Response{Status: 404, Body: []byte(`{"message":"Not Found"}`)}, nil
		case "https://api.example/limited":
			h := http.Header{}
			h.Set("X-RateLimit-Remaining", "0")
			h.Set("X-RateLimit-Limit", "5000")
			h.Set("X-RateLimit-Reset", "1700000000")
			return &Response{Status: 403, Header: h}, nil
		case "https://api.example/forbidden":
			return &Response{Status: 403}, nil
		default:
			return &Response{Status: 200, Body: []byte("<html>")}, nil
		}
	}}
	s := newScheduler(t, Opts{Fetcher: f, Concurrency: 1})

	cases := []struct {
		url    string
		kind   Kind
		status int
	}{
		{"https://api.example/missing", KindNotFound, 404},
		{"https://api.example/limited", KindRateLimited, 403},
		{"https://api.example/forbidden", KindClientError, 403},
		{"https://api.example/html", KindNetwork, 500},
	}
	for _, tc := range cases {
		var n atomic.Int32
		cb, ch := collect(&n)
		s.Enqueue(tc.url, cb)
		r := wait(t, ch)
		assert.False(t, r.out.OK, tc.url)
		assert.Equal(t, tc.kind, r.out.Kind, tc.url)
		assert.Equal(t, tc.status, r.out.Status, tc.url)
		assert.True(t, json.Valid(r.payload), tc.url)
	}
}

func TestScheduler_RequestTimeoutFreesSlot(t *testing.T) {
	f := &stubFetcher{delay: time.Hour}
	s := newScheduler(t, Opts{Fetcher: f, Concurrency: 1, RequestTimeout: 20 * time.Millisecond})

	var n atomic.Int32
	cb, ch := collect(&n)
	s.Enqueue("https://api.example/hang1", cb)
	s.Enqueue("https://api.example/hang2", cb)

	for i := 0; i < 2; i++ {
		r := wait(t, ch)
		assert.Equal(t, KindNetwork, r.out.Kind)
	}
	assert.Equal(t, 0, s.Active())
}

func TestScheduler_PacingDelaysDispatch(t *testing.T) {
	f := &stubFetcher{}
	s := newScheduler(t, Opts{Fetcher: f, Concurrency: 3, Pacer: ratelimit.Constant{Delay: 30 * time.Millisecond}})

	var n atomic.Int32
	cb, ch := collect(&n)
	start := time.Now()
	s.Enqueue("https://api.example/a", cb)
	s.Enqueue("https://api.example/b", cb)
	wait(t, ch)
	wait(t, ch)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestScheduler_CloseDeliversPending(t *testing.T) {
	f := &stubFetcher{delay: time.Hour}
	s, err := New(Opts{Fetcher: f, Concurrency: 1, Pacer: ratelimit.None()})
	require.NoError(t, err)

	var n atomic.Int32
	ch := make(chan result, 8)
	cb := func(out Outcome, payload json.RawMessage) {
		n.Add(1)
		ch <- result{out, payload}
	}
	for i := 0; i < 3; i++ {
		s.Enqueue(fmt.Sprintf("https://api.example/%d", i), cb)
	}
	require.Eventually(t, func() bool { return s.Active() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())
	for i := 0; i < 3; i++ {
		r := wait(t, ch)
		assert.Equal(t, KindNetwork, r.out.Kind)
	}

	s.Enqueue("https://api.example/late", cb)
	wait(t, ch)
	assert.Equal(t, int32(4), n.Load())
	assert.NoError(t, s.Close())
}

func TestScheduler_ReentrantEnqueue(t *testing.T) {
	f := &stubFetcher{}
	s := newScheduler(t, Opts{Fetcher: f, Concurrency: 1})

	done := make(chan struct{})
	s.Enqueue("https://api.example/1", func(Outcome, json.RawMessage) {
		s.Enqueue("https://api.example/2", func(Outcome, json.RawMessage) {
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested enqueue never completed")
	}
	assert.Equal(t, []string{"https://api.example/1", "https://api.example/2"}, f.Calls())
}

func TestNew_RequiresFetcher(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
}
