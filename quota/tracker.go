// Package quota keeps a local, pessimistic count of network calls made in
// the current rate-limit window so callers can stop before the remote
// service locks them out.
package quota

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/urizennnn/portfolio-feed/cache"
)

const (
	keyCount       = "requestCount"
	keyWindowStart = "windowStart"

	DefaultWindow    = time.Hour
	DefaultHighWater = 4900
)

type Opts struct {
	// Backend persists the counter. Cannot be nil.
	Backend cache.Backend

	// KeyPrefix is prepended to the two counter keys.
	KeyPrefix string

	// HighWater is the call count above which ShouldThrottle reports true.
	HighWater int

	// Window is how long a count lives before resetting. Default is 1h.
	Window time.Duration

	Logger logrus.FieldLogger
	Now    func() time.Time
}

func (o *Opts) Init() error {
	if o.Backend == nil {
		return errors.New("nil backend")
	}
	if o.HighWater <= 0 {
		o.HighWater = DefaultHighWater
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// Tracker is safe for concurrent use.
type Tracker struct {
	opts Opts

	mu          sync.Mutex
	count       int
	windowStart time.Time
}

func New(opts Opts) (*Tracker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Tracker{opts: opts}, nil
}

// Init loads the persisted counter, starting a fresh window when none is
// stored or the stored one has run out.
func (t *Tracker) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.count = 0
	t.windowStart = time.Time{}
	if ms, ok := t.load(ctx, keyWindowStart); ok {
		t.windowStart = time.UnixMilli(ms)
	}
	if n, ok := t.load(ctx, keyCount); ok {
		t.count = int(n)
	}

	if t.windowStart.IsZero() || t.expiredLocked() {
		t.resetLocked(ctx)
		return
	}
	t.opts.Logger.WithFields(logrus.Fields{
		"count":       t.count,
		"windowStart": t.windowStart,
	}).Debug("quota restored")
}

// ShouldThrottle reports whether the count has passed the high-water mark.
func (t *Tracker) ShouldThrottle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.count > t.opts.HighWater
}

// RecordCall counts one network dispatch. Cache hits must not be recorded.
// The shared counter is incremented in the backend, so processes sharing it
// see each other's calls.
func (t *Tracker) RecordCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := t.opts.Backend.Incr(ctx, t.opts.KeyPrefix+keyCount)
	if err != nil {
		t.opts.Logger.WithError(err).Warn("quota increment failed")
		t.count++
		return
	}
	t.count = int(n)
}

// Snapshot returns the current count and window start.
func (t *Tracker) Snapshot() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.count, t.windowStart
}

func (t *Tracker) HighWater() int {
	return t.opts.HighWater
}

func (t *Tracker) expiredLocked() bool {
	return t.opts.Now().Sub(t.windowStart) > t.opts.Window
}

func (t *Tracker) rollLocked() {
	if !t.windowStart.IsZero() && !t.expiredLocked() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t.resetLocked(ctx)
}

func (t *Tracker) resetLocked(ctx context.Context) {
	t.count = 0
	t.windowStart = t.opts.Now()
	t.store(ctx, keyCount, 0)
	t.store(ctx, keyWindowStart, t.windowStart.UnixMilli())
	t.opts.Logger.WithField("windowStart", t.windowStart).Debug("quota window reset")
}

func (t *Tracker) load(ctx context.Context, key string) (int64, bool) {
	b, err := t.opts.Backend.Get(ctx, t.opts.KeyPrefix+key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			t.opts.Logger.WithError(err).WithField("key", key).Warn("quota read failed")
		}
		return 0, false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		t.opts.Logger.WithError(err).WithField("key", key).Warn("quota value unreadable")
		return 0, false
	}
	return n, true
}

func (t *Tracker) store(ctx context.Context, key string, v int64) {
	if err := t.opts.Backend.Set(ctx, t.opts.KeyPrefix+key, []byte(strconv.FormatInt(v, 10))); err != nil {
		t.opts.Logger.WithError(err).WithField("key", key).Warn("quota write failed")
	}
}
