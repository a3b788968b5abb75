// Package queue serializes and throttles every outbound read. A Scheduler
// answers from the cache when it can, refuses work once the local quota is
// spent, and otherwise dispatches requests FIFO with bounded concurrency and
// a pacing delay between dispatches.
//
// Every Enqueue call results in exactly one callback invocation, always on a
// goroutine other than the caller's.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/urizennnn/portfolio-feed/ratelimit"
)

const (
	DefaultConcurrency = 2
	DefaultPaceDelay   = 750 * time.Millisecond
	DefaultTTL         = time.Hour
)

var errClosed = errors.New("scheduler closed")

// Cache is the subset of cache.Store the scheduler needs.
type Cache interface {
	Get(key string, ttl time.Duration) (json.RawMessage, bool)
	Set(key string, value json.RawMessage)
}

// Quota is the subset of quota.Tracker the scheduler needs.
type Quota interface {
	ShouldThrottle() bool
	RecordCall()
}

type Opts struct {
	// Fetcher cannot be nil.
	Fetcher Fetcher

	// Cache and Quota are optional.
	Cache Cache
	Quota Quota

	// Concurrency bounds in-flight dispatches. Default is 2.
	Concurrency int

	// Pacer runs before every dispatch. Default is a 750ms constant delay.
	Pacer ratelimit.Pacer

	// DefaultTTL is the cache freshness used by Enqueue. Default is 1h.
	DefaultTTL time.Duration

	// RequestTimeout bounds a single dispatch. Zero disables it.
	RequestTimeout time.Duration

	Metrics *Metrics
	Logger  logrus.FieldLogger
}

func (o *Opts) Init() error {
	if o.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Pacer == nil {
		o.Pacer = ratelimit.Constant{Delay: DefaultPaceDelay}
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return nil
}

type item struct {
	url string
	cb  Callback
}

// Scheduler is created once at startup and lives until Close.
type Scheduler struct {
	opts Opts

	mu      sync.Mutex
	pending []*item
	active  int
	closed  bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	reqWG  sync.WaitGroup
}

// New starts the dispatch loop.
func New(opts Opts) (*Scheduler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:   opts,
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	s.loopWG.Add(1)
	go s.loop()
	return s, nil
}

// Enqueue queues a GET of url using the default TTL for the cache check.
func (s *Scheduler) Enqueue(url string, cb Callback) {
	s.EnqueueTTL(url, s.opts.DefaultTTL, cb)
}

// EnqueueTTL queues a GET of url. A cached payload younger than ttl is
// served without touching the queue.
func (s *Scheduler) EnqueueTTL(url string, ttl time.Duration, cb Callback) {
	if s.opts.Cache != nil {
		if v, ok := s.opts.Cache.Get(url, ttl); ok {
			s.opts.Metrics.cacheHit()
			s.opts.Logger.WithField("url", url).Debug("cache hit")
			go cb(cachedOutcome, v)
			return
		}
	}

	if s.opts.Quota != nil && s.opts.Quota.ShouldThrottle() {
		s.opts.Metrics.throttle()
		s.opts.Logger.WithField("url", url).Warn("quota preemptively avoided")
		go cb(throttledOutcome, messagePayload("throttled"))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		out, payload := networkOutcome(errClosed)
		go cb(out, payload)
		return
	}
	s.pending = append(s.pending, &item{url: url, cb: cb})
	s.opts.Metrics.setPending(len(s.pending))
	s.mu.Unlock()

	s.signal()
}

// Pending returns the number of items waiting for a slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Active returns the number of dispatched, unfinished items.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close stops dispatching. In-flight requests are cancelled and every item
// still pending receives a network error outcome.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.pending
	s.pending = nil
	s.opts.Metrics.setPending(0)
	s.mu.Unlock()

	s.cancel()
	s.loopWG.Wait()
	s.reqWG.Wait()

	out, payload := networkOutcome(errClosed)
	for _, it := range dropped {
		go it.cb(out, payload)
	}
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// next pops the head of the queue if a slot is free.
func (s *Scheduler) next() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.active >= s.opts.Concurrency || len(s.pending) == 0 {
		return nil
	}
	it := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.active++
	s.opts.Metrics.setPending(len(s.pending))
	return it
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()
	for {
		it := s.next()
		if it == nil {
			select {
			case <-s.kick:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		if err := s.opts.Pacer.Wait(s.ctx); err != nil {
			s.release()
			if s.ctx.Err() != nil {
				err = errClosed
			}
			out, payload := networkOutcome(err)
			go it.cb(out, payload)
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.reqWG.Add(1)
		go s.dispatch(it)
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) dispatch(it *item) {
	defer s.reqWG.Done()

	ctx := s.ctx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	s.opts.Metrics.dispatch()
	start := time.Now()
	resp, err := s.opts.Fetcher.Fetch(ctx, it.url)

	var (
		out     Outcome
		payload json.RawMessage
	)
	if err != nil {
		out, payload = networkOutcome(err)
	} else {
		out, payload = classify(resp)
	}
	s.opts.Metrics.complete(out.Kind)

	log := s.opts.Logger.WithFields(logrus.Fields{
		"url":     it.url,
		"status":  out.Status,
		"kind":    out.Kind.String(),
		"elapsed": time.Since(start),
	})
	if out.RateLimit.Known {
		log = log.WithField("remaining", out.RateLimit.Remaining)
	}
	if err != nil {
		log.WithError(err).Warn("request failed")
	} else {
		log.Debug("request done")
	}

	s.release()
	s.complete(it, out, payload)
}

// complete records quota and writes the cache before handing the result to
// the caller.
func (s *Scheduler) complete(it *item, out Outcome, payload json.RawMessage) {
	if !out.Cached && s.opts.Quota != nil {
		s.opts.Quota.RecordCall()
	}
	if out.OK && s.opts.Cache != nil {
		s.opts.Cache.Set(it.url, payload)
	}
	it.cb(out, payload)
}
