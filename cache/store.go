package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultTimeout = time.Second

// Entry is the persisted form of a cached payload.
type Entry struct {
	Value json.RawMessage `json:"value"`
	// WrittenAt is a Unix timestamp in milliseconds.
	WrittenAt int64 `json:"writtenAt"`
}

// Fresh reports whether e may still be served at now for the given ttl.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	age := time.Duration(now.UnixMilli()-e.WrittenAt) * time.Millisecond
	return ttl > 0 && age < ttl
}

type Opts struct {
	// Backend cannot be nil.
	Backend Backend

	// Namespace is prepended to every key written through the Store.
	Namespace string

	// Timeout bounds each backend call. Default is 1s.
	Timeout time.Duration

	// Logger receives best-effort failures. A nil Logger disables logging.
	Logger logrus.FieldLogger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Opts) Init() error {
	if o.Backend == nil {
		return errors.New("nil backend")
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
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

// Store is a best-effort persistent cache. None of its methods fail: a
// broken backend simply behaves like an empty cache.
type Store struct {
	opts Opts
}

func New(opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Store{opts: opts}, nil
}

func (s *Store) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.Timeout)
}

// Key returns the namespaced storage key for a request key.
func (s *Store) Key(key string) string {
	return s.opts.Namespace + key
}

func (s *Store) Namespace() string {
	return s.opts.Namespace
}

// Get returns the value stored under key if it was written less than ttl ago.
// Expired entries are left in place.
func (s *Store) Get(key string, ttl time.Duration) (json.RawMessage, bool) {
	ctx, cancel := s.withTimeout()
	defer cancel()

	b, err := s.opts.Backend.Get(ctx, s.Key(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.opts.Logger.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		s.opts.Logger.WithError(err).WithField("key", key).Warn("cache entry unreadable")
		return nil, false
	}
	if !e.Fresh(s.opts.Now(), ttl) {
		return nil, false
	}
	return e.Value, true
}

// Set overwrites key with value stamped at the current time. Write failures
// are logged and otherwise ignored.
func (s *Store) Set(key string, value json.RawMessage) {
	b, err := json.Marshal(Entry{Value: value, WrittenAt: s.opts.Now().UnixMilli()})
	if err != nil {
		s.opts.Logger.WithError(err).WithField("key", key).Warn("cache entry not serializable")
		return
	}

	ctx, cancel := s.withTimeout()
	defer cancel()
	if err := s.opts.Backend.Set(ctx, s.Key(key), b); err != nil {
		s.opts.Logger.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// ClearNamespace deletes every stored key for which match returns true and
// reports how many were removed.
func (s *Store) ClearNamespace(match func(key string) bool) int {
	ctx, cancel := s.withTimeout()
	defer cancel()

	keys, err := s.opts.Backend.Keys(ctx)
	if err != nil {
		s.opts.Logger.WithError(err).Warn("cache enumeration failed")
		return 0
	}

	removed := 0
	for _, k := range keys {
		if !match(k) {
			continue
		}
		if err := s.opts.Backend.Delete(ctx, k); err != nil {
			s.opts.Logger.WithError(err).WithField("key", k).Warn("cache delete failed")
			continue
		}
		removed++
	}
	s.opts.Logger.WithField("count", removed).Info("cache cleared")
	return removed
}

// MatchTokens returns a predicate matching keys that contain any of tokens.
func MatchTokens(tokens ...string) func(string) bool {
	return func(key string) bool {
		for _, t := range tokens {
			if t != "" && strings.Contains(key, t) {
				return true
			}
		}
		return false
	}
}
