// Package github composes queued GitHub API reads into the data sets the
// portfolio renders: the activity feed, the repository catalogue, profile
// statistics and the contribution calendar.
package github

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/urizennnn/portfolio-feed/queue"
)

// Enqueuer is the scheduler contract the orchestrators depend on.
type Enqueuer interface {
	EnqueueTTL(url string, ttl time.Duration, cb queue.Callback)
}

// TTLs sets cache freshness per data set, shortest for the most volatile.
type TTLs struct {
	Activity  time.Duration
	Repos     time.Duration
	Languages time.Duration
	Profile   time.Duration
	Calendar  time.Duration
}

type Opts struct {
	Username    string
	APIBaseURL  string
	CalendarURL string

	// Rewrite routes every URL before it is queued, e.g. through a proxy.
	Rewrite func(string) string

	PageSize      int
	MaxPages      int
	InitialBatch  int
	ActivityLimit int
	SkipForks     bool

	TTL TTLs

	Logger logrus.FieldLogger
	Now    func() time.Time
}

func (o *Opts) init() {
	if o.APIBaseURL == "" {
		o.APIBaseURL = "https://api.github.com"
	}
	if o.Rewrite == nil {
		o.Rewrite = func(s string) string { return s }
	}
	if o.PageSize <= 0 || o.PageSize > 100 {
		o.PageSize = 100
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 10
	}
	if o.InitialBatch < 0 {
		o.InitialBatch = 0
	}
	setDuration(&o.TTL.Activity, 5*time.Minute)
	setDuration(&o.TTL.Repos, time.Hour)
	setDuration(&o.TTL.Languages, 24*time.Hour)
	setDuration(&o.TTL.Profile, time.Hour)
	setDuration(&o.TTL.Calendar, 6*time.Hour)
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

type Service struct {
	q    Enqueuer
	opts Opts
	sf   singleflight.Group
}

func NewService(q Enqueuer, opts Opts) *Service {
	opts.init()
	return &Service{q: q, opts: opts}
}

func (s *Service) apiURL(path string) string {
	return strings.TrimRight(s.opts.APIBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

type reply struct {
	out     queue.Outcome
	payload json.RawMessage
}

// get queues one request and waits for its callback. If ctx ends first the
// late callback is dropped.
func (s *Service) get(ctx context.Context, target string, ttl time.Duration) (json.RawMessage, error) {
	ch := make(chan reply, 1)
	s.q.EnqueueTTL(s.opts.Rewrite(target), ttl, func(out queue.Outcome, payload json.RawMessage) {
		ch <- reply{out, payload}
	})

	select {
	case r := <-ch:
		if !r.out.OK {
			fe := fromOutcome(r.out, r.payload)
			s.opts.Logger.WithFields(logrus.Fields{
				"url":    target,
				"status": r.out.Status,
				"kind":   fe.Kind.String(),
			}).WithError(fe).Warn("fetch failed")
			return nil, fe
		}
		return r.payload, nil
	case <-ctx.Done():
		return nil, &FetchError{Kind: KindNetwork, Detail: ctx.Err().Error()}
	}
}

func getJSON[T any](ctx context.Context, s *Service, target string, ttl time.Duration) (T, error) {
	var v T
	payload, err := s.get(ctx, target, ttl)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		s.opts.Logger.WithError(err).WithField("url", target).Warn("unexpected payload")
		return v, &FetchError{Kind: KindNetwork, Status: 200, Detail: "decode: " + err.Error()}
	}
	return v, nil
}

func pageURL(base string, page, perPage int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// paginate walks base page by page until a short page, a failed page, the
// page cap, or limit items (when limit > 0). A failure on the first page is
// returned; later failures end the walk with what was collected.
func paginate[T any](ctx context.Context, s *Service, base string, ttl time.Duration, limit int) ([]T, error) {
	var all []T
	for page := 1; page <= s.opts.MaxPages; page++ {
		items, err := getJSON[[]T](ctx, s, pageURL(base, page, s.opts.PageSize), ttl)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			s.opts.Logger.WithError(err).WithField("page", page).Warn("pagination stopped early")
			break
		}
		all = append(all, items...)
		if len(items) < s.opts.PageSize {
			break
		}
		if limit > 0 && len(all) >= limit {
			break
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
