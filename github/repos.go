package github

import (
	"context"
	"net/url"
	"sort"
	"sync"

	"github.com/google/go-github/v74/github"
)

const unknownLanguage = "Unknown"

// Repo is a repository with its language breakdown merged on.
type Repo struct {
	*github.Repository

	// Languages maps language name to bytes of code. Empty when enrichment failed.
	Languages       map[string]int `json:"languages"`
	PrimaryLanguage string         `json:"primary_language"`
	Enriched        bool           `json:"enriched"`
}

// RepoSink receives repos as they become ready. Render is called once with
// the whole list, Patch once for every repo enriched after that.
type RepoSink interface {
	Render(repos []Repo)
	Patch(index int, repo Repo)
}

type nopSink struct{}

func (nopSink) Render([]Repo)   {}
func (nopSink) Patch(int, Repo) {}

// RepoListing is the result of Repos. Background enrichment keeps running
// after Repos returns.
type RepoListing struct {
	done  chan struct{}
	repos []Repo
}

// Wait blocks until every repo has been enriched or given up on.
func (l *RepoListing) Wait() []Repo {
	<-l.done
	return l.repos
}

func (l *RepoListing) Done() <-chan struct{} {
	return l.done
}

// Repos fetches the catalogue, enriches the first InitialBatch repos, hands
// the full list to sink, then enriches the rest in the background and
// patches each one through sink as it arrives.
func (s *Service) Repos(ctx context.Context, sink RepoSink) (*RepoListing, error) {
	if sink == nil {
		sink = nopSink{}
	}

	catalogue, err := s.catalogue(ctx)
	if err != nil {
		return nil, err
	}

	repos := make([]Repo, 0, len(catalogue))
	for _, r := range catalogue {
		if r == nil || (s.opts.SkipForks && r.GetFork()) {
			continue
		}
		repos = append(repos, placeholder(r))
	}
	if len(repos) == 0 {
		return nil, ErrEmpty
	}

	split := min(s.opts.InitialBatch, len(repos))
	s.enrichAll(ctx, repos[:split], nil)

	rendered := make([]Repo, len(repos))
	copy(rendered, repos)
	sink.Render(rendered)

	l := &RepoListing{done: make(chan struct{}), repos: repos}
	go func() {
		defer close(l.done)
		rest := repos[split:]
		s.enrichAll(ctx, rest, func(i int, r Repo) {
			if ctx.Err() != nil {
				return
			}
			sink.Patch(split+i, r)
		})
	}()
	return l, nil
}

// enrichAll enriches repos in place. All requests are queued at once; the
// scheduler decides how many actually run.
func (s *Service) enrichAll(ctx context.Context, repos []Repo, onReady func(int, Repo)) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range repos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := s.enrich(ctx, repos[i].Repository)
			repos[i] = r
			if onReady != nil {
				mu.Lock()
				onReady(i, r)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
}

func (s *Service) enrich(ctx context.Context, r *github.Repository) Repo {
	target := s.apiURL("/repos/" + r.GetFullName() + "/languages")
	langs, err := getJSON[map[string]int](ctx, s, target, s.opts.TTL.Languages)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("repo", r.GetFullName()).Debug("language enrichment skipped")
		return placeholder(r)
	}
	if langs == nil {
		langs = map[string]int{}
	}
	return Repo{
		Repository:      r,
		Languages:       langs,
		PrimaryLanguage: primaryLanguage(langs, r.GetLanguage()),
		Enriched:        true,
	}
}

func placeholder(r *github.Repository) Repo {
	lang := r.GetLanguage()
	if lang == "" {
		lang = unknownLanguage
	}
	return Repo{Repository: r, Languages: map[string]int{}, PrimaryLanguage: lang}
}

// primaryLanguage picks the language with the most bytes, breaking ties by
// name so the choice is stable.
func primaryLanguage(langs map[string]int, fallback string) string {
	names := make([]string, 0, len(langs))
	for n := range langs {
		names = append(names, n)
	}
	sort.Strings(names)

	best, bestBytes := "", -1
	for _, n := range names {
		if langs[n] > bestBytes {
			best, bestBytes = n, langs[n]
		}
	}
	if best != "" {
		return best
	}
	if fallback != "" {
		return fallback
	}
	return unknownLanguage
}

// catalogue returns every repository the user owns, most recently updated
// first. Concurrent callers share one fetch, which runs detached from any
// single caller's cancellation; each caller still stops waiting on its own ctx.
func (s *Service) catalogue(ctx context.Context) ([]*github.Repository, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.sf.DoChan("repos:"+s.opts.Username, func() (any, error) {
		base := s.apiURL("/users/" + url.PathEscape(s.opts.Username) + "/repos?type=owner&sort=updated")
		return paginate[*github.Repository](shared, s, base, s.opts.TTL.Repos, 0)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]*github.Repository), nil
	case <-ctx.Done():
		return nil, &FetchError{Kind: KindNetwork, Detail: ctx.Err().Error()}
	}
}
