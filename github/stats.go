package github

import (
	"context"
	"net/url"

	"github.com/google/go-github/v74/github"
	"golang.org/x/sync/errgroup"
)

type Stats struct {
	Login       string `json:"login"`
	PublicRepos int    `json:"public_repos"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`

	// Totals over owned, non-fork repositories.
	Repos      int            `json:"repos"`
	TotalStars int            `json:"total_stars"`
	TotalForks int            `json:"total_forks"`
	Languages  map[string]int `json:"languages"`
	TopRepo    string         `json:"top_repo,omitempty"`
	TopStars   int            `json:"top_stars"`
}

// Stats combines the profile with totals computed over the catalogue. Both
// are fetched concurrently; either failing fails the whole summary.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var (
		user      *github.User
		catalogue []*github.Repository
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := getJSON[*github.User](gctx, s, s.apiURL("/users/"+url.PathEscape(s.opts.Username)), s.opts.TTL.Profile)
		user = u
		return err
	})
	g.Go(func() error {
		c, err := s.catalogue(gctx)
		catalogue = c
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &Stats{
		Login:       user.GetLogin(),
		PublicRepos: user.GetPublicRepos(),
		Followers:   user.GetFollowers(),
		Following:   user.GetFollowing(),
		Languages:   map[string]int{},
	}
	for _, r := range catalogue {
		if r == nil || r.GetFork() {
			continue
		}
		st.Repos++
		st.TotalStars += r.GetStargazersCount()
		st.TotalForks += r.GetForksCount()
		lang := r.GetLanguage()
		if lang == "" {
			lang = unknownLanguage
		}
		st.Languages[lang]++
		if r.GetStargazersCount() > st.TopStars || st.TopRepo == "" {
			st.TopRepo = r.GetName()
			st.TopStars = r.GetStargazersCount()
		}
	}
	return st, nil
}
