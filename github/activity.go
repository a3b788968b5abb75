package github

import (
	"context"
	"net/url"

	"github.com/google/go-github/v74/github"
)

// Activity returns the user's most recent public events, newest first.
func (s *Service) Activity(ctx context.Context) ([]*github.Event, error) {
	events, err := s.events(ctx, s.opts.ActivityLimit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEmpty
	}
	return events, nil
}

func (s *Service) events(ctx context.Context, limit int) ([]*github.Event, error) {
	base := s.apiURL("/users/" + url.PathEscape(s.opts.Username) + "/events/public")
	return paginate[*github.Event](ctx, s, base, s.opts.TTL.Activity, limit)
}
