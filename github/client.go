package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jferrl/go-githubauth"
	"golang.org/x/oauth2"

	"github.com/urizennnn/portfolio-feed/config"
)

// NewHTTPClient builds the client used by the fetcher. GitHub App credentials
// take precedence over a personal token; with neither the client is anonymous.
func NewHTTPClient(ctx context.Context, cfg config.Config) (*http.Client, error) {
	switch {
	case cfg.UsesGithubApp():
		appTokenSource, err := githubauth.NewApplicationTokenSource(cfg.GithubAppClientID, []byte(cfg.GithubPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("github app token source: %w", err)
		}
		installationTokenSource := githubauth.NewInstallationTokenSource(cfg.GithubInstallationID, appTokenSource)
		return oauth2.NewClient(ctx, installationTokenSource), nil
	case cfg.GithubToken != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GithubToken})
		return oauth2.NewClient(ctx, ts), nil
	default:
		return &http.Client{}, nil
	}
}
