package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 16 << 20

// Response is the raw result of one GET.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Fetcher performs a single JSON GET. Only transport failures are errors;
// any HTTP status is a Response.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// HTTPFetcher is the Fetcher used in production.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string

	// MaxBodyBytes caps the response body. Default is 16 MiB.
	MaxBodyBytes int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = maxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response too large: over %d bytes", limit)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
