package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, "portfolio-feed", r.Header.Get("User-Agent"))
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "59")
		w.Header().Set("X-RateLimit-Reset", "1700000000")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client(), UserAgent: "portfolio-feed"}
	resp, err := f.Fetch(context.Background(), srv.URL+"/users/octocat/repos")
	require.NoError(t, err)

	out, payload := classify(resp)
	assert.True(t, out.OK)
	assert.Equal(t, KindOK, out.Kind)
	assert.JSONEq(t, `[{"id":1}]`, string(payload))
	assert.Equal(t, RateLimit{Known: true, Limit: 60, Remaining: 59, Reset: time.Unix(1700000000, 0)}, out.RateLimit)
}

func TestHTTPFetcher_TooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client()}
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	out, payload := classify(resp)
	assert.False(t, out.OK)
	assert.Equal(t, KindRateLimited, out.Kind)
	assert.JSONEq(t, `{"message":"Too Many Requests"}`, string(payload))
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := &HTTPFetcher{}
	_, err := f.Fetch(context.Background(), url)
	assert.Error(t, err)
}

func TestClassify_EmptySuccessBody(t *testing.T) {
	out, payload := classify(&Response{Status: http.StatusAccepted})
	assert.True(t, out.OK)
	assert.Equal(t, "null", string(payload))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "throttled", KindThrottled.String())
	assert.Equal(t, "network_error", KindNetwork.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestHTTPFetcher_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client(), MaxBodyBytes: 8}
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "response too large")

	f.MaxBodyBytes = 19
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 19)
}
