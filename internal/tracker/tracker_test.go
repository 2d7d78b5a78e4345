package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	return newClient(gh, RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}, logging.NewNop())
}

func TestListRecentPRs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"number":7,"title":"third","state":"open","user":{"login":"c"}}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s?page=2>; rel="next"`, "http://"+r.Host+r.URL.Path))
		fmt.Fprint(w, `[
			{"number":9,"title":"first","state":"closed","merged_at":"2026-01-02T00:00:00Z","user":{"login":"a"},"updated_at":"2026-01-02T00:00:00Z"},
			{"number":8,"title":"second","state":"closed","user":{"login":"b"}}
		]`)
	})
	c := testClient(t, mux)

	prs, err := c.ListRecentPRs(context.Background(), "acme", "api", 3)
	require.NoError(t, err)
	require.Len(t, prs, 3)

	assert.Equal(t, 9, prs[0].Number)
	assert.Equal(t, models.StateMerged, prs[0].State)
	assert.Equal(t, "a", prs[0].Author)
	assert.Equal(t, 2026, prs[0].UpdatedAt.Year())
	assert.Equal(t, models.StateClosed, prs[1].State)
	assert.Equal(t, models.StateOpen, prs[2].State)
}

func TestListRecentPRs_StopsAtLimit(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Link", `<http://`+r.Host+r.URL.Path+`?page=2>; rel="next"`)
		fmt.Fprint(w, `[{"number":3},{"number":2},{"number":1}]`)
	}))

	prs, err := c.ListRecentPRs(context.Background(), "acme", "api", 2)
	require.NoError(t, err)
	assert.Len(t, prs, 2)
	assert.Equal(t, int32(1), calls.Load())

	prs, err = c.ListRecentPRs(context.Background(), "acme", "api", 0)
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestListRecentPRs_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"message":"boom"}`, http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[{"number":1,"title":"ok"}]`)
	}))

	prs, err := c.ListRecentPRs(context.Background(), "acme", "api", 5)
	require.NoError(t, err)
	assert.Len(t, prs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListRecentPRs_UpstreamError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	}))

	_, err := c.ListRecentPRs(context.Background(), "acme", "missing", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUpstreamAPI)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
}

func TestListRecentPRs_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.ListRecentPRs(context.Background(), "acme", "api", 5)
	assert.ErrorIs(t, err, models.ErrUpstreamAPI)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRelatedIssues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/issues/12", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":12,"title":"Crash on empty body","labels":[{"name":"bug"}]}`)
	})
	mux.HandleFunc("/repos/acme/api/issues/13", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":13,"title":"A pull","pull_request":{"url":"x"}}`)
	})
	mux.HandleFunc("/repos/acme/api/issues/14", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c := testClient(t, mux)

	issues, err := c.RelatedIssues(context.Background(), "acme", "api", "Fixes #12, see #13 and #14. Also #12.")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, models.Issue{ID: "12", Title: "Crash on empty body", Labels: []string{"bug"}}, issues[0])
}

func TestIsRetryable(t *testing.T) {
	resp := func(code int) *github.Response {
		return &github.Response{Response: &http.Response{StatusCode: code}}
	}
	err := fmt.Errorf("x")

	assert.False(t, isRetryable(nil, resp(500)))
	assert.True(t, isRetryable(err, nil), "network error")
	assert.True(t, isRetryable(err, resp(429)))
	assert.True(t, isRetryable(err, resp(500)))
	assert.True(t, isRetryable(err, resp(504)))
	assert.False(t, isRetryable(err, resp(400)))
	assert.False(t, isRetryable(err, resp(401)))
	assert.False(t, isRetryable(err, resp(403)))
	assert.False(t, isRetryable(err, resp(422)))

	limited := resp(403)
	limited.Rate = github.Rate{Limit: 5000, Remaining: 0}
	assert.True(t, isRetryable(err, limited))
}

func TestRateLimitBackoff(t *testing.T) {
	r := &github.Response{Response: &http.Response{StatusCode: 429}}
	assert.Equal(t, 30*time.Second, rateLimitBackoff(r, 30*time.Second))

	r.Rate.Reset = github.Timestamp{Time: time.Now().Add(time.Hour)}
	assert.Equal(t, 30*time.Second, rateLimitBackoff(r, 30*time.Second))

	r.Rate.Reset = github.Timestamp{Time: time.Now().Add(-time.Hour)}
	assert.Equal(t, time.Second, rateLimitBackoff(r, 30*time.Second))
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	var cfg RetryConfig
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultRetryConfig(), cfg)

	cfg = RetryConfig{MaxRetries: 5}
	cfg.ApplyDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := withRetry(ctx, RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour}, logging.NewNop(), func() (*github.Response, error) {
		return nil, fmt.Errorf("network down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	c, err := New(context.Background(), config.TrackerConfig{Token: "tok", BaseURL: "https://ghe.example.com/", MaxRetries: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", c.gh.BaseURL.String())
	assert.Equal(t, 1, c.retry.MaxRetries)
}
