package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/internal/filter"
	"github.com/yourorg/selfopt/pkg/types"
)

type sample struct {
	endpoint string
	success  bool
	meta     map[string]any
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []sample
}

func (f *fakeRecorder) RecordCall(endpoint string, start time.Time, success bool, metadata map[string]any) types.Metric {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample{endpoint: endpoint, success: success, meta: metadata})
	return types.Metric{Endpoint: endpoint, Success: success, Timestamp: start}
}

type fakePolicy struct {
	cache *types.CacheConfig
	retry *types.RetryConfig
}

func (p *fakePolicy) CacheFor(string) (types.CacheConfig, bool) {
	if p.cache == nil {
		return types.CacheConfig{}, false
	}
	return *p.cache, true
}

func (p *fakePolicy) RetryPolicy() (types.RetryConfig, bool) {
	if p.retry == nil {
		return types.RetryConfig{}, false
	}
	return *p.retry, true
}

func noSleep(t *testing.T) {
	t.Helper()
	orig := sleepFn
	sleepFn = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleepFn = orig })
}

func defaultFilter() *filter.Filter {
	c := &config.Config{}
	c.SetDefaults()
	return filter.New(c.Filter)
}

func TestRecordsNormalizedEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	client := New(nil, defaultFilter(), rec, nil, nil).Client(5 * time.Second)

	resp, err := client.Get(srv.URL + "/users/42")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = client.Get(srv.URL + "/static/app.js")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, rec.samples, 1)
	assert.Equal(t, "GET /users/:id", rec.samples[0].endpoint)
	assert.True(t, rec.samples[0].success)
	assert.Equal(t, http.StatusOK, rec.samples[0].meta["status"])
}

func TestRetriesServerErrors(t *testing.T) {
	noSleep(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	retry := types.DefaultRetryConfig()
	client := New(nil, nil, rec, &fakePolicy{retry: &retry}, nil).Client(5 * time.Second)

	resp, err := client.Get(srv.URL + "/x")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())

	require.Len(t, rec.samples, 3)
	assert.False(t, rec.samples[0].success)
	assert.False(t, rec.samples[1].success)
	assert.True(t, rec.samples[2].success)
	assert.Equal(t, 3, rec.samples[2].meta["attempt"])
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	noSleep(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	retry := types.RetryConfig{MaxAttempts: 2, BackoffMultiplier: 2, InitialDelay: 10}
	client := New(nil, nil, &fakeRecorder{}, &fakePolicy{retry: &retry}, nil).Client(5 * time.Second)

	resp, err := client.Get(srv.URL + "/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostIsNotRetried(t *testing.T) {
	noSleep(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	retry := types.DefaultRetryConfig()
	client := New(nil, nil, &fakeRecorder{}, &fakePolicy{retry: &retry}, nil).Client(5 * time.Second)

	resp, err := client.Post(srv.URL+"/x", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachesGetResponses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	pol := &fakePolicy{cache: &types.CacheConfig{TTL: 60000, MaxSize: 10}}
	tr := New(nil, nil, rec, pol, nil)
	client := tr.Client(5 * time.Second)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL + "/x")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "payload", string(body))
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		if i > 0 {
			assert.Equal(t, "hit", resp.Header.Get(CacheHeader))
		}
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, tr.CacheLen())
	assert.Len(t, rec.samples, 3)
	assert.Equal(t, "hit", rec.samples[2].meta["cache"])

	// a changed policy rebuilds the cache
	pol.cache = &types.CacheConfig{TTL: 1000, MaxSize: 10}
	resp, err := client.Get(srv.URL + "/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoCacheWithoutPolicy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := New(nil, nil, nil, &fakePolicy{}, nil).Client(5 * time.Second)
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL + "/x")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, int32(2), calls.Load())
}
