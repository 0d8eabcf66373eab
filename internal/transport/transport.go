// Package transport is the request layer: an http.RoundTripper that records
// every tracked call and follows the live retry and cache policies.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/yourorg/selfopt/internal/filter"
	applog "github.com/yourorg/selfopt/internal/log"
	"github.com/yourorg/selfopt/pkg/types"
)

// CacheHeader marks responses served from the policy cache.
const CacheHeader = "X-Selfopt-Cache"

// maxCachedBody bounds a single cached response body.
const maxCachedBody = 1 << 20

// Recorder receives one sample per attempt.
type Recorder interface {
	RecordCall(endpoint string, start time.Time, success bool, metadata map[string]any) types.Metric
}

// Policy is the read side of the policy applier.
type Policy interface {
	CacheFor(endpoint string) (types.CacheConfig, bool)
	RetryPolicy() (types.RetryConfig, bool)
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

type Transport struct {
	base     http.RoundTripper
	filter   *filter.Filter
	recorder Recorder
	policy   Policy
	logger   *zap.Logger

	mu       sync.Mutex
	cache    *expirable.LRU[string, cachedResponse]
	cacheCfg types.CacheConfig
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New wraps base (http.DefaultTransport when nil). A nil filter tracks every call.
func New(base http.RoundTripper, f *filter.Filter, rec Recorder, pol Policy, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, filter: f, recorder: rec, policy: pol, logger: applog.OrNop(logger)}
}

// Client returns an http.Client using this transport.
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	endpoint := filter.Endpoint(req.Method, req.URL.Path)
	tracked := t.recorder != nil && t.filter.Track(req.Method, req.URL.Path)

	cache, cacheable := t.cacheFor(req, endpoint)
	key := req.Method + " " + req.URL.String()
	if cacheable {
		if hit, ok := cache.Get(key); ok {
			start := time.Now()
			if tracked {
				t.recorder.RecordCall(endpoint, start, true, map[string]any{"status": hit.status, "cache": "hit"})
			}
			return hit.response(req), nil
		}
	}

	attempts := 1
	var retry types.RetryConfig
	if t.policy != nil && retryable(req) {
		if rc, ok := t.policy.RetryPolicy(); ok && rc.MaxAttempts > 1 {
			retry, attempts = rc, rc.MaxAttempts
		}
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepFn(req.Context(), retry.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}
		r := req
		if attempt > 1 && req.GetBody != nil {
			r = req.Clone(req.Context())
			if r.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err = t.base.RoundTrip(r)
		ok := succeeded(resp, err)
		if tracked {
			meta := map[string]any{"attempt": attempt}
			if resp != nil {
				meta["status"] = resp.StatusCode
			}
			t.recorder.RecordCall(endpoint, start, ok, meta)
		}
		if ok || attempt == attempts {
			break
		}
		t.logger.Debug("retrying call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCachedBody))
			_ = resp.Body.Close()
		}
	}
	if err != nil {
		return nil, err
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		return t.store(cache, key, resp)
	}
	return resp, nil
}

// cacheFor returns the live cache when the cache policy covers a GET to endpoint.
// The cache is rebuilt whenever the policy's size or TTL changes.
func (t *Transport) cacheFor(req *http.Request, endpoint string) (*expirable.LRU[string, cachedResponse], bool) {
	if t.policy == nil || req.Method != http.MethodGet {
		return nil, false
	}
	cfg, ok := t.policy.CacheFor(endpoint)
	if !ok || cfg.MaxSize <= 0 || cfg.TTL <= 0 {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cache == nil || cfg.TTL != t.cacheCfg.TTL || cfg.MaxSize != t.cacheCfg.MaxSize {
		t.cache = expirable.NewLRU[string, cachedResponse](cfg.MaxSize, nil, time.Duration(cfg.TTL)*time.Millisecond)
		t.cacheCfg = cfg
		t.logger.Info("response cache rebuilt", zap.Int64("ttl_ms", cfg.TTL), zap.Int("max_size", cfg.MaxSize))
	}
	return t.cache, true
}

func (t *Transport) store(cache *expirable.LRU[string, cachedResponse], key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) <= maxCachedBody {
		cache.Add(key, cachedResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body})
	}
	return resp, nil
}

// CacheLen reports how many responses are cached.
func (t *Transport) CacheLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cache == nil {
		return 0
	}
	return t.cache.Len()
}

func (c cachedResponse) response(req *http.Request) *http.Response {
	h := c.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(CacheHeader, "hit")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		StatusCode:    c.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}

func succeeded(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return false
	}
	return filter.Successful(resp.StatusCode)
}

// retryable reports whether req may be replayed: an idempotent method whose
// body, if any, can be rewound.
func retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
