package policy

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/selfopt/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func TestCacheMergeKeepsUnspecifiedKeys(t *testing.T) {
	a := New(Options{})
	a.Apply([]types.Directive{types.CacheDirective{Patch: types.CachePatch{
		TTL:       ptr[int64](5000),
		MaxSize:   ptr(250),
		Endpoints: []string{"GET /users"},
	}}})
	a.Apply([]types.Directive{types.CacheDirective{Patch: types.CachePatch{TTL: ptr[int64](60000)}}})

	st := a.State()
	require.NotNil(t, st.Cache)
	assert.Equal(t, int64(60000), st.Cache.TTL)
	assert.Equal(t, 250, st.Cache.MaxSize)
	assert.Equal(t, []string{"GET /users"}, st.Cache.Endpoints)
}

func TestFirstApplicationStartsFromDefaults(t *testing.T) {
	a := New(Options{})
	assert.Nil(t, a.State().Retry)

	a.Apply([]types.Directive{types.RetryDirective{Patch: types.RetryPatch{MaxAttempts: ptr(5)}}})
	r, ok := a.RetryPolicy()
	require.True(t, ok)
	def := types.DefaultRetryConfig()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, def.BackoffMultiplier, r.BackoffMultiplier)
	assert.Equal(t, def.InitialDelay, r.InitialDelay)
}

func TestUnknownDirectiveDoesNotAbortSiblings(t *testing.T) {
	a := New(Options{})
	res := a.Apply([]types.Directive{
		types.UnknownDirective{Type: "teleport"},
		types.BatchDirective{Patch: types.BatchPatch{MaxBatchSize: ptr(20)}},
		nil,
		types.PrefetchDirective{Patch: types.PrefetchPatch{Patterns: []string{"open_*"}}},
	})

	assert.Equal(t, []types.DirectiveKind{types.KindBatch, types.KindPrefetch}, res.Applied)
	assert.Equal(t, []string{"teleport", "<nil>"}, res.Skipped)
	assert.Equal(t, []string{"batch", "prefetch"}, a.Capabilities())
}

func TestMalformedDirectiveSkippedButCounted(t *testing.T) {
	var events []types.EvolutionEvent
	a := New(Options{OnEvolution: func(e types.EvolutionEvent) { events = append(events, e) }})
	res := a.Apply([]types.Directive{
		types.CacheDirective{},
		types.RetryDirective{},
		types.BatchDirective{},
		types.MalformedDirective{Type: "prefetch", Config: json.RawMessage(`{"maxPrefetch":"lots"}`), Err: errors.New("bad config")},
	})

	assert.Equal(t, []types.DirectiveKind{types.KindCache, types.KindRetry, types.KindBatch}, res.Applied)
	assert.Equal(t, []string{"prefetch"}, res.Skipped)
	require.NotNil(t, res.Evolution)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Kinds, 4)
	assert.Nil(t, a.State().Prefetch)
}

func TestEvolutionAboveThreshold(t *testing.T) {
	var events []types.EvolutionEvent
	a := New(Options{OnEvolution: func(e types.EvolutionEvent) { events = append(events, e) }})
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	three := []types.Directive{types.CacheDirective{}, types.RetryDirective{}, types.BatchDirective{}}
	res := a.Apply(three)
	assert.Nil(t, res.Evolution)
	assert.Empty(t, events)

	four := append(three, types.PrefetchDirective{})
	res = a.Apply(four)
	require.NotNil(t, res.Evolution)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, now, events[0].At)
	assert.Equal(t, []types.DirectiveKind{"cache", "retry", "batch", "prefetch"}, events[0].Kinds)
	assert.Equal(t, 1, a.Version())
}

func TestOnChangeReceivesCopy(t *testing.T) {
	var got types.PolicyState
	a := New(Options{OnChange: func(s types.PolicyState) { got = s }})
	a.Apply([]types.Directive{types.CacheDirective{Patch: types.CachePatch{Endpoints: []string{"GET /a"}}}})
	require.NotNil(t, got.Cache)
	got.Cache.Endpoints[0] = "mutated"
	assert.Equal(t, "GET /a", a.State().Cache.Endpoints[0])
}

func TestCoverage(t *testing.T) {
	a := New(Options{})
	_, ok := a.CacheFor("GET /a")
	assert.False(t, ok)

	a.Apply([]types.Directive{types.CacheDirective{}})
	_, ok = a.CacheFor("GET /anything")
	assert.True(t, ok, "empty endpoint list covers every endpoint")

	a.Apply([]types.Directive{types.CacheDirective{Patch: types.CachePatch{Endpoints: []string{"GET /users/*"}}}})
	_, ok = a.CacheFor("GET /users/:id")
	assert.True(t, ok)
	_, ok = a.CacheFor("POST /users")
	assert.False(t, ok)

	a.Apply([]types.Directive{types.PrefetchDirective{Patch: types.PrefetchPatch{Patterns: []string{"open_*"}}}})
	p, ok := a.PrefetchFor("open_profile")
	assert.True(t, ok)
	assert.Equal(t, 5, p.MaxPrefetch)
	_, ok = a.PrefetchFor("close")
	assert.False(t, ok)
}

func TestApplyDecodedWireDirectives(t *testing.T) {
	raw := []types.RawDirective{
		{Type: "caching_strategy", Config: json.RawMessage(`{"ttl":1000}`)},
		{Type: "retry_policy", Config: json.RawMessage(`{"maxAttempts":4,"initialDelay":250}`)},
	}
	var ds []types.Directive
	for _, r := range raw {
		d, err := types.DecodeDirective(r)
		require.NoError(t, err)
		ds = append(ds, d)
	}
	a := New(Options{})
	a.Apply(ds)

	st := a.State()
	assert.Equal(t, int64(1000), st.Cache.TTL)
	assert.Equal(t, 4, st.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, st.Retry.Delay(1))
	assert.Equal(t, 500*time.Millisecond, st.Retry.Delay(2))
}
