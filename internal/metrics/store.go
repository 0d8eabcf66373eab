// Package metrics keeps per-endpoint timing and outcome samples and derives
// performance snapshots from them.
package metrics

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/selfopt/internal/ring"
	"github.com/yourorg/selfopt/pkg/types"
)

// DefaultRetention bounds the samples kept per endpoint.
const DefaultRetention = 1000

type Store struct {
	mu        sync.RWMutex
	retention int
	series    map[string]*ring.Buffer[types.Metric]
	evicted   int
	now       func() time.Time
}

func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		retention: retention,
		series:    make(map[string]*ring.Buffer[types.Metric]),
		now:       time.Now,
	}
}

// Record appends a sample for a call that started at start and finished now.
func (s *Store) Record(endpoint string, start time.Time, success bool, metadata map[string]any) types.Metric {
	now := s.now()
	dur := now.Sub(start).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	m := types.Metric{
		Endpoint:   endpoint,
		DurationMs: dur,
		Success:    success,
		Timestamp:  now,
		Metadata:   metadata,
	}
	s.Add(m)
	m.Metadata = maps.Clone(metadata)
	return m
}

// Add appends a fully formed sample. Used when replaying captured traffic.
// The metadata map is copied.
func (s *Store) Add(m types.Metric) {
	m.Metadata = maps.Clone(m.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.series[m.Endpoint]
	if !ok {
		buf = ring.New[types.Metric](s.retention)
		s.series[m.Endpoint] = buf
	}
	if buf.Push(m) {
		s.evicted++
	}
}

// Window returns the last min(n, count) samples in temporal order.
func (s *Store) Window(endpoint string, n int) []types.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.series[endpoint]
	if !ok {
		return []types.Metric{}
	}
	return detach(buf.Last(n))
}

func (s *Store) All(endpoint string) []types.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.series[endpoint]
	if !ok {
		return []types.Metric{}
	}
	return detach(buf.All())
}

func (s *Store) Count(endpoint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if buf, ok := s.series[endpoint]; ok {
		return buf.Len()
	}
	return 0
}

// Evicted reports how many samples retention has discarded.
func (s *Store) Evicted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Endpoints lists every endpoint with samples, sorted.
func (s *Store) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.series))
	for ep := range s.series {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

// Aggregate summarises every retained sample of endpoint.
func (s *Store) Aggregate(endpoint string) types.PerformanceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.series[endpoint]
	if !ok {
		return types.PerformanceSnapshot{}
	}
	return Summarize(buf.All())
}

func (s *Store) AggregateAll() map[string]types.PerformanceSnapshot {
	out := make(map[string]types.PerformanceSnapshot)
	for _, ep := range s.Endpoints() {
		out[ep] = s.Aggregate(ep)
	}
	return out
}

// detach gives each sample its own metadata map so callers cannot reach
// stored samples.
func detach(ms []types.Metric) []types.Metric {
	for i := range ms {
		ms[i].Metadata = maps.Clone(ms[i].Metadata)
	}
	return ms
}

// Summarize computes success rate and mean duration over ms.
func Summarize(ms []types.Metric) types.PerformanceSnapshot {
	if len(ms) == 0 {
		return types.PerformanceSnapshot{}
	}
	var ok int
	var total int64
	for _, m := range ms {
		if m.Success {
			ok++
		}
		total += m.DurationMs
	}
	n := float64(len(ms))
	return types.PerformanceSnapshot{
		SuccessRate:   float64(ok) / n,
		AvgDurationMs: float64(total) / n,
		Samples:       len(ms),
	}
}
