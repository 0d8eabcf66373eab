// Package monitor watches recent endpoint performance and flags degradation.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/yourorg/selfopt/internal/metrics"
	"github.com/yourorg/selfopt/pkg/types"
)

// Source is the slice of the metric store the monitor reads.
type Source interface {
	Window(endpoint string, n int) []types.Metric
	Count(endpoint string) int
}

type Config struct {
	Window       int
	MinSamples   int
	SuccessFloor float64
}

func DefaultConfig() Config {
	return Config{Window: 20, MinSamples: 10, SuccessFloor: 0.8}
}

type Monitor struct {
	cfg         Config
	src         Source
	now         func() time.Time
	evaluations atomic.Int64
}

func New(src Source, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.SuccessFloor <= 0 {
		cfg.SuccessFloor = def.SuccessFloor
	}
	return &Monitor{cfg: cfg, src: src, now: time.Now}
}

// Check evaluates the endpoint's recent window. It is a no-op until the
// endpoint has MinSamples samples, and reports a degradation on every
// evaluation whose success rate is under the floor.
func (m *Monitor) Check(endpoint string) (types.Degradation, bool) {
	if m.src.Count(endpoint) < m.cfg.MinSamples {
		return types.Degradation{}, false
	}
	m.evaluations.Add(1)
	snap := metrics.Summarize(m.src.Window(endpoint, m.cfg.Window))
	if snap.SuccessRate >= m.cfg.SuccessFloor {
		return types.Degradation{}, false
	}
	return types.Degradation{
		Endpoint:      endpoint,
		SuccessRate:   snap.SuccessRate,
		AvgDurationMs: snap.AvgDurationMs,
		DetectedAt:    m.now(),
	}, true
}

// Evaluations counts checks that passed the sample-count precondition.
func (m *Monitor) Evaluations() int64 {
	return m.evaluations.Load()
}

func (m *Monitor) Config() Config { return m.cfg }
