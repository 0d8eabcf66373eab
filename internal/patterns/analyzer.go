// Package patterns derives usage and performance patterns from recorded
// interactions and metrics. Every function is read-only.
package patterns

import (
	"sort"

	"github.com/yourorg/selfopt/internal/metrics"
	"github.com/yourorg/selfopt/pkg/types"
)

const (
	DefaultTopActions          = 10
	DefaultBottleneckThreshold = 2000.0
)

// MetricSource is the read side of the metric store.
type MetricSource interface {
	Endpoints() []string
	All(endpoint string) []types.Metric
}

// HourlyUsage buckets interactions by the hour of day of their timestamp.
func HourlyUsage(interactions []types.Interaction) [24]int {
	var out [24]int
	for _, it := range interactions {
		out[it.Timestamp.Hour()]++
	}
	return out
}

// ActionFrequency ranks actions by count, descending. Ties keep the order in
// which actions first appeared. limit <= 0 means DefaultTopActions.
func ActionFrequency(interactions []types.Interaction, limit int) []types.ActionCount {
	if limit <= 0 {
		limit = DefaultTopActions
	}
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, it := range interactions {
		if _, ok := counts[it.Action]; !ok {
			order = append(order, it.Action)
		}
		counts[it.Action]++
	}
	out := make([]types.ActionCount, 0, len(order))
	for _, a := range order {
		out = append(out, types.ActionCount{Action: a, Count: counts[a]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ErrorSummary reports count, rate and most recent failure for every endpoint
// with at least one failed sample, sorted by endpoint.
func ErrorSummary(src MetricSource) []types.EndpointErrors {
	out := []types.EndpointErrors{}
	for _, ep := range src.Endpoints() {
		ms := src.All(ep)
		var failed int
		var last types.Metric
		for _, m := range ms {
			if !m.Success {
				failed++
				last = m
			}
		}
		if failed == 0 {
			continue
		}
		out = append(out, types.EndpointErrors{
			Endpoint:   ep,
			Count:      failed,
			Rate:       float64(failed) / float64(len(ms)),
			LastFailed: last,
		})
	}
	return out
}

// Bottlenecks lists endpoints whose mean duration exceeds thresholdMs,
// slowest first. thresholdMs <= 0 means DefaultBottleneckThreshold.
func Bottlenecks(src MetricSource, thresholdMs float64) []types.Bottleneck {
	if thresholdMs <= 0 {
		thresholdMs = DefaultBottleneckThreshold
	}
	out := []types.Bottleneck{}
	for _, ep := range src.Endpoints() {
		snap := metrics.Summarize(src.All(ep))
		if snap.Samples == 0 || snap.AvgDurationMs <= thresholdMs {
			continue
		}
		out = append(out, types.Bottleneck{Endpoint: ep, AvgDurationMs: snap.AvgDurationMs, Samples: snap.Samples})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AvgDurationMs > out[j].AvgDurationMs })
	return out
}

// Analyze runs every computation over the same inputs.
func Analyze(interactions []types.Interaction, src MetricSource, bottleneckThresholdMs float64) types.Analysis {
	return types.Analysis{
		HourlyUsage:     HourlyUsage(interactions),
		ActionFrequency: ActionFrequency(interactions, DefaultTopActions),
		Errors:          ErrorSummary(src),
		Bottlenecks:     Bottlenecks(src, bottleneckThresholdMs),
	}
}
