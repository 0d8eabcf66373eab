// Package report renders export snapshots for humans (Markdown) and tools (YAML).
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/selfopt/pkg/types"
)

const (
	MarkdownFile = "report.md"
	YAMLFile     = "report.yaml"
)

// Report is everything one rendering covers.
type Report struct {
	Snapshot   *types.ExportSnapshot
	Policy     types.PolicyState
	Evolutions []types.EvolutionEvent
}

// Render writes every requested format to outputDir and returns the written paths.
func Render(r Report, outputDir string, formats []string) ([]string, error) {
	var written []string
	for _, format := range formats {
		switch strings.ToLower(format) {
		case "markdown", "md":
			if err := RenderMarkdown(r, outputDir); err != nil {
				return written, err
			}
			written = append(written, filepath.Join(outputDir, MarkdownFile))
		case "yaml", "yml":
			if err := RenderYAML(r, outputDir); err != nil {
				return written, err
			}
			written = append(written, filepath.Join(outputDir, YAMLFile))
		default:
			return written, fmt.Errorf("unknown report format %q", format)
		}
	}
	return written, nil
}

// RenderMarkdown renders report.md.
func RenderMarkdown(r Report, outputDir string) error {
	snap := r.Snapshot
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	b := &strings.Builder{}
	fmt.Fprintln(b, "# Self-optimization report")
	fmt.Fprintf(b, "\nExported %s. %d interactions recorded, %d waiting for submission.\n",
		snap.ExportedAt.UTC().Format(time.RFC3339), snap.InteractionCount, snap.LearningQueueSize)

	fmt.Fprintln(b, "\n## Endpoint performance")
	if len(snap.Performance) == 0 {
		fmt.Fprintln(b, "\nNo calls recorded.")
	} else {
		fmt.Fprintln(b, "\n| Endpoint | Samples | Success rate | Avg duration (ms) |")
		fmt.Fprintln(b, "|---|---|---|---|")
		for _, ep := range sortedKeys(snap.Performance) {
			p := snap.Performance[ep]
			fmt.Fprintf(b, "| %s | %d | %.1f%% | %.0f |\n", ep, p.Samples, p.SuccessRate*100, p.AvgDurationMs)
		}
	}

	pat := snap.Patterns
	if len(pat.Errors) > 0 {
		fmt.Fprintln(b, "\n## Errors")
		for _, e := range pat.Errors {
			fmt.Fprintf(b, "- %s: %d failures (%.1f%%), last at %s\n",
				e.Endpoint, e.Count, e.Rate*100, e.LastFailed.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	if len(pat.Bottlenecks) > 0 {
		fmt.Fprintln(b, "\n## Bottlenecks")
		for _, bn := range pat.Bottlenecks {
			fmt.Fprintf(b, "- %s: %.0fms average over %d samples\n", bn.Endpoint, bn.AvgDurationMs, bn.Samples)
		}
	}
	if len(pat.ActionFrequency) > 0 {
		fmt.Fprintln(b, "\n## Top actions")
		for i, a := range pat.ActionFrequency {
			fmt.Fprintf(b, "%d. %s (%d)\n", i+1, a.Action, a.Count)
		}
	}
	if peak, n := peakHour(pat.HourlyUsage); n > 0 {
		fmt.Fprintf(b, "\nBusiest hour: %02d:00 with %d interactions.\n", peak, n)
	}

	fmt.Fprintln(b, "\n## Active policy")
	if len(snap.Capabilities) == 0 {
		fmt.Fprintln(b, "\nNo policy applied yet.")
	}
	if c := r.Policy.Cache; c != nil {
		fmt.Fprintf(b, "- cache: ttl %dms, max %d entries, endpoints %s\n", c.TTL, c.MaxSize, listOrAll(c.Endpoints))
	}
	if c := r.Policy.Retry; c != nil {
		fmt.Fprintf(b, "- retry: %d attempts, initial delay %dms, multiplier %.1f\n", c.MaxAttempts, c.InitialDelay, c.BackoffMultiplier)
	}
	if c := r.Policy.Batch; c != nil {
		fmt.Fprintf(b, "- batch: up to %d calls, delay %dms, endpoints %s\n", c.MaxBatchSize, c.BatchDelay, listOrAll(c.Endpoints))
	}
	if c := r.Policy.Prefetch; c != nil {
		fmt.Fprintf(b, "- prefetch: %s, max %d\n", strings.Join(c.Patterns, ", "), c.MaxPrefetch)
	}

	if len(r.Evolutions) > 0 {
		fmt.Fprintln(b, "\n## Evolutions")
		for _, ev := range r.Evolutions {
			kinds := make([]string, len(ev.Kinds))
			for i, k := range ev.Kinds {
				kinds[i] = string(k)
			}
			fmt.Fprintf(b, "- v%d at %s: %s\n", ev.Version, ev.At.UTC().Format(time.RFC3339), strings.Join(kinds, ", "))
		}
	}

	return os.WriteFile(filepath.Join(outputDir, MarkdownFile), []byte(b.String()), 0o644)
}

// RenderYAML renders report.yaml.
func RenderYAML(r Report, outputDir string) error {
	snap := r.Snapshot
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	perf := map[string]interface{}{}
	for ep, p := range snap.Performance {
		perf[ep] = map[string]interface{}{
			"samples":         p.Samples,
			"success_rate":    p.SuccessRate,
			"avg_duration_ms": p.AvgDurationMs,
		}
	}

	errs := make([]map[string]interface{}, 0, len(snap.Patterns.Errors))
	for _, e := range snap.Patterns.Errors {
		errs = append(errs, map[string]interface{}{
			"endpoint":    e.Endpoint,
			"count":       e.Count,
			"rate":        e.Rate,
			"last_failed": e.LastFailed.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	bottlenecks := make([]map[string]interface{}, 0, len(snap.Patterns.Bottlenecks))
	for _, bn := range snap.Patterns.Bottlenecks {
		bottlenecks = append(bottlenecks, map[string]interface{}{
			"endpoint":        bn.Endpoint,
			"avg_duration_ms": bn.AvgDurationMs,
			"samples":         bn.Samples,
		})
	}
	actions := make([]map[string]interface{}, 0, len(snap.Patterns.ActionFrequency))
	for _, a := range snap.Patterns.ActionFrequency {
		actions = append(actions, map[string]interface{}{"action": a.Action, "count": a.Count})
	}

	doc := map[string]interface{}{
		"exported_at":         snap.ExportedAt.UTC().Format(time.RFC3339),
		"interaction_count":   snap.InteractionCount,
		"learning_queue_size": snap.LearningQueueSize,
		"capabilities":        snap.Capabilities,
		"performance":         perf,
		"patterns": map[string]interface{}{
			"hourly_usage":     snap.Patterns.HourlyUsage[:],
			"action_frequency": actions,
			"errors":           errs,
			"bottlenecks":      bottlenecks,
		},
		"policy": r.Policy,
	}
	if len(r.Evolutions) > 0 {
		evs := make([]map[string]interface{}, 0, len(r.Evolutions))
		for _, ev := range r.Evolutions {
			evs = append(evs, map[string]interface{}{
				"version": ev.Version,
				"kinds":   ev.Kinds,
				"at":      ev.At.UTC().Format(time.RFC3339),
			})
		}
		doc["evolutions"] = evs
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, YAMLFile), data, 0o644)
}

// ValidateYAML performs basic validation of a rendered report.yaml.
func ValidateYAML(yamlPath string) []string {
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return []string{err.Error()}
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return []string{err.Error()}
	}
	var errs []string
	for _, key := range []string{"exported_at", "interaction_count", "learning_queue_size", "performance", "patterns"} {
		if _, ok := doc[key]; !ok {
			errs = append(errs, "missing "+key+" field")
		}
	}
	if perf, ok := doc["performance"]; ok && perf != nil {
		if _, ok := perf.(map[string]interface{}); !ok {
			errs = append(errs, "performance is not a mapping")
		}
	}
	return errs
}

func sortedKeys(m map[string]types.PerformanceSnapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func peakHour(usage [24]int) (int, int) {
	hour, n := 0, 0
	for h, c := range usage {
		if c > n {
			hour, n = h, c
		}
	}
	return hour, n
}

func listOrAll(endpoints []string) string {
	if len(endpoints) == 0 {
		return "all"
	}
	return strings.Join(endpoints, ", ")
}
