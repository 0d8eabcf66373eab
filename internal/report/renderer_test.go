package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/selfopt/pkg/types"
)

func sampleReport() Report {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cache := types.CacheConfig{TTL: 1000, MaxSize: 100, Endpoints: []string{}}
	snap := &types.ExportSnapshot{
		Performance: map[string]types.PerformanceSnapshot{
			"GET /x":      {SuccessRate: 0.5, AvgDurationMs: 2500, Samples: 20},
			"POST /login": {SuccessRate: 1, AvgDurationMs: 40, Samples: 3},
		},
		Patterns: types.Analysis{
			ActionFrequency: []types.ActionCount{{Action: "search", Count: 3}},
			Errors:          []types.EndpointErrors{{Endpoint: "GET /x", Count: 10, Rate: 0.5, LastFailed: types.Metric{Endpoint: "GET /x", Timestamp: at}}},
			Bottlenecks:     []types.Bottleneck{{Endpoint: "GET /x", AvgDurationMs: 2500, Samples: 20}},
		},
		InteractionCount:  3,
		LearningQueueSize: 1,
		Capabilities:      []string{"cache"},
		ExportedAt:        at,
	}
	snap.Patterns.HourlyUsage[10] = 3
	return Report{
		Snapshot:   snap,
		Policy:     types.PolicyState{Cache: &cache},
		Evolutions: []types.EvolutionEvent{{Version: 1, Kinds: []types.DirectiveKind{types.KindCache, types.KindRetry}, At: at}},
	}
}

func TestRenderMarkdown(t *testing.T) {
	outDir := t.TempDir()
	if err := RenderMarkdown(sampleReport(), outDir); err != nil {
		t.Fatalf("RenderMarkdown error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, MarkdownFile))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	md := string(data)
	for _, want := range []string{"| GET /x | 20 | 50.0% | 2500 |", "## Bottlenecks", "1. search (3)", "Busiest hour: 10:00", "- cache: ttl 1000ms, max 100 entries, endpoints all", "- v1 at"} {
		if !strings.Contains(md, want) {
			t.Fatalf("report missing %q:\n%s", want, md)
		}
	}
	if strings.Index(md, "GET /x") > strings.Index(md, "POST /login") {
		t.Fatalf("endpoints should be sorted")
	}
}

func TestRenderYAMLAndValidate(t *testing.T) {
	outDir := t.TempDir()
	if err := RenderYAML(sampleReport(), outDir); err != nil {
		t.Fatalf("RenderYAML error: %v", err)
	}
	path := filepath.Join(outDir, YAMLFile)
	if errs := ValidateYAML(path); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	perf := doc["performance"].(map[string]interface{})
	x := perf["GET /x"].(map[string]interface{})
	if x["samples"] != 20 {
		t.Fatalf("unexpected samples: %v", x["samples"])
	}
	policy := doc["policy"].(map[string]interface{})
	cache := policy["cache"].(map[string]interface{})
	if cache["ttl"] != 1000 {
		t.Fatalf("unexpected cache ttl: %v", cache["ttl"])
	}
}

func TestRenderFormats(t *testing.T) {
	outDir := t.TempDir()
	paths, err := Render(sampleReport(), outDir, []string{"markdown", "yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}
	if _, err := Render(sampleReport(), outDir, []string{"pdf"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if err := RenderMarkdown(Report{}, outDir); err == nil {
		t.Fatalf("expected error for nil snapshot")
	}
}

func TestValidateYAMLMissingFields(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(p, []byte("performance: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if errs := ValidateYAML(p); len(errs) == 0 {
		t.Fatalf("expected validation errors")
	}
}
