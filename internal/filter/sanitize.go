package filter

import (
	"strings"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/pkg/types"
)

// SanitizeConfig is an alias of config.SanitizeConfig.
type SanitizeConfig = config.SanitizeConfig

// Sanitizer redacts sensitive keys from interaction context before it leaves the process.
type Sanitizer struct {
	keys        map[string]struct{}
	replacement string
}

func NewSanitizer(cfg SanitizeConfig) *Sanitizer {
	return &Sanitizer{keys: toLowerSet(cfg.ContextKeys), replacement: cfg.Replacement}
}

// Interactions returns redacted copies; the input is left untouched.
func (s *Sanitizer) Interactions(in []types.Interaction) []types.Interaction {
	out := make([]types.Interaction, len(in))
	for i, it := range in {
		out[i] = it
		out[i].Context = s.Context(it.Context)
		out[i].Outcome = s.value(it.Outcome)
	}
	return out
}

// Context returns a redacted deep copy of ctx.
func (s *Sanitizer) Context(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	v, _ := s.value(ctx).(map[string]any)
	return v
}

func (s *Sanitizer) value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v2 := range val {
			if _, ok := s.keys[strings.ToLower(k)]; ok {
				out[k] = s.replacement
				continue
			}
			out[k] = s.value(v2)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, v2 := range val {
			if _, ok := s.keys[strings.ToLower(k)]; ok {
				out[k] = s.replacement
				continue
			}
			out[k] = v2
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = s.value(val[i])
		}
		return out
	default:
		return val
	}
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
