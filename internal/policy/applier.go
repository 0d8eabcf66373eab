// Package policy merges improvement directives into the live policy state
// read by the request layer.
package policy

import (
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/selfopt/pkg/types"
)

// DefaultEvolutionThreshold is the directive count above which a batch is an evolution.
const DefaultEvolutionThreshold = 3

type Options struct {
	EvolutionThreshold int
	// OnEvolution is notified of bundled changes. It must not call back into the Applier.
	OnEvolution func(types.EvolutionEvent)
	// OnChange receives a copy of the state after every Apply that changed it.
	OnChange func(types.PolicyState)
	Logger   *zap.Logger
}

// ApplyResult reports what one Apply call did.
type ApplyResult struct {
	Applied   []types.DirectiveKind
	Skipped   []string
	Evolution *types.EvolutionEvent
}

type Applier struct {
	mu      sync.RWMutex
	state   types.PolicyState
	version int

	threshold   int
	onEvolution func(types.EvolutionEvent)
	onChange    func(types.PolicyState)
	logger      *zap.Logger
	now         func() time.Time
}

func New(opts Options) *Applier {
	if opts.EvolutionThreshold <= 0 {
		opts.EvolutionThreshold = DefaultEvolutionThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Applier{
		threshold:   opts.EvolutionThreshold,
		onEvolution: opts.OnEvolution,
		onChange:    opts.OnChange,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Apply merges every directive into the policy state in order. Unknown and
// malformed directives are logged and skipped; they never abort their
// siblings and still count toward the evolution threshold.
func (a *Applier) Apply(directives []types.Directive) ApplyResult {
	var res ApplyResult
	if len(directives) == 0 {
		return res
	}
	// decode errors of malformed directives, by position in res.Skipped
	skipErrs := make(map[int]error)

	a.mu.Lock()
	for _, d := range directives {
		switch v := d.(type) {
		case types.CacheDirective:
			base := types.DefaultCacheConfig()
			if a.state.Cache != nil {
				base = *a.state.Cache
			}
			merged := base.Merge(v.Patch)
			a.state.Cache = &merged
		case types.RetryDirective:
			base := types.DefaultRetryConfig()
			if a.state.Retry != nil {
				base = *a.state.Retry
			}
			merged := base.Merge(v.Patch)
			a.state.Retry = &merged
		case types.BatchDirective:
			base := types.DefaultBatchConfig()
			if a.state.Batch != nil {
				base = *a.state.Batch
			}
			merged := base.Merge(v.Patch)
			a.state.Batch = &merged
		case types.PrefetchDirective:
			base := types.DefaultPrefetchConfig()
			if a.state.Prefetch != nil {
				base = *a.state.Prefetch
			}
			merged := base.Merge(v.Patch)
			a.state.Prefetch = &merged
		case types.UnknownDirective:
			res.Skipped = append(res.Skipped, v.Type)
			continue
		case types.MalformedDirective:
			skipErrs[len(res.Skipped)] = v.Err
			res.Skipped = append(res.Skipped, v.Type)
			continue
		default:
			res.Skipped = append(res.Skipped, "<nil>")
			continue
		}
		res.Applied = append(res.Applied, d.Kind())
	}

	if len(directives) > a.threshold {
		a.version++
		ev := types.EvolutionEvent{Version: a.version, At: a.now()}
		for _, d := range directives {
			if d != nil {
				ev.Kinds = append(ev.Kinds, d.Kind())
			}
		}
		res.Evolution = &ev
	}
	var snapshot types.PolicyState
	if len(res.Applied) > 0 {
		snapshot = a.state.Clone()
	}
	a.mu.Unlock()

	for i, typ := range res.Skipped {
		if err, ok := skipErrs[i]; ok {
			a.logger.Warn("skipping malformed directive", zap.String("type", typ), zap.Error(err))
			continue
		}
		a.logger.Warn("skipping unrecognized directive", zap.String("type", typ))
	}
	if len(res.Applied) > 0 {
		a.logger.Info("policy updated", zap.Any("kinds", res.Applied))
		if a.onChange != nil {
			a.onChange(snapshot)
		}
	}
	if res.Evolution != nil {
		a.logger.Info("policy evolution",
			zap.Int("version", res.Evolution.Version),
			zap.Int("directives", len(directives)))
		if a.onEvolution != nil {
			a.onEvolution(*res.Evolution)
		}
	}
	return res
}

// State returns a deep copy of the live policy.
func (a *Applier) State() types.PolicyState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// Version counts evolution events so far.
func (a *Applier) Version() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// CacheFor returns the cache policy if it covers endpoint. An empty endpoint
// list covers every endpoint; entries may be path.Match patterns.
func (a *Applier) CacheFor(endpoint string) (types.CacheConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c := a.state.Cache
	if c == nil || !covers(c.Endpoints, endpoint) {
		return types.CacheConfig{}, false
	}
	return *c, true
}

func (a *Applier) RetryPolicy() (types.RetryConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state.Retry == nil {
		return types.RetryConfig{}, false
	}
	return *a.state.Retry, true
}

func (a *Applier) BatchFor(endpoint string) (types.BatchConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b := a.state.Batch
	if b == nil || !covers(b.Endpoints, endpoint) {
		return types.BatchConfig{}, false
	}
	return *b, true
}

// PrefetchFor reports whether action matches one of the prefetch patterns.
func (a *Applier) PrefetchFor(action string) (types.PrefetchConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := a.state.Prefetch
	if p == nil || len(p.Patterns) == 0 || !covers(p.Patterns, action) {
		return types.PrefetchConfig{}, false
	}
	return *p, true
}

// Capabilities lists the active policy kinds, sorted.
func (a *Applier) Capabilities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := []string{}
	if a.state.Cache != nil {
		out = append(out, string(types.KindCache))
	}
	if a.state.Retry != nil {
		out = append(out, string(types.KindRetry))
	}
	if a.state.Batch != nil {
		out = append(out, string(types.KindBatch))
	}
	if a.state.Prefetch != nil {
		out = append(out, string(types.KindPrefetch))
	}
	sort.Strings(out)
	return out
}

func covers(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
