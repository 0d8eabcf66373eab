// Package recorder captures interactions, keeps a bounded history of them and
// feeds every record to the learning queue.
package recorder

import (
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/selfopt/internal/ring"
	"github.com/yourorg/selfopt/pkg/types"
)

const DefaultRetention = 1000

// Enqueuer is the intake side of the learning queue. Enqueue reports whether
// the queue has reached its drain trigger.
type Enqueuer interface {
	Enqueue(types.Interaction) bool
}

type Options struct {
	Retention   int
	Environment func() types.Environment
	// OnTrigger runs when an enqueue reaches the queue's batch trigger.
	OnTrigger func()
}

type Recorder struct {
	mu      sync.RWMutex
	history *ring.Buffer[types.Interaction]
	total   int

	queue     Enqueuer
	env       func() types.Environment
	onTrigger func()
	now       func() time.Time
	newID     func() string
}

func New(queue Enqueuer, opts Options) *Recorder {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Environment == nil {
		opts.Environment = EnvironmentFunc("", "")
	}
	return &Recorder{
		history:   ring.New[types.Interaction](opts.Retention),
		queue:     queue,
		env:       opts.Environment,
		onTrigger: opts.OnTrigger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// EnvironmentFunc snapshots the runtime alongside the configured platform and client version.
func EnvironmentFunc(platform, clientVersion string) func() types.Environment {
	if platform == "" {
		platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	return func() types.Environment {
		return types.Environment{
			Platform:      platform,
			ClientVersion: clientVersion,
			GoVersion:     runtime.Version(),
			Goroutines:    runtime.NumGoroutine(),
		}
	}
}

// Record builds an interaction, appends it to history and pushes it onto the learning queue.
func (r *Recorder) Record(action string, ctx map[string]any, outcome any) types.Interaction {
	it := types.Interaction{
		ID:          r.newID(),
		Action:      action,
		Context:     maps.Clone(ctx),
		Outcome:     outcome,
		Timestamp:   r.now(),
		Environment: r.env(),
	}

	r.mu.Lock()
	r.history.Push(it)
	r.total++
	r.mu.Unlock()

	if r.queue != nil && r.queue.Enqueue(it) && r.onTrigger != nil {
		r.onTrigger()
	}
	return it
}

// History returns the retained interactions, oldest first.
func (r *Recorder) History() []types.Interaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.All()
}

// Recent returns up to n newest interactions, oldest first.
func (r *Recorder) Recent(n int) []types.Interaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.Last(n)
}

// Total counts every interaction ever recorded, including those retention dropped.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
