// Package queue batches interactions for the remote learner under a
// single-flight drain.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/selfopt/pkg/types"
)

type State int

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

var (
	ErrDraining = errors.New("learning queue: drain already in flight")
	ErrEmpty    = errors.New("learning queue: nothing to submit")
	ErrBackoff  = errors.New("learning queue: backing off after failed submission")
)

// Submitter sends one batch to the learner and returns the directives it answered with.
type Submitter interface {
	Submit(ctx context.Context, batch []types.Interaction) ([]types.Directive, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, batch []types.Interaction) ([]types.Directive, error)

func (f SubmitterFunc) Submit(ctx context.Context, batch []types.Interaction) ([]types.Directive, error) {
	return f(ctx, batch)
}

type Options struct {
	Trigger       int
	MaxBatchSize  int
	MaxBatchBytes int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// OnImprovements receives the directives of every successful submission.
	OnImprovements func([]types.Directive)
	Logger         *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Trigger <= 0 {
		o.Trigger = 10
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// DrainResult describes one successful submission.
type DrainResult struct {
	Submitted  int
	Directives []types.Directive
}

type Queue struct {
	mu       sync.Mutex
	items    []types.Interaction
	state    State
	failures int
	retryAt  time.Time

	submitter Submitter
	opts      Options
	now       func() time.Time
}

func New(submitter Submitter, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{submitter: submitter, opts: opts, now: time.Now}
}

// Enqueue appends to the tail and reports whether a drain should start now:
// the queue is idle, not backing off, and holds at least Trigger items.
func (q *Queue) Enqueue(it types.Interaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	return q.state == Idle && len(q.items) >= q.opts.Trigger && !q.backingOff()
}

// Drain submits up to MaxBatchSize items from the head. Only one drain runs
// at a time; a concurrent call returns ErrDraining without doing anything.
// On failure the batch goes back to the head in its original order.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.mu.Lock()
	switch {
	case q.state == Draining:
		q.mu.Unlock()
		return DrainResult{}, ErrDraining
	case len(q.items) == 0:
		q.mu.Unlock()
		return DrainResult{}, ErrEmpty
	case q.backingOff():
		q.mu.Unlock()
		return DrainResult{}, ErrBackoff
	}
	n := batchLen(q.items, q.opts.MaxBatchSize, q.opts.MaxBatchBytes)
	batch := slices.Clone(q.items[:n])
	q.items = slices.Clone(q.items[n:])
	q.state = Draining
	q.mu.Unlock()

	directives, err := q.submit(ctx, batch)

	q.mu.Lock()
	q.state = Idle
	if err != nil {
		q.items = append(batch, q.items...)
		q.failures++
		wait := q.backoff(q.failures)
		q.retryAt = q.now().Add(wait)
		pending := len(q.items)
		q.mu.Unlock()
		q.opts.Logger.Warn("learning batch submission failed, requeued",
			zap.Int("batch", len(batch)),
			zap.Int("pending", pending),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		return DrainResult{}, fmt.Errorf("submit learning batch: %w", err)
	}
	q.failures = 0
	q.retryAt = time.Time{}
	q.mu.Unlock()

	q.opts.Logger.Debug("learning batch submitted",
		zap.Int("batch", len(batch)),
		zap.Int("directives", len(directives)))
	if len(directives) > 0 && q.opts.OnImprovements != nil {
		q.opts.OnImprovements(directives)
	}
	return DrainResult{Submitted: len(batch), Directives: directives}, nil
}

func (q *Queue) submit(ctx context.Context, batch []types.Interaction) (directives []types.Directive, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submitter panic: %v", r)
		}
	}()
	return q.submitter.Submit(ctx, batch)
}

func (q *Queue) backingOff() bool {
	return !q.retryAt.IsZero() && q.now().Before(q.retryAt)
}

func (q *Queue) backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	wait := q.opts.BackoffBase
	for i := 1; i < failures; i++ {
		wait *= 2
		if wait >= q.opts.BackoffMax {
			return q.opts.BackoffMax
		}
	}
	return wait
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pending returns a copy of the queued interactions, head first.
func (q *Queue) Pending() []types.Interaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Failures counts consecutive failed submissions.
func (q *Queue) Failures() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures
}

// RetryAt is when the backoff window of the last failure ends; zero when not backing off.
func (q *Queue) RetryAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryAt
}
