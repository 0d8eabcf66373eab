// Package engine wires the metric store, threshold monitor, interaction
// recorder, learning queue, policy applier and pattern analyzer into one
// owned unit with a Start/Stop lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/internal/filter"
	"github.com/yourorg/selfopt/internal/learner"
	applog "github.com/yourorg/selfopt/internal/log"
	"github.com/yourorg/selfopt/internal/metrics"
	"github.com/yourorg/selfopt/internal/monitor"
	"github.com/yourorg/selfopt/internal/patterns"
	"github.com/yourorg/selfopt/internal/policy"
	"github.com/yourorg/selfopt/internal/queue"
	"github.com/yourorg/selfopt/internal/recorder"
	"github.com/yourorg/selfopt/internal/telemetry"
	"github.com/yourorg/selfopt/pkg/types"
)

// recentInteractions is how much history goes with an improvement request.
const recentInteractions = 10

var (
	ErrRunning = errors.New("engine already started")
	ErrStopped = errors.New("engine stopped")
)

// Learner is the remote learning service.
type Learner interface {
	RequestImprovement(ctx context.Context, req learner.ImprovementRequest) ([]types.Directive, error)
	SubmitLearning(ctx context.Context, sub learner.LearningSubmission) ([]types.Directive, error)
	SendFeedback(ctx context.Context, fb types.Feedback) error
}

// Sink receives exports, evolution events and the feedback log.
type Sink interface {
	SaveExport(snap *types.ExportSnapshot) (int64, error)
	SaveEvolution(ev types.EvolutionEvent) error
	SaveFeedback(fb types.Feedback, delivered bool, errMsg string) error
}

type Options struct {
	Sink      Sink
	Telemetry *telemetry.Metrics
	Logger    *zap.Logger

	// Host notifications. They run on engine goroutines and must not block.
	OnDegradation  func(types.Degradation)
	OnEvolution    func(types.EvolutionEvent)
	OnPolicyChange func(types.PolicyState)
}

type Engine struct {
	cfg       *config.Config
	metrics   *metrics.Store
	monitor   *monitor.Monitor
	recorder  *recorder.Recorder
	queue     *queue.Queue
	policy    *policy.Applier
	sanitizer *filter.Sanitizer
	learner   Learner
	limiter   *rate.Limiter
	opts      Options
	tel       *telemetry.Metrics
	log       *zap.Logger

	// ctx scopes background work; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// New builds an engine from a validated config. The engine records and
// analyses immediately; timers only run between Start and Stop.
func New(cfg *config.Config, l Learner, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if l == nil {
		return nil, errors.New("learner is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts.Logger = applog.OrNop(opts.Logger)
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.New()
	}

	e := &Engine{
		cfg:       cfg,
		learner:   l,
		sanitizer: filter.NewSanitizer(cfg.Sanitize),
		opts:      opts,
		tel:       opts.Telemetry,
		log:       opts.Logger,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	limit, burst := rate.Inf, 0
	if cfg.Monitor.ImprovementRate > 0 {
		limit, burst = rate.Limit(cfg.Monitor.ImprovementRate), max(cfg.Monitor.ImprovementBurst, 1)
	}
	e.limiter = rate.NewLimiter(limit, burst)

	e.metrics = metrics.NewStore(cfg.Metrics.Retention)
	e.monitor = monitor.New(e.metrics, monitor.Config{
		Window:       cfg.Engine.Window,
		MinSamples:   cfg.Engine.MinSamples,
		SuccessFloor: cfg.Engine.SuccessFloor,
	})
	e.policy = policy.New(policy.Options{
		OnEvolution: e.handleEvolution,
		OnChange:    opts.OnPolicyChange,
		Logger:      e.log.Named("policy"),
	})
	e.queue = queue.New(queue.SubmitterFunc(e.submit), queue.Options{
		Trigger:        cfg.Engine.BatchTrigger,
		MaxBatchSize:   cfg.Queue.MaxBatchSize,
		MaxBatchBytes:  cfg.Queue.MaxBatchBytes,
		BackoffBase:    cfg.Queue.BackoffBase,
		BackoffMax:     cfg.Queue.BackoffMax,
		OnImprovements: e.apply,
		Logger:         e.log.Named("queue"),
	})
	e.recorder = recorder.New(e.queue, recorder.Options{
		Retention:   cfg.Recorder.Retention,
		Environment: recorder.EnvironmentFunc(cfg.Learner.Platform, cfg.Learner.ClientVersion),
		OnTrigger: func() {
			e.spawn("drain", func(ctx context.Context) { _, _ = e.Drain(ctx) })
		},
	})
	return e, nil
}

// Start schedules the drain and export timers.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStopped
	}
	if e.running {
		return ErrRunning
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(every(e.cfg.Engine.DrainInterval), func() {
		_, _ = e.Drain(e.ctx)
	}); err != nil {
		return fmt.Errorf("schedule drain: %w", err)
	}
	if _, err := c.AddFunc(every(e.cfg.Engine.ExportInterval), func() {
		_, _ = e.Export(e.ctx)
	}); err != nil {
		return fmt.Errorf("schedule export: %w", err)
	}
	c.Start()
	e.cron = c
	e.running = true

	e.log.Info("engine started",
		zap.Duration("drain_interval", e.cfg.Engine.DrainInterval),
		zap.Duration("export_interval", e.cfg.Engine.ExportInterval))
	return nil
}

// Stop removes the timers and waits for running jobs and in-flight remote
// calls. When ctx expires first the remaining work is cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.running = false
	var cronDone <-chan struct{}
	if e.cron != nil {
		cronDone = e.cron.Stop().Done()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if cronDone != nil {
			<-cronDone
		}
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		e.log.Info("engine stopped", zap.Int("pending", e.queue.Len()))
	case <-ctx.Done():
		err = ctx.Err()
		e.log.Warn("engine stop timed out, cancelling in-flight work", zap.Error(err))
	}
	e.cancel()
	<-done
	return err
}

// spawn runs fn off the caller's goroutine unless the engine is stopped.
func (e *Engine) spawn(name string, fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Debug("engine stopped, dropping background work", zap.String("task", name))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(e.ctx)
	}()
}

// RecordCall stores one outbound call sample and evaluates its endpoint.
// A degradation starts an asynchronous improvement request.
func (e *Engine) RecordCall(endpoint string, start time.Time, success bool, metadata map[string]any) types.Metric {
	m := e.metrics.Record(endpoint, start, success, metadata)
	e.tel.CallsRecorded.WithLabelValues(telemetry.Outcome(success)).Inc()
	e.evaluate(endpoint)
	return m
}

// ReplayCall stores a fully formed sample, such as one read from a capture.
func (e *Engine) ReplayCall(m types.Metric) {
	e.metrics.Add(m)
	e.tel.CallsRecorded.WithLabelValues(telemetry.Outcome(m.Success)).Inc()
	e.evaluate(m.Endpoint)
}

func (e *Engine) evaluate(endpoint string) {
	deg, ok := e.monitor.Check(endpoint)
	if !ok {
		return
	}
	e.tel.Degradations.WithLabelValues(endpoint).Inc()
	e.log.Warn("performance degradation detected",
		zap.String("endpoint", endpoint),
		zap.Float64("success_rate", deg.SuccessRate),
		zap.Float64("avg_duration_ms", deg.AvgDurationMs))
	if e.opts.OnDegradation != nil {
		e.opts.OnDegradation(deg)
	}
	if !e.limiter.Allow() {
		e.tel.ImprovementRequests.WithLabelValues("throttled").Inc()
		e.log.Debug("improvement request throttled", zap.String("endpoint", endpoint))
		return
	}
	e.spawn("improve", func(ctx context.Context) { e.requestImprovement(ctx, deg) })
}

func (e *Engine) requestImprovement(ctx context.Context, deg types.Degradation) {
	req := learner.ImprovementRequest{
		Message:  fmt.Sprintf("performance degradation detected on %s", deg.Endpoint),
		Response: fmt.Sprintf("success rate %.1f%%, average duration %.0fms", deg.SuccessRate*100, deg.AvgDurationMs),
		Metadata: learner.ImprovementMetadata{
			Endpoint: deg.Endpoint,
			Metrics: learner.EndpointMetrics{
				SuccessRate:   deg.SuccessRate,
				AvgDurationMs: deg.AvgDurationMs,
			},
			RecentInteractions: e.sanitizer.Interactions(e.recorder.Recent(recentInteractions)),
		},
	}
	directives, err := e.learner.RequestImprovement(ctx, req)
	e.tel.ImprovementRequests.WithLabelValues(telemetry.Result(err)).Inc()
	if err != nil {
		e.log.Warn("improvement request failed", zap.String("endpoint", deg.Endpoint), zap.Error(err))
		return
	}
	e.apply(directives)
}

// RecordInteraction captures a user interaction and queues it for learning.
func (e *Engine) RecordInteraction(action string, attrs map[string]any, outcome any) types.Interaction {
	it := e.recorder.Record(action, attrs, outcome)
	e.tel.QueueSize.Set(float64(e.queue.Len()))
	return it
}

// Drain submits one batch from the learning queue. It is safe to call
// concurrently; only one submission is ever in flight.
func (e *Engine) Drain(ctx context.Context) (queue.DrainResult, error) {
	res, err := e.queue.Drain(ctx)
	e.tel.QueueSize.Set(float64(e.queue.Len()))
	switch {
	case err == nil:
		e.log.Info("learning batch submitted",
			zap.Int("interactions", res.Submitted),
			zap.Int("directives", len(res.Directives)))
	case errors.Is(err, queue.ErrDraining), errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrBackoff):
		e.log.Debug("drain skipped", zap.Error(err))
	}
	return res, err
}

func (e *Engine) submit(ctx context.Context, batch []types.Interaction) ([]types.Directive, error) {
	sub := learner.LearningSubmission{
		Interactions: e.sanitizer.Interactions(batch),
		Context: learner.SubmissionContext{
			Platform:           e.cfg.Learner.Platform,
			ClientVersion:      e.cfg.Learner.ClientVersion,
			PerformanceMetrics: e.metrics.AggregateAll(),
		},
	}
	directives, err := e.learner.SubmitLearning(ctx, sub)
	e.tel.Submissions.WithLabelValues(telemetry.Result(err)).Inc()
	if err == nil {
		e.tel.SubmittedItems.Add(float64(len(batch)))
	}
	return directives, err
}

// Apply merges directives into the live policy.
func (e *Engine) Apply(directives []types.Directive) policy.ApplyResult {
	res := e.policy.Apply(directives)
	for _, k := range res.Applied {
		e.tel.DirectivesApplied.WithLabelValues(string(k)).Inc()
	}
	e.tel.DirectivesSkipped.Add(float64(len(res.Skipped)))
	return res
}

func (e *Engine) apply(directives []types.Directive) {
	e.Apply(directives)
}

func (e *Engine) handleEvolution(ev types.EvolutionEvent) {
	e.tel.Evolutions.Inc()
	if e.opts.Sink != nil {
		if err := e.opts.Sink.SaveEvolution(ev); err != nil {
			e.log.Warn("save evolution event failed", zap.Int("version", ev.Version), zap.Error(err))
		}
	}
	if e.opts.OnEvolution != nil {
		e.opts.OnEvolution(ev)
	}
}

// SubmitFeedback posts feedback in the background. Failures are logged and
// counted, never retried.
func (e *Engine) SubmitFeedback(action string, satisfied bool, details map[string]any) types.Feedback {
	fb := types.Feedback{
		Action:    action,
		Satisfied: satisfied,
		Details:   e.sanitizer.Context(details),
		Timestamp: time.Now().UTC(),
	}
	e.spawn("feedback", func(ctx context.Context) {
		err := e.learner.SendFeedback(ctx, fb)
		e.tel.Feedback.WithLabelValues(telemetry.Result(err)).Inc()
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			e.log.Warn("feedback submission failed", zap.String("action", action), zap.Error(err))
		}
		if e.opts.Sink != nil {
			if serr := e.opts.Sink.SaveFeedback(fb, err == nil, errMsg); serr != nil {
				e.log.Warn("save feedback failed", zap.Error(serr))
			}
		}
	})
	return fb
}

// Snapshot builds a point-in-time export without emitting it.
func (e *Engine) Snapshot() *types.ExportSnapshot {
	state := e.policy.State()
	return &types.ExportSnapshot{
		Performance:       e.metrics.AggregateAll(),
		Patterns:          e.Patterns(),
		InteractionCount:  e.recorder.Total(),
		LearningQueueSize: e.queue.Len(),
		Capabilities:      e.policy.Capabilities(),
		Policy:            &state,
		ExportedAt:        time.Now().UTC(),
	}
}

// Export emits a snapshot to the log and the sink.
func (e *Engine) Export(_ context.Context) (*types.ExportSnapshot, error) {
	snap := e.Snapshot()
	e.log.Info("metrics export",
		zap.Int("endpoints", len(snap.Performance)),
		zap.Int("interactions", snap.InteractionCount),
		zap.Int("queue", snap.LearningQueueSize),
		zap.Strings("capabilities", snap.Capabilities))
	if e.opts.Sink == nil {
		e.tel.Exports.WithLabelValues("ok").Inc()
		return snap, nil
	}
	_, err := e.opts.Sink.SaveExport(snap)
	e.tel.Exports.WithLabelValues(telemetry.Result(err)).Inc()
	if err != nil {
		e.log.Warn("save export failed", zap.Error(err))
		return snap, fmt.Errorf("save export: %w", err)
	}
	return snap, nil
}

// Patterns analyses the retained history and metrics.
func (e *Engine) Patterns() types.Analysis {
	return patterns.Analyze(e.recorder.History(), e.metrics, e.cfg.Metrics.BottleneckThreshold)
}

func (e *Engine) Metrics() *metrics.Store { return e.metrics }

func (e *Engine) Policy() *policy.Applier { return e.policy }

func (e *Engine) Recorder() *recorder.Recorder { return e.recorder }

func (e *Engine) Queue() *queue.Queue { return e.queue }

func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

func (e *Engine) Telemetry() *telemetry.Metrics { return e.tel }

func every(d time.Duration) string {
	return "@every " + d.String()
}
