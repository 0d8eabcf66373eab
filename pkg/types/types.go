package types

import "time"

// Metric is one timed outcome of an outbound call.
type Metric struct {
	Endpoint   string         `json:"endpoint"`
	DurationMs int64          `json:"durationMs"`
	Success    bool           `json:"success"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PerformanceSnapshot is derived from a window of metrics; it is never stored.
type PerformanceSnapshot struct {
	SuccessRate   float64 `json:"successRate"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	Samples       int     `json:"samples"`
}

// Environment is captured alongside every interaction.
type Environment struct {
	Platform      string `json:"platform"`
	ClientVersion string `json:"clientVersion"`
	GoVersion     string `json:"goVersion,omitempty"`
	Goroutines    int    `json:"goroutines,omitempty"`
}

// Interaction is one user or system action with its context.
type Interaction struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Context     map[string]any `json:"context,omitempty"`
	Outcome     any            `json:"outcome,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Environment Environment    `json:"environment"`
}

// Feedback is a best-effort satisfaction signal.
type Feedback struct {
	Action    string         `json:"action"`
	Satisfied bool           `json:"satisfied"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Degradation is raised when an endpoint's recent success rate falls under the floor.
type Degradation struct {
	Endpoint      string    `json:"endpoint"`
	SuccessRate   float64   `json:"successRate"`
	AvgDurationMs float64   `json:"avgDurationMs"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// EvolutionEvent marks a bundled policy change of more than a few directives.
type EvolutionEvent struct {
	Version int             `json:"version"`
	Kinds   []DirectiveKind `json:"kinds"`
	At      time.Time       `json:"at"`
}

// ActionCount is one row of the action frequency ranking.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// EndpointErrors summarises failures for one endpoint.
type EndpointErrors struct {
	Endpoint   string  `json:"endpoint"`
	Count      int     `json:"count"`
	Rate       float64 `json:"rate"`
	LastFailed Metric  `json:"lastFailed"`
}

// Bottleneck is an endpoint whose average latency exceeds the bottleneck threshold.
type Bottleneck struct {
	Endpoint      string  `json:"endpoint"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	Samples       int     `json:"samples"`
}

// Analysis bundles every pattern computation.
type Analysis struct {
	HourlyUsage     [24]int          `json:"hourlyUsage"`
	ActionFrequency []ActionCount    `json:"actionFrequency"`
	Errors          []EndpointErrors `json:"errors"`
	Bottlenecks     []Bottleneck     `json:"bottlenecks"`
}

// ExportSnapshot is the point-in-time report emitted on the export timer.
type ExportSnapshot struct {
	Performance       map[string]PerformanceSnapshot `json:"performance"`
	Patterns          Analysis                       `json:"patterns"`
	InteractionCount  int                            `json:"interactionCount"`
	LearningQueueSize int                            `json:"learningQueueSize"`
	Capabilities      []string                       `json:"capabilities"`
	Policy            *PolicyState                   `json:"policy,omitempty"`
	ExportedAt        time.Time                      `json:"exportedAt"`
}

// ExportRecord is a stored export snapshot.
type ExportRecord struct {
	ID       int64          `json:"id"`
	Snapshot ExportSnapshot `json:"snapshot"`
}

// FeedbackRecord is a feedback submission with its delivery outcome.
type FeedbackRecord struct {
	ID        int64    `json:"id"`
	Feedback  Feedback `json:"feedback"`
	Delivered bool     `json:"delivered"`
	ErrorMsg  string   `json:"error_msg,omitempty"`
}
