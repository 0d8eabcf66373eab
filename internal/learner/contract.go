package learner

import "github.com/yourorg/selfopt/pkg/types"

const (
	ImprovePath  = "/learning/improve-response"
	LearnPath    = "/evolution/learn"
	FeedbackPath = "/learning/feedback"
)

// EndpointMetrics is the performance summary attached to an improvement request.
type EndpointMetrics struct {
	SuccessRate   float64 `json:"successRate"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

type ImprovementMetadata struct {
	Endpoint           string              `json:"endpoint"`
	Metrics            EndpointMetrics     `json:"metrics"`
	RecentInteractions []types.Interaction `json:"recentInteractions"`
}

// ImprovementRequest asks the learner how to fix a degraded endpoint.
type ImprovementRequest struct {
	Message  string              `json:"message"`
	Response string              `json:"response"`
	Metadata ImprovementMetadata `json:"metadata"`
}

type ImprovementResponse struct {
	ImprovementsApplied *types.RawDirective `json:"improvements_applied,omitempty"`
}

type SubmissionContext struct {
	Platform           string                               `json:"platform"`
	ClientVersion      string                               `json:"clientVersion"`
	PerformanceMetrics map[string]types.PerformanceSnapshot `json:"performanceMetrics"`
}

// LearningSubmission carries one batch of interactions.
type LearningSubmission struct {
	Interactions []types.Interaction `json:"interactions"`
	Context      SubmissionContext   `json:"context"`
}

type LearningResponse struct {
	Improvements []types.RawDirective `json:"improvements,omitempty"`
}
