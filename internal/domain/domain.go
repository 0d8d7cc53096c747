// Package domain holds the plain data types shared across the routing
// pipeline: queries, the features extracted from them, arms in the model
// registry, routing decisions, responses and the feedback collected on them.
package domain

import "time"

// Arm identifies one routable LLM model offered by one provider.
type Arm struct {
	ID                string  `json:"id" toml:"id"`
	Provider          string  `json:"provider" toml:"provider"`
	Model             string  `json:"model" toml:"model"`
	CostPerInputToken float64 `json:"cost_per_input_token" toml:"cost_per_input_token"`
	CostPerOutputTok  float64 `json:"cost_per_output_token" toml:"cost_per_output_token"`
	ExpectedQuality   float64 `json:"expected_quality" toml:"expected_quality"`
}

// QueryConstraints narrows the eligible arm set for a Query.
type QueryConstraints struct {
	MaxCostUSD        *float64 `json:"max_cost,omitempty"`
	MaxLatencyMs      *int     `json:"max_latency_ms,omitempty"`
	MinQuality        *float64 `json:"min_quality,omitempty"`
	PreferredProvider *string  `json:"preferred_provider,omitempty"`
}

// Query is one incoming request to be routed.
type Query struct {
	ID          string
	Text        string
	UserID      string
	Constraints QueryConstraints
	CreatedAt   time.Time
}

// Features is everything the Query Analyzer derives from a Query's text.
type Features struct {
	Embedding       []float64
	TokenCount      int
	ComplexityScore float64
	Domain          string
	DomainConfidence float64
}

// Phase names the hybrid router's active policy at decision time.
type Phase string

const (
	PhaseExploration Phase = "exploration" // UCB1, phase 1
	PhaseContextual  Phase = "contextual"  // LinUCB/ctx-TS, phase 2
)

// RoutingDecision is the output of the routing engine for one Query.
type RoutingDecision struct {
	ID             string
	QueryID        string
	SelectedArm    string
	FallbackChain  []string
	Phase          Phase
	Confidence     float64
	Features       Features
	Reasoning      string
	CreatedAt      time.Time
}

// Response is what came back from the arm that actually served the query.
type Response struct {
	ID         string
	QueryID    string
	ArmID      string
	Text       string
	CostUSD    float64
	LatencyMs  int
	Tokens     int
	FellBack   bool
	Attempts   int
	CreatedAt  time.Time
}

// Feedback is the (possibly absent) quality signal collected after a Response.
type Feedback struct {
	ID              string
	ResponseID      string
	QualityScore    float64
	UserRating      *int
	MetExpectations *bool
	Comments        string
	CreatedAt       time.Time
}

// RoutingResult is the façade's return value: the response plus the
// decision metadata a caller needs to audit or display.
type RoutingResult struct {
	ID                string
	QueryID           string
	DecisionID        string
	Arm               string
	Text              string
	CostUSD           float64
	LatencyMs         int
	Tokens            int
	RoutingConfidence float64
	Reasoning         string
	FellBack          bool
}
