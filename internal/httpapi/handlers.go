package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/domain"
)

type completeRequest struct {
	Prompt      string             `json:"prompt"`
	UserID      string             `json:"user_id,omitempty"`
	Constraints *constraintsPayload `json:"constraints,omitempty"`
}

type constraintsPayload struct {
	MaxCostUSD        *float64 `json:"max_cost,omitempty"`
	MaxLatencyMs      *int     `json:"max_latency_ms,omitempty"`
	MinQuality        *float64 `json:"min_quality,omitempty"`
	PreferredProvider *string  `json:"preferred_provider,omitempty"`
}

type completeResponse struct {
	ID                string  `json:"id"`
	QueryID           string  `json:"query_id"`
	DecisionID        string  `json:"decision_id"`
	Model             string  `json:"model"`
	Text              string  `json:"text"`
	CostUSD           float64 `json:"cost_usd"`
	LatencyMs         int     `json:"latency_ms"`
	Tokens            int     `json:"tokens"`
	RoutingConfidence float64 `json:"routing_confidence"`
	Reasoning         string  `json:"reasoning"`
	FellBack          bool    `json:"fell_back"`
}

func completeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			http.Error(w, "prompt required", http.StatusBadRequest)
			return
		}
		var constraints domain.QueryConstraints
		if req.Constraints != nil {
			constraints = domain.QueryConstraints{
				MaxCostUSD:        req.Constraints.MaxCostUSD,
				MaxLatencyMs:      req.Constraints.MaxLatencyMs,
				MinQuality:        req.Constraints.MinQuality,
				PreferredProvider: req.Constraints.PreferredProvider,
			}
		}

		result, err := d.Service.Complete(r.Context(), req.Prompt, req.UserID, constraints)
		if err != nil {
			d.observe(result, err, start)
			writeError(w, err)
			return
		}
		d.observe(result, nil, start)

		writeJSON(w, http.StatusOK, completeResponse{
			ID: result.ID, QueryID: result.QueryID, DecisionID: result.DecisionID,
			Model: result.Arm, Text: result.Text,
			CostUSD: result.CostUSD, LatencyMs: result.LatencyMs, Tokens: result.Tokens,
			RoutingConfidence: result.RoutingConfidence, Reasoning: result.Reasoning,
			FellBack: result.FellBack,
		})
	}
}

type feedbackRequest struct {
	DecisionID      string  `json:"decision_id"`
	ResponseID      string  `json:"response_id"`
	Model           string  `json:"model,omitempty"`
	QualityScore    float64 `json:"quality_score"`
	UserRating      *int    `json:"user_rating,omitempty"`
	MetExpectations *bool   `json:"met_expectations,omitempty"`
	Comments        string  `json:"comments,omitempty"`
}

func feedbackHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.DecisionID == "" {
			http.Error(w, "decision_id required", http.StatusBadRequest)
			return
		}
		if req.UserRating != nil && (*req.UserRating < 1 || *req.UserRating > 5) {
			http.Error(w, "user_rating must be between 1 and 5", http.StatusBadRequest)
			return
		}
		fb := domain.Feedback{
			ResponseID:      req.ResponseID,
			QualityScore:    req.QualityScore,
			UserRating:      req.UserRating,
			MetExpectations: req.MetExpectations,
			Comments:        req.Comments,
		}
		if err := d.Service.RecordFeedback(r.Context(), req.DecisionID, req.Model, fb); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	}
}

func armsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		reg := d.Service.Registry()
		writeJSON(w, http.StatusOK, map[string]any{
			"arms":  reg.All(),
			"stats": reg.Stats(),
		})
	}
}

func statsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		router := d.Service.Router()
		writeJSON(w, http.StatusOK, map[string]any{
			"phase":          router.Phase(),
			"conflict_count": d.Service.ConflictCount(),
			"phase1":         router.Phase1().Stats(),
			"phase2":         router.Phase2().Stats(),
		})
	}
}

// observe records per-request metrics; arm/provider labels come from the
// result when one exists.
func (d Dependencies) observe(result domain.RoutingResult, err error, start time.Time) {
	if d.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	arm, provider := result.Arm, ""
	if arm == "" {
		arm = "none"
	} else if i := strings.IndexByte(arm, ':'); i > 0 {
		provider = arm[:i]
	}
	phase := string(d.Service.Router().Phase())
	d.Metrics.RequestsTotal.WithLabelValues(arm, provider, phase, status).Inc()
	if err == nil {
		d.Metrics.RequestLatency.WithLabelValues(arm, provider).Observe(float64(time.Since(start).Milliseconds()))
		d.Metrics.CostUSD.WithLabelValues(arm, provider).Add(result.CostUSD)
		if result.FellBack {
			d.Metrics.FallbackTotal.Inc()
		}
	} else if ce, ok := err.(*conduiterr.ConduitError); ok && ce.Code == conduiterr.CodeAllModelsFailed {
		d.Metrics.AllModelsFailed.Inc()
	}
}
