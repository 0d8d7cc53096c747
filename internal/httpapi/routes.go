// Package httpapi is Conduit's HTTP surface: a thin JSON layer over
// internal/facade.Service. Handlers decode, call the façade and translate
// the typed error taxonomy into status codes; no routing logic lives here.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conduitrouter/conduit/internal/conduiterr"
	"github.com/conduitrouter/conduit/internal/facade"
	"github.com/conduitrouter/conduit/internal/metrics"
	"github.com/conduitrouter/conduit/internal/ratelimit"
)

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Service *facade.Service
	Metrics *metrics.Registry

	// RateLimiter guards the /v1 routes (nil = no rate limiting).
	RateLimiter *ratelimit.Limiter

	Logger *slog.Logger
}

// maxRequestBodySize caps POST bodies at 1 MB; prompts are text, not uploads.
const maxRequestBodySize = 1 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes attaches every Conduit endpoint to r.
func MountRoutes(r chi.Router, d Dependencies) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		stats := d.Service.Registry().Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"arms":   stats.TotalArms,
			"phase":  d.Service.Router().Phase(),
		})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if d.RateLimiter != nil {
			v1.Use(d.RateLimiter.Middleware)
		}
		v1.Use(bodySizeLimit(maxRequestBodySize))
		v1.Post("/complete", completeHandler(d))
		v1.Post("/feedback", feedbackHandler(d))
		v1.Get("/arms", armsHandler(d))
		v1.Get("/stats", statsHandler(d))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the typed error taxonomy onto HTTP statuses; anything
// untyped is a 500.
func writeError(w http.ResponseWriter, err error) {
	code := conduiterr.Code("INTERNAL")
	message := err.Error()
	if ce, ok := err.(*conduiterr.ConduitError); ok {
		code = ce.Code
		message = ce.Message
	}
	writeJSON(w, statusFor(code), map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func statusFor(code conduiterr.Code) int {
	switch code {
	case conduiterr.CodeValidationError:
		return http.StatusBadRequest
	case conduiterr.CodeAnalysisFailed, conduiterr.CodeRoutingFailed:
		return http.StatusUnprocessableEntity
	case conduiterr.CodeAllModelsFailed, conduiterr.CodeExecutionFailed:
		return http.StatusBadGateway
	case conduiterr.CodeStateVersionConflict:
		return http.StatusConflict
	case conduiterr.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case conduiterr.CodeCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
