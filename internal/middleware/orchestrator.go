// Package middleware implements the Rate-Limit Decision Orchestrator
// (spec.md 4.7) as idiomatic net/http middleware: a single
// func(http.Handler) http.Handler that sequences credential extraction,
// abuse suppression, identity resolution, health lookup, effective-limit
// calculation, and the sliding-window admission check on every request.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/saidutt46/tollbooth/internal/abuse"
	"github.com/saidutt46/tollbooth/internal/config"
	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/health"
	"github.com/saidutt46/tollbooth/internal/identity"
	"github.com/saidutt46/tollbooth/internal/limits"
	"github.com/saidutt46/tollbooth/internal/logging"
	"github.com/saidutt46/tollbooth/internal/ratelimit"
)

// Config wires the orchestrator's collaborators and tunables.
type Config struct {
	Loader     *config.Loader
	Resolver   *identity.Resolver
	Abuse      *abuse.Guard
	Health     *health.Service
	Counter    *ratelimit.Counter
	Publisher  events.Publisher
	Allowlist  *Allowlist
	HeaderName string // credential header; default X-API-Key
}

// Orchestrator sequences the rate-limit decision for every request.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator from cfg, applying defaults.
func New(cfg Config) *Orchestrator {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-API-Key"
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = NewAllowlist(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopBus{}
	}
	return &Orchestrator{cfg: cfg}
}

// Handler wraps next with the rate-limit decision, per spec.md 4.7.
func (o *Orchestrator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		w = rec

		defer func() {
			if panicked := recover(); panicked != nil {
				logging.LogPanic(panicked)
				writeError(w, http.StatusInternalServerError, "internal", "internal error", requestID)
				return
			}
			logging.LogRequest(r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
		}()

		// Step 1: allowlist short-circuit.
		if o.cfg.Allowlist.Match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		addr := sourceAddr(r)

		// Step 3: abuse-suppression block check, before credential
		// validation, so a blocked address never consumes user quota.
		blocked, retryAfter, err := o.cfg.Abuse.IsBlocked(ctx, addr)
		if err != nil {
			logging.WithRequestID(requestID).Error().Str("component", "orchestrator").Err(err).Msg("abuse check failed")
			writeError(w, http.StatusInternalServerError, "internal", "internal error", requestID)
			return
		}
		if blocked {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "blocked", "source address temporarily blocked", requestID)
			return
		}

		// Step 2 + 4: credential extraction and resolution.
		credential := r.Header.Get(o.cfg.HeaderName)
		resolution, resolveErr := o.cfg.Resolver.Resolve(credential)
		if resolveErr != nil {
			o.cfg.Abuse.RecordInvalidCredential(ctx, addr)
			writeError(w, http.StatusUnauthorized, "invalid_credential", "invalid or missing credential", requestID)
			return
		}

		// Step 5: cached health read.
		status := o.cfg.Health.Get(ctx)

		// Step 6: effective limit.
		lowPriorityTier, _ := o.cfg.Loader.Current().LowestPriorityTier()
		effectiveLimit := limits.Effective(resolution.Tier, status, lowPriorityTier)

		// Step 7: sliding-window admission.
		result, err := o.cfg.Counter.Allow(ctx, resolution.UserID, resolution.Tier.WindowSeconds, effectiveLimit)
		if err != nil {
			if err == ratelimit.ErrUnavailable {
				// Step 10: fail-open on store unavailability.
				w.Header().Set("X-RateLimit-Degraded", "true")
				next.ServeHTTP(w, r)
				return
			}
			logging.WithRequestID(requestID).Error().Str("component", "orchestrator").Err(err).Msg("sliding window check failed")
			writeError(w, http.StatusInternalServerError, "internal", "internal error", requestID)
			return
		}

		resetAt := result.ResetAt.Unix()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !result.Allowed {
			// Step 9.
			retryAfterSeconds := int(time.Until(result.ResetAt).Seconds())
			if retryAfterSeconds < 1 {
				retryAfterSeconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeLimitExceeded(w, resolution.Tier.Name, result.Limit, requestID)
			return
		}

		// Step 8: admitted, continue downstream.
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written downstream so the
// completion log can report it, since http.ResponseWriter has no getter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func sourceAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: message, RequestID: requestID})
}

type limitExceededBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	RequestID string `json:"request_id"`
}

func writeLimitExceeded(w http.ResponseWriter, tier string, limit int, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(limitExceededBody{
		Code:      "limit_exceeded",
		Message:   "rate limit exceeded",
		Tier:      tier,
		Limit:     limit,
		RequestID: requestID,
	})
}
