// Package admin implements the collaborator contract of spec.md 6: thin
// net/http handlers over the health service and configuration loader.
// Handlers only call into those services — they hold no decision logic
// of their own, per spec.md 1's "admin HTTP routes... merely call the
// health/user services".
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/saidutt46/tollbooth/internal/config"
	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/health"
	"github.com/saidutt46/tollbooth/internal/logging"
)

// AuditSource is implemented by internal/audit.Sink, kept as an interface
// here so this package doesn't require Postgres to be configured.
type AuditSource interface {
	Since(ctx context.Context, t time.Time) ([]events.Event, error)
}

// Handler serves the admin HTTP surface.
type Handler struct {
	health   *health.Service
	loader   *config.Loader
	adminKey string
	audit    AuditSource // nil when the audit sink is disabled
}

// New creates an admin Handler. audit may be nil if the audit sink is
// disabled (no AUDIT_DSN configured).
func New(healthSvc *health.Service, loader *config.Loader, adminKey string, audit AuditSource) *Handler {
	return &Handler{health: healthSvc, loader: loader, adminKey: adminKey, audit: audit}
}

// requireAdminKey enforces the admin bearer key, when configured.
func (h *Handler) requireAdminKey(w http.ResponseWriter, r *http.Request) bool {
	if h.adminKey == "" {
		return true
	}
	if r.Header.Get("X-Admin-Key") != h.adminKey {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

type healthResponse struct {
	Status    string     `json:"status"`
	UpdatedBy string     `json:"updated_by"`
	Reason    string     `json:"reason"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GetHealth handles GET /admin/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(w, r) {
		return
	}

	status := h.health.Get(r.Context())
	writeJSON(w, http.StatusOK, healthResponse{Status: string(status)})
}

type setHealthRequest struct {
	Status     string `json:"status"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	UpdatedBy  string `json:"updated_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SetHealth handles POST /admin/health.
func (h *Handler) SetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(w, r) {
		return
	}

	var req setHealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	status := health.Status(req.Status)
	if status != health.Normal && status != health.Degraded {
		writeJSONError(w, http.StatusBadRequest, "status must be NORMAL or DEGRADED")
		return
	}
	if req.UpdatedBy == "" {
		req.UpdatedBy = "admin"
	}

	record, err := h.health.Set(r.Context(), status, req.UpdatedBy, req.Reason, req.TTLSeconds)
	if err != nil {
		logging.WithComponent("admin").Error().Err(err).Msg("failed to set health")
		writeJSONError(w, http.StatusInternalServerError, "failed to update health")
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    string(record.Status),
		UpdatedBy: record.UpdatedBy,
		Reason:    record.Reason,
		UpdatedAt: record.UpdatedAt,
		ExpiresAt: record.ExpiresAt,
	})
}

type reloadResponse struct {
	Tiers       int `json:"tiers"`
	Users       int `json:"users"`
	Credentials int `json:"credentials"`
}

// ReloadConfig handles POST /admin/config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(w, r) {
		return
	}

	if err := h.loader.Reload(r.Context()); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snapshot := h.loader.Current()
	writeJSON(w, http.StatusOK, reloadResponse{
		Tiers:       len(snapshot.Tiers),
		Users:       len(snapshot.Users),
		Credentials: len(snapshot.Credentials),
	})
}

type putUserRequest struct {
	Tier string `json:"tier"`
}

// PutUser handles PUT /admin/users/{user_id}, creating or reassigning a
// user's tier. Persists via the configuration file write-back path
// (spec.md 9) rather than mutating an in-memory map directly, so the
// change survives a restart and is visible to every replica on its next
// file read or admin-triggered reload.
func (h *Handler) PutUser(w http.ResponseWriter, r *http.Request, userID string) {
	if !h.requireAdminKey(w, r) {
		return
	}
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var req putUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := h.loader.PutUser(r.Context(), userID, req.Tier); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "tier": req.Tier})
}

// DeleteUser handles DELETE /admin/users/{user_id}, also revoking any
// credentials that pointed at the deleted user.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request, userID string) {
	if !h.requireAdminKey(w, r) {
		return
	}
	if err := h.loader.DeleteUser(r.Context(), userID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putCredentialRequest struct {
	UserID string `json:"user_id"`
}

// PutCredential handles PUT /admin/credentials/{credential}, mapping it
// to an existing user.
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request, credential string) {
	if !h.requireAdminKey(w, r) {
		return
	}

	var req putCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := h.loader.PutCredential(r.Context(), credential, req.UserID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credential": credential, "user_id": req.UserID})
}

// DeleteCredential handles DELETE /admin/credentials/{credential}.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request, credential string) {
	if !h.requireAdminKey(w, r) {
		return
	}
	if err := h.loader.DeleteCredential(r.Context(), credential); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditEvents handles GET /admin/audit/events?since=<rfc3339>.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdminKey(w, r) {
		return
	}
	if h.audit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "audit sink not configured")
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	recent, err := h.audit.Since(r.Context(), since)
	if err != nil {
		logging.WithComponent("admin").Error().Err(err).Msg("audit query failed")
		writeJSONError(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	writeJSON(w, http.StatusOK, recent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
