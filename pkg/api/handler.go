// Package api exposes the engine's reporting and override commands over HTTP.
// Routes mount on a chi router; field names in request and response bodies are
// the stable wire contract the administration UI depends on.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quotaflow/quotaflow/pkg/quotaflow"
)

// Handler provides HTTP endpoints for quota reporting and administration.
type Handler struct {
	config Config
}

// Routes returns a chi router with all endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/businesses", h.ListBusinesses)
	r.Get("/businesses/{businessID}", h.GetBusiness)
	r.Get("/businesses/{businessID}/violations", h.ListViolations)
	r.Post("/admit", h.Admit)
	r.Post("/overrides", h.CreateOverride)
	r.Post("/overrides/revoke", h.RevokeOverride)
	r.Post("/violations/{violationID}/resolve", h.ResolveViolation)
	return r
}

// ListBusinesses returns reporting snapshots for every business, sorted by
// status priority with ties broken by business identifier.
func (h *Handler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	reports, err := h.config.Engine.ListReports(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]BusinessResponse, 0, len(reports))
	for _, rep := range reports {
		out = append(out, toBusinessResponse(rep))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetBusiness returns the reporting snapshot for one business.
func (h *Handler) GetBusiness(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	report, err := h.config.Engine.Report(r.Context(), businessID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBusinessResponse(report))
}

// ListViolations returns all violations for a business, newest first,
// including resolution state.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	violations, err := h.config.Engine.ListViolations(r.Context(), businessID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]ViolationResponse, 0, len(violations))
	for _, v := range violations {
		out = append(out, toViolationResponse(v))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Admit runs an admission check, committing the amount when allowed.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, &quotaflow.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	decision, err := h.config.Engine.Admit(r.Context(), req.BusinessID,
		quotaflow.Dimension(req.Dimension), req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, AdmitResponse{
		Allowed:     decision.Allowed,
		Used:        decision.Used,
		Limit:       decision.Limit,
		ViolationID: decision.ViolationID,
		OverrideID:  decision.OverrideID,
	})
}

// CreateOverride creates a new limit override, revoking any prior active
// override for the same (business, dimension).
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req CreateOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, &quotaflow.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	switch req.Duration {
	case durationTemporary:
		if req.ExpirationDate == nil {
			h.handleError(w, r, &quotaflow.ValidationError{
				Field: "expirationDate", Reason: "required for temporary overrides"})
			return
		}
	case durationPermanent:
		if req.ExpirationDate != nil {
			h.handleError(w, r, &quotaflow.ValidationError{
				Field: "expirationDate", Reason: "must be omitted for permanent overrides"})
			return
		}
	default:
		h.handleError(w, r, &quotaflow.ValidationError{
			Field: "duration", Reason: "must be temporary or permanent"})
		return
	}

	actor := h.actor(r)
	ovr, err := h.config.Engine.CreateOverride(r.Context(), quotaflow.OverrideRequest{
		BusinessID:  req.BusinessID,
		Dimension:   quotaflow.Dimension(req.Dimension),
		NewLimit:    req.NewLimit,
		Reason:      req.Reason,
		RequestedBy: actor,
		ApprovedBy:  actor,
		ExpiresAt:   req.ExpirationDate,
		Emergency:   req.IsEmergency,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toOverrideResponse(ovr))
}

// RevokeOverride marks an active override revoked.
func (h *Handler) RevokeOverride(w http.ResponseWriter, r *http.Request) {
	var req RevokeOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, &quotaflow.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	if req.OverrideID == "" {
		h.handleError(w, r, &quotaflow.ValidationError{Field: "overrideId", Reason: "must not be empty"})
		return
	}

	if err := h.config.Engine.RevokeOverride(r.Context(), req.OverrideID, h.actor(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveViolation stamps a resolution note and time on a violation.
func (h *Handler) ResolveViolation(w http.ResponseWriter, r *http.Request) {
	violationID := chi.URLParam(r, "violationID")

	var req ResolveViolationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, &quotaflow.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	if err := h.config.Engine.ResolveViolation(r.Context(), violationID, req.Note); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actor(r *http.Request) string {
	if h.config.GetActor == nil {
		return ""
	}
	return h.config.GetActor(r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Error("failed to encode response",
			quotaflow.Field{Key: "error", Value: err.Error()})
	}
}

// handleError maps engine errors to HTTP status codes: validation and
// configuration problems are the caller's fault, not-found maps to 404,
// lifecycle conflicts to 409, retry exhaustion to 503.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var verr *quotaflow.ValidationError
	var cerr *quotaflow.ConfigurationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Field = verr.Field
	case errors.As(err, &cerr):
		status = http.StatusBadRequest
	case errors.Is(err, quotaflow.ErrBusinessNotFound),
		errors.Is(err, quotaflow.ErrOverrideNotFound),
		errors.Is(err, quotaflow.ErrViolationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, quotaflow.ErrOverrideNotActive):
		status = http.StatusConflict
	case errors.Is(err, quotaflow.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, quotaflow.ErrRetryExhausted):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			quotaflow.Field{Key: "path", Value: r.URL.Path},
			quotaflow.Field{Key: "error", Value: err.Error()})
	}

	h.writeJSON(w, status, resp)
}
