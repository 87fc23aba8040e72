package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gateguard/gateguard/internal/auth"
)

type resetRequest struct {
	SubjectID string `json:"subject_id"`
	Operation string `json:"operation"`
}

// handleAdminReset clears all counters for a subject and operation, in both
// the shared store and the local fallback.
func (h *Handler) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "subject_id and operation are required")
		return
	}

	if err := h.enforcer.Reset(r.Context(), req.SubjectID, req.Operation); err != nil {
		slog.Error("counter reset failed",
			"subject_id", req.SubjectID,
			"operation", req.Operation,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "reset failed")
		return
	}

	operator := "unknown"
	if user, ok := auth.AdminUserFromContext(r.Context()); ok {
		operator = user.Username
	}
	slog.Info("counters reset",
		"subject_id", req.SubjectID,
		"operation", req.Operation,
		"operator", operator,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"subject_id": req.SubjectID,
		"operation":  req.Operation,
	})
}

func (h *Handler) handleAdminPolicies(w http.ResponseWriter, r *http.Request) {
	type policyView struct {
		Operation   string  `json:"operation"`
		Algorithm   string  `json:"algorithm"`
		PerMinute   int     `json:"per_minute,omitempty"`
		PerHour     int     `json:"per_hour,omitempty"`
		Capacity    float64 `json:"capacity,omitempty"`
		RefillRate  float64 `json:"refill_per_second,omitempty"`
		RequireAuth bool    `json:"require_auth"`
	}

	views := make([]policyView, 0)
	for _, op := range h.table.Operations() {
		p, ok := h.table.Get(op)
		if !ok {
			continue
		}
		views = append(views, policyView{
			Operation:   p.Operation,
			Algorithm:   string(p.Algorithm),
			PerMinute:   p.Limits.PerMinute,
			PerHour:     p.Limits.PerHour,
			Capacity:    p.Limits.Capacity,
			RefillRate:  p.Limits.RefillPerSecond,
			RequireAuth: p.RequireAuth,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":  true,
		"policies": views,
	})
}
