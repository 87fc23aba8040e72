package api

import (
	"encoding/json"
	"net/http"

	"github.com/gateguard/gateguard/internal/metrics"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleHealthReady reports degraded (but still 200) when the shared store
// is unreachable: the guard keeps serving from the local fallback, so it
// must not be pulled out of rotation.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	storeAvailable := true
	if h.sharedStore != nil {
		storeAvailable = h.sharedStore.Available(r.Context())
	}
	metrics.SetStoreAvailable(storeAvailable)

	status := "ready"
	if !storeAvailable {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          status,
		"store_available": storeAvailable,
	})
}
