package handler

import (
	"encoding/json"
	"net/http"

	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/dispute"
	"github.com/keyhive/keyhive/pkg/models"
)

// NewOpenDisputeHandler returns the handler for POST /api/v1/assignments/{assignmentID}/disputes.
func NewOpenDisputeHandler(h *dispute.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		var req struct {
			Reason   string `json:"reason"`
			Evidence string `json:"evidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Reason == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "reason is required", nil)
			return
		}

		d, err := h.Open(r.Context(), id, assignmentID, req.Reason, req.Evidence)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, d)
	}
}

// NewGetDisputeHandler returns the handler for GET /api/v1/disputes/{disputeID}.
func NewGetDisputeHandler(h *dispute.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		disputeID, ok := pathID(w, r, "disputeID")
		if !ok {
			return
		}

		d, err := h.Get(r.Context(), id, disputeID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, d)
	}
}

// NewResolveDisputeHandler returns the handler for POST /api/v1/disputes/{disputeID}/resolve.
func NewResolveDisputeHandler(h *dispute.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		disputeID, ok := pathID(w, r, "disputeID")
		if !ok {
			return
		}

		var req struct {
			Resolution string `json:"resolution"`
			Outcome    string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		outcome := models.DisputeOutcome(req.Outcome)
		if !outcome.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"outcome must be return_to_prior_state or force_close", nil)
			return
		}

		a, err := h.Resolve(r.Context(), id, disputeID, req.Resolution, outcome)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}
