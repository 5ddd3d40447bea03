package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/pkg/models"
)

// NewIssueAccessTokenHandler returns the handler for POST /api/v1/assignments/{assignmentID}/tokens.
// It mints a qr or nfc credential for an available assignment.
func NewIssueAccessTokenHandler(svc *assignment.Service) http.HandlerFunc {
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
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		t, err := svc.IssueAccessToken(r.Context(), id, assignmentID, models.TokenType(req.Type))
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, map[string]any{
			"assignment_id": t.AssignmentID,
			"type":          t.Type,
			"value":         t.Value,
			"expires_at":    t.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// NewRedeemAccessTokenHandler returns the handler for POST /api/v1/tokens/redeem.
// Hive readers call it with a scanned qr payload or a tapped nfc value.
func NewRedeemAccessTokenHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		var req struct {
			Value string `json:"value"`
			Type  string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Value == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "value is required", nil)
			return
		}

		a, err := svc.RedeemAccessToken(r.Context(), id, req.Value, models.TokenType(req.Type))
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}
