package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/internal/cache"
	"github.com/keyhive/keyhive/internal/store"
)

// linkViewCacheTTL bounds how stale a cached link view can get: a pickup
// that lands right after a view is visible within this window.
const linkViewCacheTTL = 30 * time.Second

// NewViewMagicLinkHandler returns the handler for GET /api/v1/links/{token}.
// Public: the signed token is the credential. Viewing shows the pickup code
// but never consumes it, so hot links are served from a short-lived cache.
func NewViewMagicLinkHandler(svc *assignment.Service, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "token")
		if raw == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required", nil)
			return
		}
		key := cache.MagicLinkViewKey(raw)

		if c != nil {
			if cached, ok, err := c.Get(r.Context(), key); err == nil && ok {
				response.JSON(w, json.RawMessage(cached))
				return
			}
		}

		a, code, err := svc.ViewMagicLink(r.Context(), raw)
		if err != nil {
			// A view that now conflicts evicts whatever a racing
			// request may have cached moments earlier.
			if c != nil && errors.Is(err, store.ErrStateConflict) {
				c.Delete(r.Context(), key)
			}
			writeError(w, err)
			return
		}

		body := map[string]any{
			"assignment_id": a.ID,
			"state":         a.State,
			"hive_id":       a.HiveID,
			"cell_id":       a.CellID,
			"pickup_code":   code,
		}
		if a.PickupCodeExpiresAt != nil {
			body["pickup_code_expires_at"] = a.PickupCodeExpiresAt.UTC().Format(time.RFC3339)
		}

		if c != nil {
			if payload, err := json.Marshal(body); err == nil {
				c.Set(r.Context(), key, payload, linkViewCacheTTL)
			}
		}
		response.JSON(w, body)
	}
}
