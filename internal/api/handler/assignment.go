package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/keyhive/keyhive/internal/api/middleware"
	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
)

// identity pulls the authenticated identity set by the auth middleware,
// answering 401 when it is missing.
func identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := mw.GetIdentity(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
	}
	return id, ok
}

// pathID parses the named chi URL parameter as a UUID, answering 400 on
// malformed input.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// NewCreateAssignmentHandler returns the handler for POST /api/v1/assignments.
func NewCreateAssignmentHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		var req struct {
			KeyID string `json:"key_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		keyID, err := uuid.Parse(req.KeyID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key_id must be a valid UUID", nil)
			return
		}

		a, err := svc.Create(r.Context(), id, keyID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, a)
	}
}

// NewGetAssignmentHandler returns the handler for GET /api/v1/assignments/{assignmentID}.
func NewGetAssignmentHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		a, err := svc.Get(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewListAssignmentsHandler returns the handler for GET /api/v1/assignments.
func NewListAssignmentsHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		filter := store.AssignmentFilter{
			Page:  queryInt(r, "page", 1),
			Limit: queryInt(r, "limit", 20),
		}
		if s := r.URL.Query().Get("state"); s != "" {
			state := models.AssignmentState(s)
			if !state.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown state filter", nil)
				return
			}
			filter.State = state
		}
		if k := r.URL.Query().Get("key_id"); k != "" {
			keyID, err := uuid.Parse(k)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key_id must be a valid UUID", nil)
				return
			}
			filter.KeyID = keyID
		}
		if h := r.URL.Query().Get("hive_id"); h != "" {
			hiveID, err := uuid.Parse(h)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "hive_id must be a valid UUID", nil)
				return
			}
			filter.HiveID = hiveID
		}

		items, total, err := svc.List(r.Context(), id, filter)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Collection(w, items, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewScheduleDropHandler returns the handler for POST /api/v1/assignments/{assignmentID}/schedule.
func NewScheduleDropHandler(svc *assignment.Service) http.HandlerFunc {
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
			HiveID      string `json:"hive_id"`
			ScheduledAt string `json:"scheduled_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		hiveID, err := uuid.Parse(req.HiveID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "hive_id must be a valid UUID", nil)
			return
		}
		scheduledAt := time.Now().UTC()
		if req.ScheduledAt != "" {
			scheduledAt, err = time.Parse(time.RFC3339, req.ScheduledAt)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scheduled_at must be a valid RFC3339 timestamp", nil)
				return
			}
		}

		a, err := svc.ScheduleDrop(r.Context(), id, assignmentID, hiveID, scheduledAt)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewConfirmDropHandler returns the handler for POST /api/v1/assignments/{assignmentID}/drop.
func NewConfirmDropHandler(svc *assignment.Service) http.HandlerFunc {
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
			CellID string `json:"cell_id"`
			FobID  string `json:"nfc_fob_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		cellID, err := uuid.Parse(req.CellID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "cell_id must be a valid UUID", nil)
			return
		}
		fobID, err := uuid.Parse(req.FobID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "nfc_fob_id must be a valid UUID", nil)
			return
		}

		a, err := svc.ConfirmDrop(r.Context(), id, assignmentID, cellID, fobID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewPickupCodeHandler returns the handler for GET /api/v1/assignments/{assignmentID}/pickup-code.
func NewPickupCodeHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		code, expiresAt, err := svc.PickupCode(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"pickup_code": code,
			"expires_at":  expiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// NewValidatePickupHandler returns the handler for POST /api/v1/assignments/{assignmentID}/pickup.
func NewValidatePickupHandler(svc *assignment.Service) http.HandlerFunc {
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
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Code == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "code is required", nil)
			return
		}

		a, err := svc.ValidatePickup(r.Context(), id, assignmentID, req.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewMarkInUseHandler returns the handler for POST /api/v1/assignments/{assignmentID}/in-use.
func NewMarkInUseHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		a, err := svc.MarkInUse(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewInitiateReturnHandler returns the handler for POST /api/v1/assignments/{assignmentID}/return.
func NewInitiateReturnHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		a, err := svc.InitiateReturn(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewConfirmReturnHandler returns the handler for POST /api/v1/assignments/{assignmentID}/return/confirm.
func NewConfirmReturnHandler(svc *assignment.Service) http.HandlerFunc {
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
			CellID string `json:"cell_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		cellID, err := uuid.Parse(req.CellID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "cell_id must be a valid UUID", nil)
			return
		}

		a, err := svc.ConfirmReturn(r.Context(), id, assignmentID, cellID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewCloseAssignmentHandler returns the handler for POST /api/v1/assignments/{assignmentID}/close.
func NewCloseAssignmentHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		a, err := svc.Close(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewIssueMagicLinkHandler returns the handler for POST /api/v1/assignments/{assignmentID}/magic-link.
func NewIssueMagicLinkHandler(svc *assignment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		assignmentID, ok := pathID(w, r, "assignmentID")
		if !ok {
			return
		}

		link, expiresAt, err := svc.IssueMagicLink(r.Context(), id, assignmentID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, map[string]any{
			"token":      link,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
