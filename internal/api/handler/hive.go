package handler

import (
	"encoding/json"
	"net/http"

	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/hive"
	"github.com/keyhive/keyhive/pkg/models"
)

// NewRegisterHiveHandler returns the handler for POST /api/v1/hives.
func NewRegisterHiveHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		var req struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		h := &models.Hive{
			Name:    req.Name,
			Address: req.Address,
		}
		if err := reg.RegisterHive(r.Context(), id, h); err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, h)
	}
}

// NewListHivesHandler returns the handler for GET /api/v1/hives.
func NewListHivesHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hives, err := reg.ListHives(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, hives)
	}
}

// NewGetHiveHandler returns the handler for GET /api/v1/hives/{hiveID}.
func NewGetHiveHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		h, err := reg.GetHive(r.Context(), hiveID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, h)
	}
}

// NewHiveCapacityHandler returns the handler for GET /api/v1/hives/{hiveID}/capacity.
func NewHiveCapacityHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		snap, err := reg.Capacity(r.Context(), hiveID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, snap)
	}
}

// NewSetHiveStatusHandler returns the handler for POST /api/v1/hives/{hiveID}/status.
func NewSetHiveStatusHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		status := models.HiveStatus(req.Status)
		if !status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be active, idle, maintenance or offline", nil)
			return
		}

		h, err := reg.SetHiveStatus(r.Context(), id, hiveID, status)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, h)
	}
}

// NewAddCellHandler returns the handler for POST /api/v1/hives/{hiveID}/cells.
func NewAddCellHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		var req struct {
			CellNumber int `json:"cell_number"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.CellNumber <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "cell_number must be positive", nil)
			return
		}

		c, err := reg.AddCell(r.Context(), id, hiveID, req.CellNumber)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, c)
	}
}

// NewListCellsHandler returns the handler for GET /api/v1/hives/{hiveID}/cells.
func NewListCellsHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		cells, err := reg.ListCells(r.Context(), hiveID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, cells)
	}
}

// NewCellHeartbeatHandler returns the handler for POST /api/v1/cells/{cellID}/heartbeat.
func NewCellHeartbeatHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cellID, ok := pathID(w, r, "cellID")
		if !ok {
			return
		}

		if err := reg.RecordHeartbeat(r.Context(), cellID); err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}

// NewSetCellStatusHandler returns the handler for POST /api/v1/cells/{cellID}/status.
func NewSetCellStatusHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		cellID, ok := pathID(w, r, "cellID")
		if !ok {
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		status := models.CellStatus(req.Status)
		if !status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be available, occupied, maintenance or offline", nil)
			return
		}

		if err := reg.SetCellStatus(r.Context(), id, cellID, status); err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}

// NewRegisterFobHandler returns the handler for POST /api/v1/hives/{hiveID}/fobs.
func NewRegisterFobHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		var req struct {
			UID       string `json:"uid"`
			Serial    string `json:"serial"`
			SlotLabel string `json:"slot_label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.UID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "uid is required", nil)
			return
		}

		f, err := reg.RegisterFob(r.Context(), id, hiveID, req.UID, req.Serial, req.SlotLabel)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, f)
	}
}

// NewListFobsHandler returns the handler for GET /api/v1/hives/{hiveID}/fobs.
func NewListFobsHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hiveID, ok := pathID(w, r, "hiveID")
		if !ok {
			return
		}

		fobs, err := reg.ListFobs(r.Context(), hiveID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, fobs)
	}
}

// NewSetFobStatusHandler returns the handler for POST /api/v1/fobs/{fobID}/status.
func NewSetFobStatusHandler(reg *hive.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		fobID, ok := pathID(w, r, "fobID")
		if !ok {
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		status := models.FobStatus(req.Status)
		if !status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be available, assigned or damaged", nil)
			return
		}

		if err := reg.SetFobStatus(r.Context(), id, fobID, status); err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "ok"})
	}
}
