package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// NewCreateKeyHandler returns the handler for POST /api/v1/keys. Hosts
// register the physical keys they intend to exchange.
func NewCreateKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		if id.Role != models.RoleHost && !id.Admin() {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Only hosts register keys", nil)
			return
		}

		var req struct {
			Label       string `json:"label"`
			KeyType     string `json:"key_type"`
			PackageType string `json:"package_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Label == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "label is required", nil)
			return
		}

		keyType := models.KeyType(req.KeyType)
		if keyType == "" {
			keyType = models.KeyTypeMaster
		}
		packageType := models.PackageType(req.PackageType)
		if packageType == "" {
			packageType = models.PackagePayPerUse
		}

		now := time.Now().UTC()
		key := &models.Key{
			ID:          uuid.New(),
			HostID:      id.ActorID,
			Label:       req.Label,
			KeyType:     keyType,
			PackageType: packageType,
			Status:      models.KeyStatusCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.CreateKey(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, key)
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/keys.
func NewListKeysHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}

		keys, err := s.ListKeysByHost(r.Context(), id.ActorID)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, keys)
	}
}

// NewGetKeyHandler returns the handler for GET /api/v1/keys/{keyID}. The
// response carries the derived status from the key's latest assignment.
func NewGetKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		keyID, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}

		key, err := s.GetKey(r.Context(), keyID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !id.Admin() && key.HostID != id.ActorID {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not permitted for this actor", nil)
			return
		}
		response.JSON(w, key)
	}
}

// NewCreateActorHandler returns the handler for POST /api/v1/admin/actors.
func NewCreateActorHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Role    string `json:"role"`
			Name    string `json:"name"`
			Contact string `json:"contact"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		role := models.Role(req.Role)
		if !role.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"role must be host, partner, guest or admin", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		actor := &models.Actor{
			ID:        uuid.New(),
			Role:      role,
			Name:      req.Name,
			Contact:   req.Contact,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateActor(r.Context(), actor); err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, actor)
	}
}

// NewCreateAPIKeyHandler returns the handler for POST /api/v1/admin/keys.
// The raw key appears once in the response and is never retrievable again.
func NewCreateAPIKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ActorID string `json:"actor_id"`
			Name    string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "actor_id must be a valid UUID", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}

		actor, err := s.GetActor(r.Context(), actorID)
		if err != nil {
			writeError(w, err)
			return
		}

		rawKey, err := mintRawAPIKey()
		if err != nil {
			writeError(w, err)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, err)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			ActorID:   actor.ID,
			Role:      actor.Role,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"actor_id":   key.ActorID,
			"role":       key.Role,
			"name":       key.Name,
			"key_prefix": key.KeyPrefix,
			"raw_key":    rawKey,
		})
	}
}

// NewListAPIKeysHandler returns the handler for GET /api/v1/admin/keys.
func NewListAPIKeysHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, keys)
	}
}

// NewRevokeAPIKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeAPIKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}

		if err := s.RevokeAPIKey(r.Context(), keyID); err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, map[string]string{"status": "revoked"})
	}
}

// mintRawAPIKey produces a "kh_" prefixed random credential.
func mintRawAPIKey() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "kh_" + hex.EncodeToString(buf), nil
}
