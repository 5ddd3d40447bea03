package handler

import (
	"errors"
	"net/http"

	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/internal/dispute"
	"github.com/keyhive/keyhive/internal/hive"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/internal/token"
)

// writeError maps the domain error taxonomy onto HTTP status codes and
// stable error codes. Unknown errors become a generic 500 without leaking
// internals.
func writeError(w http.ResponseWriter, err error) {
	var conflict *store.StateConflictError
	if errors.As(err, &conflict) {
		response.Error(w, http.StatusConflict, "WRONG_STATE",
			"Assignment is not in the required state", map[string]any{
				"current":  conflict.Current,
				"expected": conflict.Expected,
			})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, assignment.ErrUnauthorized),
		errors.Is(err, hive.ErrUnauthorized),
		errors.Is(err, dispute.ErrUnauthorized):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not permitted for this actor", nil)
	case errors.Is(err, assignment.ErrAlreadyDropped):
		response.Error(w, http.StatusConflict, "ALREADY_DROPPED", "Drop-off was already confirmed", nil)
	case errors.Is(err, assignment.ErrInvalidCode):
		response.Error(w, http.StatusBadRequest, "INVALID_CODE", "Code does not match", nil)
	case errors.Is(err, assignment.ErrCodeExpired):
		response.Error(w, http.StatusGone, "CODE_EXPIRED", "Code has expired", nil)
	case errors.Is(err, store.ErrKeyAlreadyActive):
		response.Error(w, http.StatusConflict, "KEY_ALREADY_ACTIVE", "Key already has an active assignment", nil)
	case errors.Is(err, store.ErrCellUnavailable):
		response.Error(w, http.StatusConflict, "CELL_UNAVAILABLE", "Cell is not available", nil)
	case errors.Is(err, store.ErrFobUnavailable):
		response.Error(w, http.StatusConflict, "FOB_UNAVAILABLE", "NFC fob is not available", nil)
	case errors.Is(err, store.ErrHiveUnavailable):
		response.Error(w, http.StatusConflict, "HIVE_UNAVAILABLE", "Hive is not accepting drops", nil)
	case errors.Is(err, store.ErrCellMismatch):
		response.Error(w, http.StatusConflict, "CELL_MISMATCH", "Key must be returned to its assigned cell", nil)
	case errors.Is(err, store.ErrDisputeAlreadyOpen):
		response.Error(w, http.StatusConflict, "DISPUTE_ALREADY_OPEN", "Assignment already has an open dispute", nil)
	case errors.Is(err, store.ErrDisputeNotOpen):
		response.Error(w, http.StatusConflict, "DISPUTE_NOT_OPEN", "Dispute is not open", nil)
	case errors.Is(err, store.ErrTokenUsed):
		response.Error(w, http.StatusConflict, "TOKEN_ALREADY_USED", "Access token was already used", nil)
	case errors.Is(err, token.ErrTokenExpired):
		response.Error(w, http.StatusGone, "TOKEN_EXPIRED", "Access token has expired", nil)
	case errors.Is(err, assignment.ErrBadTokenType):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unsupported access token type", nil)
	case errors.Is(err, store.ErrDuplicate):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	case errors.Is(err, token.ErrLinkExpired):
		response.Error(w, http.StatusGone, "LINK_EXPIRED", "Magic link has expired", nil)
	case errors.Is(err, token.ErrLinkInvalid):
		response.Error(w, http.StatusNotFound, "LINK_INVALID", "Magic link is not valid", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
