// Package dispute gates the dispute branch of the assignment lifecycle:
// only parties to an assignment may open one, and only the initiator, the
// counterpart, or an admin may resolve it.
package dispute

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
)

var (
	ErrNotFound           = store.ErrNotFound
	ErrDisputeAlreadyOpen = store.ErrDisputeAlreadyOpen
	ErrDisputeNotOpen     = store.ErrDisputeNotOpen

	ErrUnauthorized = errors.New("actor is not a party to this dispute")
)

// Handler enforces who may open and resolve disputes. The state mechanics
// live in the assignment service and the store.
type Handler struct {
	store       store.Store
	assignments *assignment.Service
}

// NewHandler creates the dispute handler.
func NewHandler(s store.Store, assignments *assignment.Service) *Handler {
	return &Handler{store: s, assignments: assignments}
}

// Open freezes the assignment in the dispute state, remembering where it
// was. Any party to the assignment may open; one open dispute at a time.
func (h *Handler) Open(ctx context.Context, id models.Identity, assignmentID uuid.UUID, reason, evidence string) (*models.Dispute, error) {
	a, err := h.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !isParty(id, a) {
		return nil, ErrUnauthorized
	}

	return h.assignments.OpenDispute(ctx, id.ActorID, assignmentID, reason, evidence)
}

// Get returns one dispute, restricted to the assignment's parties.
func (h *Handler) Get(ctx context.Context, id models.Identity, disputeID uuid.UUID) (*models.Dispute, error) {
	d, err := h.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	a, err := h.store.GetAssignment(ctx, d.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !isParty(id, a) {
		return nil, ErrUnauthorized
	}
	return d, nil
}

// Resolve ends an open dispute. The initiator, the opposing party, or an
// admin may resolve; the outcome either restores the pre-dispute state or
// force-closes the assignment and releases its cell and fob.
func (h *Handler) Resolve(ctx context.Context, id models.Identity, disputeID uuid.UUID, resolution string, outcome models.DisputeOutcome) (*models.KeyAssignment, error) {
	d, err := h.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	a, err := h.store.GetAssignment(ctx, d.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && id.ActorID != d.InitiatorID && !isParty(id, a) {
		return nil, ErrUnauthorized
	}

	return h.assignments.ResolveDispute(ctx, id.ActorID, disputeID, resolution, outcome)
}

func isParty(id models.Identity, a *models.KeyAssignment) bool {
	if id.Admin() {
		return true
	}
	if a.HostID == id.ActorID {
		return true
	}
	if a.PartnerID != nil && *a.PartnerID == id.ActorID {
		return true
	}
	if a.GuestID != nil && *a.GuestID == id.ActorID {
		return true
	}
	return false
}
