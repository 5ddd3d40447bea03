// Package assignment owns the lifecycle of a key assignment: drop-off,
// pickup, return, and the dispute branch. Every operation validates the
// caller's role, performs one atomic store operation, and emits an audit
// event after the fact.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/internal/audit"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/internal/token"
	"github.com/keyhive/keyhive/pkg/models"
)

// Persistence-detected failures surface under the store's sentinels.
var (
	ErrNotFound         = store.ErrNotFound
	ErrKeyAlreadyActive = store.ErrKeyAlreadyActive
	ErrCellUnavailable  = store.ErrCellUnavailable
	ErrFobUnavailable   = store.ErrFobUnavailable
	ErrHiveUnavailable  = store.ErrHiveUnavailable
	ErrCellMismatch     = store.ErrCellMismatch
	ErrStateConflict    = store.ErrStateConflict
)

var (
	// ErrAlreadyDropped is the idempotency answer to a second ConfirmDrop:
	// the state check, not code reuse, rejects it.
	ErrAlreadyDropped = errors.New("assignment already dropped")

	ErrInvalidCode = errors.New("pickup code does not match")
	ErrCodeExpired = errors.New("pickup code has expired")

	// ErrBadTokenType rejects issuing or redeeming anything but the
	// machine-presented qr and nfc tokens.
	ErrBadTokenType = errors.New("unsupported access token type")

	ErrUnauthorized = errors.New("actor not authorized for this operation")
)

// codeMintAttempts bounds retries when a freshly minted code collides with
// an existing one.
const codeMintAttempts = 3

// Service is the key assignment state machine.
type Service struct {
	store  store.Store
	codes  *token.Generator
	tokens *token.Validator
	audit  *audit.Emitter

	// pickupTTL is how long a pickup code stays valid after the key
	// becomes available in its cell.
	pickupTTL time.Duration

	now func() time.Time
}

// NewService creates the state machine service.
func NewService(s store.Store, codes *token.Generator, tokens *token.Validator, emitter *audit.Emitter, pickupTTL time.Duration) *Service {
	return &Service{
		store:     s,
		codes:     codes,
		tokens:    tokens,
		audit:     emitter,
		pickupTTL: pickupTTL,
		now:       time.Now,
	}
}

// Create starts a new assignment cycle for a key. The key must belong to
// the calling host and must not have another live cycle.
func (s *Service) Create(ctx context.Context, id models.Identity, keyID uuid.UUID) (*models.KeyAssignment, error) {
	if id.Role != models.RoleHost && !id.Admin() {
		return nil, ErrUnauthorized
	}

	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && key.HostID != id.ActorID {
		return nil, ErrUnauthorized
	}

	var a *models.KeyAssignment
	for attempt := 0; attempt < codeMintAttempts; attempt++ {
		code, err := s.codes.Code()
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		a = &models.KeyAssignment{
			ID:          uuid.New(),
			KeyID:       keyID,
			HostID:      key.HostID,
			DropOffCode: &code,
			State:       models.StatePendingDrop,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.store.CreateAssignment(ctx, a)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.audit.Emit(ctx, "assignment", a.ID, "assignment.created", &id.ActorID,
			map[string]any{"key_id": keyID})
		return a, nil
	}
	return nil, fmt.Errorf("mint drop-off code: exhausted %d attempts", codeMintAttempts)
}

// ScheduleDrop binds the target hive for a pending assignment. The cell is
// reserved later, at physical drop confirmation, because hive inventory may
// change in the meantime.
func (s *Service) ScheduleDrop(ctx context.Context, id models.Identity, assignmentID, hiveID uuid.UUID, scheduledAt time.Time) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && a.HostID != id.ActorID {
		return nil, ErrUnauthorized
	}

	hive, err := s.store.GetHive(ctx, hiveID)
	if err != nil {
		return nil, err
	}
	if !hive.Status.AcceptsDrops() {
		return nil, ErrHiveUnavailable
	}

	a, err = s.store.ScheduleDrop(ctx, assignmentID, hiveID, scheduledAt)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.scheduled", &id.ActorID,
		map[string]any{"hive_id": hiveID, "scheduled_at": scheduledAt})
	return a, nil
}

// ConfirmDrop is the partner-driven latching point: the key is physically in
// the cell, the fob is bound, and the pickup code is issued. Cell and fob
// reservation happen atomically with the transition.
func (s *Service) ConfirmDrop(ctx context.Context, id models.Identity, assignmentID, cellID, fobID uuid.UUID) (*models.KeyAssignment, error) {
	if id.Role != models.RolePartner && !id.Admin() {
		return nil, ErrUnauthorized
	}

	cell, err := s.store.GetCell(ctx, cellID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCellUnavailable
		}
		return nil, err
	}
	hive, err := s.store.GetHive(ctx, cell.HiveID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && hive.PartnerID != id.ActorID {
		return nil, ErrUnauthorized
	}

	for attempt := 0; attempt < codeMintAttempts; attempt++ {
		code, err := s.codes.Code()
		if err != nil {
			return nil, err
		}
		a, err := s.store.ConfirmDrop(ctx, store.ConfirmDropParams{
			AssignmentID:        assignmentID,
			CellID:              cellID,
			FobID:               fobID,
			PartnerID:           id.ActorID,
			PickupCode:          code,
			PickupCodeExpiresAt: s.now().UTC().Add(s.pickupTTL),
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, mapDropConflict(err)
		}
		s.audit.Emit(ctx, "assignment", a.ID, "assignment.available", &id.ActorID,
			map[string]any{"cell_id": cellID, "nfc_fob_id": fobID})
		return a, nil
	}
	return nil, fmt.Errorf("mint pickup code: exhausted %d attempts", codeMintAttempts)
}

// mapDropConflict turns a lost pending_drop compare-and-swap into the
// idempotency error the caller expects.
func mapDropConflict(err error) error {
	var conflict *store.StateConflictError
	if errors.As(err, &conflict) && conflict.Expected == models.StatePendingDrop {
		if conflict.Current != models.StateClosed && conflict.Current != models.StateDispute {
			return ErrAlreadyDropped
		}
	}
	return err
}

// PickupCode returns the code a guest must present, re-issuing the identical
// code on every call so a code already shared is never invalidated.
func (s *Service) PickupCode(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (string, time.Time, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !s.isParticipant(id, a) {
		return "", time.Time{}, ErrUnauthorized
	}
	if a.State != models.StateAvailable || a.PickupCode == nil {
		return "", time.Time{}, &store.StateConflictError{Current: a.State, Expected: models.StateAvailable}
	}
	return *a.PickupCode, *a.PickupCodeExpiresAt, nil
}

// ValidatePickup checks the presented code and hands the key over. The
// state transition is a compare-and-swap, so of N concurrent presentations
// of the correct code exactly one succeeds.
func (s *Service) ValidatePickup(ctx context.Context, id models.Identity, assignmentID uuid.UUID, presentedCode string) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.State != models.StateAvailable {
		return nil, &store.StateConflictError{Current: a.State, Expected: models.StateAvailable}
	}
	if a.PickupCode == nil || *a.PickupCode != presentedCode {
		return nil, ErrInvalidCode
	}
	if a.PickupCodeExpiresAt != nil && s.now().After(*a.PickupCodeExpiresAt) {
		return nil, ErrCodeExpired
	}

	key, err := s.store.GetKey(ctx, a.KeyID)
	if err != nil {
		return nil, err
	}
	expectedReturn := s.now().UTC().Add(key.PackageType.ReturnWindow())

	var guestID *uuid.UUID
	if id.Role == models.RoleGuest {
		guestID = &id.ActorID
	}

	a, err = s.store.PickupAssignment(ctx, assignmentID, guestID, expectedReturn)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.picked_up", &id.ActorID,
		map[string]any{"expected_return_at": expectedReturn})
	return a, nil
}

// IssueAccessToken mints a machine-presented credential for an available
// assignment: a qr payload for the magic-link screen or an nfc value burned
// onto the fob. The otp token already exists; drop confirmation minted it.
func (s *Service) IssueAccessToken(ctx context.Context, id models.Identity, assignmentID uuid.UUID, typ models.TokenType) (*models.AccessToken, error) {
	if typ != models.TokenTypeQR && typ != models.TokenTypeNFC {
		return nil, ErrBadTokenType
	}

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(id, a) {
		return nil, ErrUnauthorized
	}
	if a.State != models.StateAvailable {
		return nil, &store.StateConflictError{Current: a.State, Expected: models.StateAvailable}
	}

	// Machine tokens share the pickup code's validity window.
	expiresAt := s.now().UTC().Add(s.pickupTTL)
	if a.PickupCodeExpiresAt != nil {
		expiresAt = *a.PickupCodeExpiresAt
	}

	for attempt := 0; attempt < codeMintAttempts; attempt++ {
		value, err := s.codes.Opaque()
		if err != nil {
			return nil, err
		}
		t := &models.AccessToken{
			ID:           uuid.New(),
			AssignmentID: assignmentID,
			Type:         typ,
			Value:        value,
			ExpiresAt:    expiresAt,
			CreatedAt:    s.now().UTC(),
		}
		err = s.store.CreateAccessToken(ctx, t)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.audit.Emit(ctx, "assignment", assignmentID, "assignment.token_issued", &id.ActorID,
			map[string]any{"token_type": typ})
		return t, nil
	}
	return nil, fmt.Errorf("mint access token: exhausted %d attempts", codeMintAttempts)
}

// RedeemAccessToken is the machine counterpart of ValidatePickup: a hive
// reader presents a scanned qr or tapped nfc value and the key is handed
// over. The token burns on presentation; the state swap still decides the
// winner when redemptions race.
func (s *Service) RedeemAccessToken(ctx context.Context, id models.Identity, value string, typ models.TokenType) (*models.KeyAssignment, error) {
	if typ != models.TokenTypeQR && typ != models.TokenTypeNFC {
		return nil, ErrBadTokenType
	}

	t, err := s.tokens.Validate(ctx, value, typ)
	if err != nil {
		return nil, err
	}

	a, err := s.store.GetAssignment(ctx, t.AssignmentID)
	if err != nil {
		return nil, err
	}
	key, err := s.store.GetKey(ctx, a.KeyID)
	if err != nil {
		return nil, err
	}
	expectedReturn := s.now().UTC().Add(key.PackageType.ReturnWindow())

	var guestID *uuid.UUID
	if id.Role == models.RoleGuest {
		guestID = &id.ActorID
	}

	a, err = s.store.PickupAssignment(ctx, t.AssignmentID, guestID, expectedReturn)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.picked_up", &id.ActorID,
		map[string]any{"token_type": typ, "expected_return_at": expectedReturn})
	return a, nil
}

// MarkInUse signals the guest has left the hive with the key. Informational;
// no code required.
func (s *Service) MarkInUse(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(id, a) {
		return nil, ErrUnauthorized
	}

	a, err = s.store.TransitionAssignment(ctx, assignmentID, models.StatePickedUp, models.StateInUse)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.in_use", &id.ActorID, nil)
	return a, nil
}

// InitiateReturn announces the key is on its way back. Works from picked_up
// as well, for guests who return without ever confirming in_use.
func (s *Service) InitiateReturn(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(id, a) {
		return nil, ErrUnauthorized
	}
	if a.State != models.StatePickedUp && a.State != models.StateInUse {
		return nil, &store.StateConflictError{Current: a.State, Expected: models.StateInUse}
	}

	a, err = s.store.TransitionAssignment(ctx, assignmentID, a.State, models.StateReturnedPending)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.return_initiated", &id.ActorID, nil)
	return a, nil
}

// ConfirmReturn is the partner's receipt of the physical key back into its
// cell. The cell and fob go back to the hive inventory in the same
// transaction.
func (s *Service) ConfirmReturn(ctx context.Context, id models.Identity, assignmentID, cellID uuid.UUID) (*models.KeyAssignment, error) {
	if id.Role != models.RolePartner && !id.Admin() {
		return nil, ErrUnauthorized
	}
	if !id.Admin() {
		a, err := s.store.GetAssignment(ctx, assignmentID)
		if err != nil {
			return nil, err
		}
		if a.PartnerID == nil || *a.PartnerID != id.ActorID {
			return nil, ErrUnauthorized
		}
	}

	a, err := s.store.ConfirmReturn(ctx, assignmentID, cellID)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.return_confirmed", &id.ActorID,
		map[string]any{"cell_id": cellID})
	return a, nil
}

// Close ends the cycle. Terminal: nothing mutates the assignment afterwards.
func (s *Service) Close(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(id, a) {
		return nil, ErrUnauthorized
	}

	a, err = s.store.TransitionAssignment(ctx, assignmentID, models.StateReturnedConfirmed, models.StateClosed)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.closed", &id.ActorID, nil)
	return a, nil
}

// Get returns one assignment, restricted to its participants.
func (s *Service) Get(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (*models.KeyAssignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(id, a) {
		return nil, ErrUnauthorized
	}
	return a, nil
}

// List returns assignments matching the filter. Hosts see only their own.
func (s *Service) List(ctx context.Context, id models.Identity, filter store.AssignmentFilter) ([]*models.KeyAssignment, int, error) {
	if !id.Admin() {
		filter.HostID = id.ActorID
	}
	return s.store.ListAssignments(ctx, filter)
}

// IssueMagicLink signs an expiring link to an available assignment so pickup
// instructions can be shared without exposing the raw code up front.
func (s *Service) IssueMagicLink(ctx context.Context, id models.Identity, assignmentID uuid.UUID) (string, time.Time, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !s.isParticipant(id, a) {
		return "", time.Time{}, ErrUnauthorized
	}
	if a.State != models.StateAvailable {
		return "", time.Time{}, &store.StateConflictError{Current: a.State, Expected: models.StateAvailable}
	}

	link, expiresAt, err := s.codes.MagicLink(assignmentID, s.now())
	if err != nil {
		return "", time.Time{}, err
	}
	s.audit.Emit(ctx, "assignment", a.ID, "assignment.link_issued", &id.ActorID, nil)
	return link, expiresAt, nil
}

// ViewMagicLink resolves a signed link to the assignment and its pickup
// code. Viewing does not consume anything; the code still goes through
// ValidatePickup exactly once.
func (s *Service) ViewMagicLink(ctx context.Context, raw string) (*models.KeyAssignment, string, error) {
	assignmentID, err := s.codes.ParseMagicLink(raw)
	if err != nil {
		return nil, "", err
	}
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, "", err
	}
	if a.State != models.StateAvailable || a.PickupCode == nil {
		return nil, "", &store.StateConflictError{Current: a.State, Expected: models.StateAvailable}
	}
	return a, *a.PickupCode, nil
}

// OpenDispute moves the assignment to the dispute branch, recording the
// state it held. Party and role checks live in the dispute handler.
func (s *Service) OpenDispute(ctx context.Context, initiatorID uuid.UUID, assignmentID uuid.UUID, reason, evidence string) (*models.Dispute, error) {
	now := s.now().UTC()
	d := &models.Dispute{
		ID:           uuid.New(),
		AssignmentID: assignmentID,
		InitiatorID:  initiatorID,
		Reason:       reason,
		Evidence:     evidence,
		Status:       models.DisputeStatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.store.OpenDispute(ctx, d); err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "dispute", d.ID, "dispute.opened", &initiatorID,
		map[string]any{"assignment_id": assignmentID, "reason": reason})
	return d, nil
}

// ResolveDispute ends the dispute branch with one of the two permitted
// outcomes. A force-close releases whatever cell and fob were still held.
func (s *Service) ResolveDispute(ctx context.Context, resolverID, disputeID uuid.UUID, resolution string, outcome models.DisputeOutcome) (*models.KeyAssignment, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}
	a, err := s.store.ResolveDispute(ctx, disputeID, resolverID, resolution, outcome)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, "dispute", disputeID, "dispute.resolved", &resolverID,
		map[string]any{"assignment_id": a.ID, "outcome": outcome})
	return a, nil
}

// isParticipant reports whether the caller is one of the assignment's
// parties or an admin.
func (s *Service) isParticipant(id models.Identity, a *models.KeyAssignment) bool {
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
