package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/pkg/models"
)

var (
	ErrNotFound  = errors.New("resource not found")
	ErrDuplicate = errors.New("duplicate key violation")

	// ErrKeyAlreadyActive means the key already has a non-closed assignment.
	ErrKeyAlreadyActive = errors.New("key already has an active assignment")

	// ErrCellUnavailable / ErrFobUnavailable mean the reservation target is
	// already bound to a non-closed assignment or is out of service.
	ErrCellUnavailable = errors.New("cell is not available")
	ErrFobUnavailable  = errors.New("nfc fob is not available")

	// ErrHiveUnavailable means the hive is offline or in maintenance and
	// rejects new drop-offs.
	ErrHiveUnavailable = errors.New("hive is not accepting drops")

	// ErrStateConflict means a compare-and-swap on assignment state lost to
	// a concurrent writer or the caller attempted an invalid transition.
	// The concrete error is a *StateConflictError carrying both states.
	ErrStateConflict = errors.New("assignment state conflict")

	// ErrCellMismatch means a partner named a cell that is not the one the
	// assignment occupies.
	ErrCellMismatch = errors.New("cell does not match assignment")

	ErrDisputeAlreadyOpen = errors.New("assignment already has an open dispute")
	ErrDisputeNotOpen     = errors.New("dispute is not open")

	// ErrTokenUsed means a single-use access token was already consumed.
	ErrTokenUsed = errors.New("access token already used")
)

// StateConflictError reports the state a losing writer observed versus the
// state it required. Callers decide from Current whether to retry or stop.
type StateConflictError struct {
	Current  models.AssignmentState
	Expected models.AssignmentState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("assignment state is %q, expected %q", e.Current, e.Expected)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// ConfirmDropParams carries the inputs of the drop confirmation transaction.
type ConfirmDropParams struct {
	AssignmentID uuid.UUID
	CellID       uuid.UUID
	FobID        uuid.UUID
	PartnerID    uuid.UUID

	// PickupCode is minted by the caller; the transaction stores it with its
	// expiry and registers the matching one-time access token.
	PickupCode          string
	PickupCodeExpiresAt time.Time
}

// AssignmentFilter narrows ListAssignments. Zero values mean "any".
type AssignmentFilter struct {
	KeyID  uuid.UUID
	HostID uuid.UUID
	HiveID uuid.UUID
	State  models.AssignmentState
	Page   int
	Limit  int
}

// Store is the data access interface. All database operations go through
// here; every state transition is a conditional update so two concurrent
// writers cannot both win.
type Store interface {
	Ping(ctx context.Context) error

	// Actors and API keys
	CreateActor(ctx context.Context, actor *models.Actor) error
	GetActor(ctx context.Context, id uuid.UUID) (*models.Actor, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	// Keys
	CreateKey(ctx context.Context, key *models.Key) error
	GetKey(ctx context.Context, id uuid.UUID) (*models.Key, error)
	ListKeysByHost(ctx context.Context, hostID uuid.UUID) ([]*models.Key, error)

	// Hives, cells, fobs
	CreateHive(ctx context.Context, hive *models.Hive) error
	GetHive(ctx context.Context, id uuid.UUID) (*models.Hive, error)
	ListHives(ctx context.Context) ([]*models.Hive, error)
	UpdateHiveStatus(ctx context.Context, id uuid.UUID, status models.HiveStatus) error
	CreateCell(ctx context.Context, cell *models.Cell) error
	GetCell(ctx context.Context, id uuid.UUID) (*models.Cell, error)
	ListCells(ctx context.Context, hiveID uuid.UUID) ([]*models.Cell, error)
	SetCellStatus(ctx context.Context, id uuid.UUID, status models.CellStatus) error
	RecordCellHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateFob(ctx context.Context, fob *models.NfcFob) error
	GetFob(ctx context.Context, id uuid.UUID) (*models.NfcFob, error)
	ListFobs(ctx context.Context, hiveID uuid.UUID) ([]*models.NfcFob, error)
	SetFobStatus(ctx context.Context, id uuid.UUID, status models.FobStatus) error

	// Capacity is derived from the set of non-closed assignments; there is
	// no materialized counter to drift.
	HiveCapacity(ctx context.Context, hiveID uuid.UUID) (*models.HiveCapacity, error)
	TryReserveCell(ctx context.Context, hiveID, cellID, assignmentID uuid.UUID) (bool, error)
	ReleaseCell(ctx context.Context, cellID uuid.UUID) error
	TryReserveFob(ctx context.Context, hiveID, fobID, assignmentID uuid.UUID) (bool, error)
	ReleaseFob(ctx context.Context, fobID uuid.UUID) error

	// Assignments
	CreateAssignment(ctx context.Context, a *models.KeyAssignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (*models.KeyAssignment, error)
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*models.KeyAssignment, int, error)
	ScheduleDrop(ctx context.Context, id, hiveID uuid.UUID, scheduledAt time.Time) (*models.KeyAssignment, error)
	ConfirmDrop(ctx context.Context, p ConfirmDropParams) (*models.KeyAssignment, error)
	PickupAssignment(ctx context.Context, id uuid.UUID, guestID *uuid.UUID, expectedReturnAt time.Time) (*models.KeyAssignment, error)
	TransitionAssignment(ctx context.Context, id uuid.UUID, from, to models.AssignmentState) (*models.KeyAssignment, error)
	ConfirmReturn(ctx context.Context, id, cellID uuid.UUID) (*models.KeyAssignment, error)

	// Disputes
	OpenDispute(ctx context.Context, d *models.Dispute) (*models.KeyAssignment, error)
	GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetOpenDispute(ctx context.Context, assignmentID uuid.UUID) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, disputeID, resolverID uuid.UUID, resolution string, outcome models.DisputeOutcome) (*models.KeyAssignment, error)

	// Access tokens
	CreateAccessToken(ctx context.Context, token *models.AccessToken) error
	GetAccessTokenByValue(ctx context.Context, value string, typ models.TokenType) (*models.AccessToken, error)
	ConsumeAccessToken(ctx context.Context, id uuid.UUID) error

	// Audit
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
}
