package models

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentState is the lifecycle state of a key assignment.
type AssignmentState string

const (
	StatePendingDrop       AssignmentState = "pending_drop"
	StateDropped           AssignmentState = "dropped"
	StateAvailable         AssignmentState = "available"
	StatePickedUp          AssignmentState = "picked_up"
	StateInUse             AssignmentState = "in_use"
	StateReturnedPending   AssignmentState = "returned_pending"
	StateReturnedConfirmed AssignmentState = "returned_confirmed"
	StateClosed            AssignmentState = "closed"
	StateDispute           AssignmentState = "dispute"
)

// validTransitions is the adjacency list of the lifecycle. StateDispute is
// additionally reachable from every non-closed state, and resolves either to
// closed or back to the state held before the dispute was opened.
var validTransitions = map[AssignmentState][]AssignmentState{
	StatePendingDrop:       {StateDropped},
	StateDropped:           {StateAvailable},
	StateAvailable:         {StatePickedUp},
	StatePickedUp:          {StateInUse, StateReturnedPending},
	StateInUse:             {StateReturnedPending},
	StateReturnedPending:   {StateReturnedConfirmed},
	StateReturnedConfirmed: {StateClosed},
	StateDispute:           {StateClosed},
	StateClosed:            {},
}

// CanTransitionTo reports whether moving from s to next follows the lifecycle.
func (s AssignmentState) CanTransitionTo(next AssignmentState) bool {
	if next == StateDispute {
		return s != StateClosed
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s AssignmentState) Terminal() bool {
	return s == StateClosed
}

// Valid reports whether s is one of the known lifecycle states.
func (s AssignmentState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// KeyAssignment is one cycle of a key moving through a hive: drop-off,
// pickup, and return. Rows are append-only history and are never deleted;
// every mutation goes through the state machine.
type KeyAssignment struct {
	ID     uuid.UUID `db:"id"      json:"id"`
	KeyID  uuid.UUID `db:"key_id"  json:"key_id"`
	HostID uuid.UUID `db:"host_id" json:"host_id"`

	HiveID    *uuid.UUID `db:"hive_id"    json:"hive_id,omitempty"`
	CellID    *uuid.UUID `db:"cell_id"    json:"cell_id,omitempty"`
	NfcFobID  *uuid.UUID `db:"nfc_fob_id" json:"nfc_fob_id,omitempty"`
	PartnerID *uuid.UUID `db:"partner_id" json:"partner_id,omitempty"`
	GuestID   *uuid.UUID `db:"guest_id"   json:"guest_id,omitempty"`

	DropOffCode         *string    `db:"drop_off_code"          json:"drop_off_code,omitempty"`
	PickupCode          *string    `db:"pickup_code"            json:"-"`
	PickupCodeExpiresAt *time.Time `db:"pickup_code_expires_at" json:"pickup_code_expires_at,omitempty"`

	State AssignmentState `db:"state" json:"state"`

	// PriorState is recorded when a dispute is opened so resolution can
	// return the assignment to where it was.
	PriorState *AssignmentState `db:"prior_state" json:"prior_state,omitempty"`

	ScheduledDropAt  *time.Time `db:"scheduled_drop_at"  json:"scheduled_drop_at,omitempty"`
	DroppedAt        *time.Time `db:"dropped_at"         json:"dropped_at,omitempty"`
	AvailableAt      *time.Time `db:"available_at"       json:"available_at,omitempty"`
	PickedUpAt       *time.Time `db:"picked_up_at"       json:"picked_up_at,omitempty"`
	ExpectedReturnAt *time.Time `db:"expected_return_at" json:"expected_return_at,omitempty"`
	ReturnedAt       *time.Time `db:"returned_at"        json:"returned_at,omitempty"`
	ClosedAt         *time.Time `db:"closed_at"          json:"closed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Active reports whether the assignment still holds its key, cell, and fob.
func (a *KeyAssignment) Active() bool {
	return a.State != StateClosed
}
