package models

import (
	"time"

	"github.com/google/uuid"
)

type DisputeStatus string

const (
	DisputeStatusOpen          DisputeStatus = "open"
	DisputeStatusInvestigating DisputeStatus = "investigating"
	DisputeStatusResolved      DisputeStatus = "resolved"
	DisputeStatusClosed        DisputeStatus = "closed"
)

// Open reports whether the dispute still blocks its assignment.
func (s DisputeStatus) Open() bool {
	return s == DisputeStatusOpen || s == DisputeStatusInvestigating
}

// DisputeOutcome decides where the assignment goes on resolution.
type DisputeOutcome string

const (
	OutcomeReturnToPriorState DisputeOutcome = "return_to_prior_state"
	OutcomeForceClose         DisputeOutcome = "force_close"
)

func (o DisputeOutcome) Valid() bool {
	return o == OutcomeReturnToPriorState || o == OutcomeForceClose
}

// Dispute records an exception branch of an assignment: guest no-show, key
// damage, or a disagreement between the parties. An assignment has at most
// one open dispute at a time.
type Dispute struct {
	ID           uuid.UUID     `db:"id"            json:"id"`
	AssignmentID uuid.UUID     `db:"assignment_id" json:"assignment_id"`
	InitiatorID  uuid.UUID     `db:"initiator_id"  json:"initiator_id"`
	Reason       string        `db:"reason"        json:"reason"`
	Evidence     string        `db:"evidence"      json:"evidence,omitempty"`
	Status       DisputeStatus `db:"status"        json:"status"`
	Resolution   *string       `db:"resolution"    json:"resolution,omitempty"`
	ResolverID   *uuid.UUID    `db:"resolver_id"   json:"resolver_id,omitempty"`
	ResolvedAt   *time.Time    `db:"resolved_at"   json:"resolved_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"    json:"updated_at"`
}
