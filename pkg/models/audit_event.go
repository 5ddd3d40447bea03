package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent records one state transition or administrative action. Events
// are written best-effort: a failed write never fails the transition that
// produced it.
type AuditEvent struct {
	ID         uuid.UUID      `db:"id"          json:"id"`
	EntityType string         `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID      `db:"entity_id"   json:"entity_id"`
	Action     string         `db:"action"      json:"action"`
	ActorID    *uuid.UUID     `db:"actor_id"    json:"actor_id,omitempty"`
	Metadata   map[string]any `db:"metadata"    json:"metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at"  json:"created_at"`
}
