// Package audit records one event per state transition and fans it out to
// live websocket watchers. Both sinks are best-effort: an audit failure is
// logged and swallowed, never surfaced to the operation that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
)

// Emitter writes audit events to the store and broadcasts them on the hub.
// Either dependency may be nil.
type Emitter struct {
	store store.Store
	hub   *Hub
}

// NewEmitter creates an Emitter.
func NewEmitter(s store.Store, hub *Hub) *Emitter {
	return &Emitter{store: s, hub: hub}
}

// Emit records an action against an entity. Failures are logged, never
// returned; callers invoke it after their own transaction has committed.
func (e *Emitter) Emit(ctx context.Context, entityType string, entityID uuid.UUID, action string, actorID *uuid.UUID, metadata map[string]any) {
	event := &models.AuditEvent{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if e.store != nil {
		if err := e.store.InsertAuditEvent(ctx, event); err != nil {
			slog.Error("audit write failed",
				"entity_type", entityType,
				"entity_id", entityID,
				"action", action,
				"error", err,
			)
		}
	}

	if e.hub != nil {
		e.hub.Broadcast(Event{
			EntityType: entityType,
			EntityID:   entityID,
			Action:     action,
			Metadata:   metadata,
			At:         event.CreatedAt,
		})
	}
}
