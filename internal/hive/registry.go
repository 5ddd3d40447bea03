// Package hive manages the physical deposit network: hives, their cells,
// and the NFC fobs handed out with keys. Capacity is always derived from
// live assignment rows, never counted separately.
package hive

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/keyhive/keyhive/internal/audit"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrDuplicate       = store.ErrDuplicate
	ErrCellUnavailable = store.ErrCellUnavailable
	ErrFobUnavailable  = store.ErrFobUnavailable

	ErrUnauthorized = errors.New("actor not authorized for this hive")
)

// Registry exposes hive inventory operations to partners and admins.
type Registry struct {
	store store.Store
	audit *audit.Emitter
	now   func() time.Time
}

// NewRegistry creates the hive registry.
func NewRegistry(s store.Store, emitter *audit.Emitter) *Registry {
	return &Registry{store: s, audit: emitter, now: time.Now}
}

// RegisterHive creates a hive owned by the calling partner. Admins may
// register on behalf of any partner by setting PartnerID beforehand.
func (r *Registry) RegisterHive(ctx context.Context, id models.Identity, h *models.Hive) error {
	switch {
	case id.Admin():
	case id.Role == models.RolePartner:
		h.PartnerID = id.ActorID
	default:
		return ErrUnauthorized
	}

	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Status == "" {
		h.Status = models.HiveStatusActive
	}
	now := r.now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now

	if err := r.store.CreateHive(ctx, h); err != nil {
		return err
	}
	r.audit.Emit(ctx, "hive", h.ID, "hive.registered", &id.ActorID,
		map[string]any{"name": h.Name})
	return nil
}

// GetHive returns one hive.
func (r *Registry) GetHive(ctx context.Context, hiveID uuid.UUID) (*models.Hive, error) {
	return r.store.GetHive(ctx, hiveID)
}

// ListHives returns all registered hives.
func (r *Registry) ListHives(ctx context.Context) ([]*models.Hive, error) {
	return r.store.ListHives(ctx)
}

// SetHiveStatus moves a hive between active, idle, maintenance and offline.
// Hives in maintenance or offline stop accepting drops immediately; keys
// already deposited stay retrievable.
func (r *Registry) SetHiveStatus(ctx context.Context, id models.Identity, hiveID uuid.UUID, status models.HiveStatus) (*models.Hive, error) {
	h, err := r.authorizeHive(ctx, id, hiveID)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateHiveStatus(ctx, hiveID, status); err != nil {
		return nil, err
	}
	h.Status = status
	r.audit.Emit(ctx, "hive", hiveID, "hive.status_changed", &id.ActorID,
		map[string]any{"status": status})
	return h, nil
}

// AddCell registers a new cell in a hive.
func (r *Registry) AddCell(ctx context.Context, id models.Identity, hiveID uuid.UUID, cellNumber int) (*models.Cell, error) {
	if _, err := r.authorizeHive(ctx, id, hiveID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	c := &models.Cell{
		ID:         uuid.New(),
		HiveID:     hiveID,
		CellNumber: cellNumber,
		Status:     models.CellStatusAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateCell(ctx, c); err != nil {
		return nil, err
	}
	r.audit.Emit(ctx, "cell", c.ID, "cell.registered", &id.ActorID,
		map[string]any{"hive_id": hiveID, "cell_number": cellNumber})
	return c, nil
}

// ListCells returns a hive's cells.
func (r *Registry) ListCells(ctx context.Context, hiveID uuid.UUID) ([]*models.Cell, error) {
	return r.store.ListCells(ctx, hiveID)
}

// SetCellStatus flags a cell, typically for maintenance. A cell holding a
// live assignment cannot go back to available this way; ConfirmReturn or a
// dispute resolution releases it.
func (r *Registry) SetCellStatus(ctx context.Context, id models.Identity, cellID uuid.UUID, status models.CellStatus) error {
	cell, err := r.store.GetCell(ctx, cellID)
	if err != nil {
		return err
	}
	if _, err := r.authorizeHive(ctx, id, cell.HiveID); err != nil {
		return err
	}

	if err := r.store.SetCellStatus(ctx, cellID, status); err != nil {
		return err
	}
	r.audit.Emit(ctx, "cell", cellID, "cell.status_changed", &id.ActorID,
		map[string]any{"status": status})
	return nil
}

// RecordHeartbeat stores the last time a cell's hardware reported in.
func (r *Registry) RecordHeartbeat(ctx context.Context, cellID uuid.UUID) error {
	return r.store.RecordCellHeartbeat(ctx, cellID, r.now().UTC())
}

// RegisterFob adds an NFC fob to a hive's inventory.
func (r *Registry) RegisterFob(ctx context.Context, id models.Identity, hiveID uuid.UUID, fobUID, serial, slotLabel string) (*models.NfcFob, error) {
	if _, err := r.authorizeHive(ctx, id, hiveID); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	f := &models.NfcFob{
		ID:        uuid.New(),
		HiveID:    hiveID,
		UID:       fobUID,
		Serial:    serial,
		SlotLabel: slotLabel,
		Status:    models.FobStatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateFob(ctx, f); err != nil {
		return nil, err
	}
	r.audit.Emit(ctx, "nfc_fob", f.ID, "fob.registered", &id.ActorID,
		map[string]any{"hive_id": hiveID, "uid": fobUID})
	return f, nil
}

// ListFobs returns a hive's fobs.
func (r *Registry) ListFobs(ctx context.Context, hiveID uuid.UUID) ([]*models.NfcFob, error) {
	return r.store.ListFobs(ctx, hiveID)
}

// SetFobStatus flags a fob lost or damaged, or returns it to rotation.
func (r *Registry) SetFobStatus(ctx context.Context, id models.Identity, fobID uuid.UUID, status models.FobStatus) error {
	f, err := r.store.GetFob(ctx, fobID)
	if err != nil {
		return err
	}
	if _, err := r.authorizeHive(ctx, id, f.HiveID); err != nil {
		return err
	}

	if err := r.store.SetFobStatus(ctx, fobID, status); err != nil {
		return err
	}
	r.audit.Emit(ctx, "nfc_fob", fobID, "fob.status_changed", &id.ActorID,
		map[string]any{"status": status})
	return nil
}

// Capacity derives the hive's free and occupied counts from live
// assignments at read time.
func (r *Registry) Capacity(ctx context.Context, hiveID uuid.UUID) (*models.HiveCapacity, error) {
	return r.store.HiveCapacity(ctx, hiveID)
}

func (r *Registry) authorizeHive(ctx context.Context, id models.Identity, hiveID uuid.UUID) (*models.Hive, error) {
	h, err := r.store.GetHive(ctx, hiveID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && h.PartnerID != id.ActorID {
		return nil, ErrUnauthorized
	}
	return h, nil
}
