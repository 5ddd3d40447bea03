package models

import (
	"time"

	"github.com/google/uuid"
)

// HiveStatus is the operational state of a drop point, orthogonal to the
// occupancy of its cells. An offline or maintenance hive rejects new drops.
type HiveStatus string

const (
	HiveStatusActive      HiveStatus = "active"
	HiveStatusIdle        HiveStatus = "idle"
	HiveStatusMaintenance HiveStatus = "maintenance"
	HiveStatusOffline     HiveStatus = "offline"
)

// AcceptsDrops reports whether new drop-offs may target this hive's cells.
func (s HiveStatus) AcceptsDrops() bool {
	return s == HiveStatusActive || s == HiveStatusIdle
}

// Valid reports whether s is a known hive status.
func (s HiveStatus) Valid() bool {
	switch s {
	case HiveStatusActive, HiveStatusIdle, HiveStatusMaintenance, HiveStatusOffline:
		return true
	}
	return false
}

// Hive is a partner-operated location containing numbered cells.
type Hive struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	PartnerID uuid.UUID  `db:"partner_id" json:"partner_id"`
	Name      string     `db:"name"       json:"name"`
	Address   string     `db:"address"    json:"address"`
	Status    HiveStatus `db:"status"     json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

type CellStatus string

const (
	CellStatusAvailable   CellStatus = "available"
	CellStatusOccupied    CellStatus = "occupied"
	CellStatusMaintenance CellStatus = "maintenance"
	CellStatusOffline     CellStatus = "offline"
)

// Valid reports whether s is a known cell status.
func (s CellStatus) Valid() bool {
	switch s {
	case CellStatusAvailable, CellStatusOccupied, CellStatusMaintenance, CellStatusOffline:
		return true
	}
	return false
}

// Cell is one lockable slot within a hive. At most one non-closed assignment
// may reference a cell; the store enforces this at the reservation boundary.
type Cell struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	HiveID          uuid.UUID  `db:"hive_id"           json:"hive_id"`
	CellNumber      int        `db:"cell_number"       json:"cell_number"`
	Status          CellStatus `db:"status"            json:"status"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

type FobStatus string

const (
	FobStatusAvailable FobStatus = "available"
	FobStatusAssigned  FobStatus = "assigned"
	FobStatusDamaged   FobStatus = "damaged"
)

// Valid reports whether s is a known fob status.
func (s FobStatus) Valid() bool {
	switch s {
	case FobStatusAvailable, FobStatusAssigned, FobStatusDamaged:
		return true
	}
	return false
}

// NfcFob is a physical access tag bound to a hive. Same at-most-one-active-
// assignment rule as Cell.
type NfcFob struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	HiveID    uuid.UUID `db:"hive_id"    json:"hive_id"`
	UID       string    `db:"uid"        json:"uid"`
	Serial    string    `db:"serial"     json:"serial"`
	SlotLabel string    `db:"slot_label" json:"slot_label"`
	Status    FobStatus `db:"status"     json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HiveCapacity is a derived snapshot of a hive's free inventory. It is
// computed from the set of non-closed assignments, never from a counter.
type HiveCapacity struct {
	HiveID        uuid.UUID `json:"hive_id"`
	TotalCells    int       `json:"total_cells"`
	OccupiedCells int       `json:"occupied_cells"`
	FreeCells     int       `json:"free_cells"`
	TotalFobs     int       `json:"total_fobs"`
	FreeFobs      int       `json:"free_fobs"`
}
