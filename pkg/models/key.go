package models

import (
	"time"

	"github.com/google/uuid"
)

type KeyType string

const (
	KeyTypeMaster    KeyType = "master"
	KeyTypeDuplicate KeyType = "duplicate"
	KeyTypeSpare     KeyType = "spare"
)

// PackageType determines how long a guest may hold a picked-up key.
type PackageType string

const (
	PackagePayPerUse PackageType = "pay_per_use"
	PackageWeekly    PackageType = "weekly"
	PackageMonthly   PackageType = "monthly"
	PackageYearly    PackageType = "yearly"
)

// ReturnWindow is the duration between pickup and expected return.
func (p PackageType) ReturnWindow() time.Duration {
	switch p {
	case PackageWeekly:
		return 7 * 24 * time.Hour
	case PackageMonthly:
		return 30 * 24 * time.Hour
	case PackageYearly:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// KeyStatus mirrors the state of the key's current assignment. It is derived
// at read time, never stored, so it cannot drift from the assignment record.
type KeyStatus string

const (
	KeyStatusCreated   KeyStatus = "created"
	KeyStatusAssigned  KeyStatus = "assigned"
	KeyStatusDeposited KeyStatus = "deposited"
	KeyStatusAvailable KeyStatus = "available"
	KeyStatusPickedUp  KeyStatus = "picked_up"
	KeyStatusReturned  KeyStatus = "returned"
	KeyStatusClosed    KeyStatus = "closed"
	KeyStatusDispute   KeyStatus = "dispute"
)

// KeyStatusForState maps an assignment state to the key-level status view.
// A nil state means the key has never had an assignment.
func KeyStatusForState(s *AssignmentState) KeyStatus {
	if s == nil {
		return KeyStatusCreated
	}
	switch *s {
	case StatePendingDrop:
		return KeyStatusAssigned
	case StateDropped:
		return KeyStatusDeposited
	case StateAvailable:
		return KeyStatusAvailable
	case StatePickedUp, StateInUse:
		return KeyStatusPickedUp
	case StateReturnedPending, StateReturnedConfirmed:
		return KeyStatusReturned
	case StateDispute:
		return KeyStatusDispute
	default:
		return KeyStatusClosed
	}
}

// Key is a physical key artifact owned by exactly one host.
type Key struct {
	ID          uuid.UUID   `db:"id"           json:"id"`
	HostID      uuid.UUID   `db:"host_id"      json:"host_id"`
	Label       string      `db:"label"        json:"label"`
	KeyType     KeyType     `db:"key_type"     json:"key_type"`
	PackageType PackageType `db:"package_type" json:"package_type"`

	// Status is computed from the latest assignment when the key is read.
	Status KeyStatus `db:"-" json:"status"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
