package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the marketplace-facing role of an authenticated actor.
type Role string

const (
	RoleHost    Role = "host"
	RolePartner Role = "partner"
	RoleGuest   Role = "guest"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RolePartner, RoleGuest, RoleAdmin:
		return true
	}
	return false
}

// Actor is a principal known to the system: a host, partner staff member,
// guest, or administrator.
type Actor struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Role      Role      `db:"role"       json:"role"`
	Name      string    `db:"name"       json:"name"`
	Contact   string    `db:"contact"    json:"contact,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Identity is the authenticated caller of a state-machine operation, as
// established by the API-key middleware. The core trusts this input and
// checks role-appropriate authorization at each operation boundary.
type Identity struct {
	ActorID uuid.UUID
	Role    Role
}

func (id Identity) Admin() bool {
	return id.Role == RoleAdmin
}
