package models

import (
	"time"

	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeQR  TokenType = "qr"
	TokenTypeNFC TokenType = "nfc"
	TokenTypeOTP TokenType = "otp"
)

// AccessToken is a single-use credential tied to one assignment. It is
// created when the state machine issues a code and consumed exactly once;
// expiry is checked lazily at validation time.
type AccessToken struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	AssignmentID uuid.UUID  `db:"assignment_id" json:"assignment_id"`
	Type         TokenType  `db:"type"          json:"type"`
	Value        string     `db:"value"         json:"-"`
	ExpiresAt    time.Time  `db:"expires_at"    json:"expires_at"`
	UsedAt       *time.Time `db:"used_at"       json:"used_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}

// Expired reports whether the token is past its validity window.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Consumed reports whether the token has already been used.
func (t *AccessToken) Consumed() bool {
	return t.UsedAt != nil
}
