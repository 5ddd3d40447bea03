package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
)

var (
	ErrTokenNotFound = store.ErrNotFound
	ErrTokenUsed     = store.ErrTokenUsed
	ErrTokenExpired  = errors.New("access token has expired")
)

// Validator checks a presented access token against its stored record.
// Expiry is evaluated lazily here; there is no background sweeper.
type Validator struct {
	store store.Store
	now   func() time.Time
}

// NewValidator creates a Validator backed by s.
func NewValidator(s store.Store) *Validator {
	return &Validator{store: s, now: time.Now}
}

// Validate resolves a token value to its assignment and consumes it. All
// stored token types (qr, nfc, otp) are single-use; a second presentation
// fails with ErrTokenUsed.
func (v *Validator) Validate(ctx context.Context, value string, typ models.TokenType) (*models.AccessToken, error) {
	t, err := v.store.GetAccessTokenByValue(ctx, value, typ)
	if err != nil {
		return nil, err
	}
	if t.Consumed() {
		return nil, ErrTokenUsed
	}
	if t.Expired(v.now()) {
		return nil, ErrTokenExpired
	}
	if err := v.store.ConsumeAccessToken(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	used := v.now()
	t.UsedAt = &used
	return t, nil
}
