package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/keyhive/keyhive/pkg/models"
)

func (s *PostgresStore) CreateAccessToken(ctx context.Context, token *models.AccessToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO access_tokens (id, assignment_id, type, value, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.AssignmentID, token.Type, token.Value, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessTokenByValue(ctx context.Context, value string, typ models.TokenType) (*models.AccessToken, error) {
	var t models.AccessToken
	err := s.pool.QueryRow(ctx,
		`SELECT id, assignment_id, type, value, expires_at, used_at, created_at
		 FROM access_tokens WHERE value = $1 AND type = $2`, value, typ,
	).Scan(&t.ID, &t.AssignmentID, &t.Type, &t.Value, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return &t, nil
}

// ConsumeAccessToken marks a token used, exactly once. The conditional
// update is the whole point: two racing consumers cannot both see zero
// used_at.
func (s *PostgresStore) ConsumeAccessToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_tokens SET used_at = NOW() WHERE id = $1 AND used_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("consume access token: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM access_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check access token: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTokenUsed
}

// InsertAuditEvent appends one audit row. Callers treat failures as
// best-effort; this method never participates in a state transaction.
func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	meta := event.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, entity_type, entity_id, action, actor_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.EntityType, event.EntityID, event.Action, event.ActorID, payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
