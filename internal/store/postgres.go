package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyhive/keyhive/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Actors ---

func (s *PostgresStore) CreateActor(ctx context.Context, actor *models.Actor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO actors (id, role, name, contact, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		actor.ID, actor.Role, actor.Name, actor.Contact, actor.CreatedAt)
	if err != nil {
		return fmt.Errorf("create actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActor(ctx context.Context, id uuid.UUID) (*models.Actor, error) {
	var a models.Actor
	err := s.pool.QueryRow(ctx,
		`SELECT id, role, name, contact, created_at FROM actors WHERE id = $1`, id,
	).Scan(&a.ID, &a.Role, &a.Name, &a.Contact, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}
	return &a, nil
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, actor_id, role, name, key_hash, key_prefix, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ActorID, key.Role, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor_id, role, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, actor_id, role, name, key_hash, key_prefix, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ActorID, &k.Role, &k.Name, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Keys ---

func (s *PostgresStore) CreateKey(ctx context.Context, key *models.Key) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO keys (id, host_id, label, key_type, package_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.HostID, key.Label, key.KeyType, key.PackageType, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	key.Status = models.KeyStatusCreated
	return nil
}

// keyQuery pulls the latest assignment state alongside the key so Status can
// be derived instead of stored.
const keyQuery = `
	SELECT k.id, k.host_id, k.label, k.key_type, k.package_type, k.created_at, k.updated_at,
	       (SELECT ka.state FROM key_assignments ka
	        WHERE ka.key_id = k.id ORDER BY ka.created_at DESC LIMIT 1)
	FROM keys k`

func (s *PostgresStore) GetKey(ctx context.Context, id uuid.UUID) (*models.Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, keyQuery+` WHERE k.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) ListKeysByHost(ctx context.Context, hostID uuid.UUID) ([]*models.Key, error) {
	rows, err := s.pool.Query(ctx, keyQuery+` WHERE k.host_id = $1 ORDER BY k.created_at DESC`, hostID)
	if err != nil {
		return nil, fmt.Errorf("list keys by host: %w", err)
	}
	defer rows.Close()

	var keys []*models.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanKey(row pgx.Row) (*models.Key, error) {
	var k models.Key
	var state *models.AssignmentState
	if err := row.Scan(&k.ID, &k.HostID, &k.Label, &k.KeyType, &k.PackageType,
		&k.CreatedAt, &k.UpdatedAt, &state); err != nil {
		return nil, err
	}
	k.Status = models.KeyStatusForState(state)
	return &k, nil
}

// isUniqueViolation checks for pg error 23505, optionally on one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
