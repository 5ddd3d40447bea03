package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/keyhive/keyhive/pkg/models"
)

func (s *PostgresStore) CreateHive(ctx context.Context, hive *models.Hive) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hives (id, partner_id, name, address, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		hive.ID, hive.PartnerID, hive.Name, hive.Address, hive.Status, hive.CreatedAt, hive.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create hive: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHive(ctx context.Context, id uuid.UUID) (*models.Hive, error) {
	var h models.Hive
	err := s.pool.QueryRow(ctx,
		`SELECT id, partner_id, name, address, status, created_at, updated_at
		 FROM hives WHERE id = $1`, id,
	).Scan(&h.ID, &h.PartnerID, &h.Name, &h.Address, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hive: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) ListHives(ctx context.Context) ([]*models.Hive, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, partner_id, name, address, status, created_at, updated_at
		 FROM hives ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list hives: %w", err)
	}
	defer rows.Close()

	var hives []*models.Hive
	for rows.Next() {
		var h models.Hive
		if err := rows.Scan(&h.ID, &h.PartnerID, &h.Name, &h.Address, &h.Status,
			&h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan hive: %w", err)
		}
		hives = append(hives, &h)
	}
	return hives, rows.Err()
}

func (s *PostgresStore) UpdateHiveStatus(ctx context.Context, id uuid.UUID, status models.HiveStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hives SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update hive status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Cells ---

func (s *PostgresStore) CreateCell(ctx context.Context, cell *models.Cell) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cells (id, hive_id, cell_number, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cell.ID, cell.HiveID, cell.CellNumber, cell.Status, cell.CreatedAt, cell.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("create cell: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCell(ctx context.Context, id uuid.UUID) (*models.Cell, error) {
	var c models.Cell
	err := s.pool.QueryRow(ctx,
		`SELECT id, hive_id, cell_number, status, last_heartbeat_at, created_at, updated_at
		 FROM cells WHERE id = $1`, id,
	).Scan(&c.ID, &c.HiveID, &c.CellNumber, &c.Status, &c.LastHeartbeatAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cell: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCells(ctx context.Context, hiveID uuid.UUID) ([]*models.Cell, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hive_id, cell_number, status, last_heartbeat_at, created_at, updated_at
		 FROM cells WHERE hive_id = $1 ORDER BY cell_number`, hiveID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	var cells []*models.Cell
	for rows.Next() {
		var c models.Cell
		if err := rows.Scan(&c.ID, &c.HiveID, &c.CellNumber, &c.Status, &c.LastHeartbeatAt,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		cells = append(cells, &c)
	}
	return cells, rows.Err()
}

func (s *PostgresStore) SetCellStatus(ctx context.Context, id uuid.UUID, status models.CellStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cells SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set cell status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordCellHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cells SET last_heartbeat_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record cell heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Fobs ---

func (s *PostgresStore) CreateFob(ctx context.Context, fob *models.NfcFob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nfc_fobs (id, hive_id, uid, serial, slot_label, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fob.ID, fob.HiveID, fob.UID, fob.Serial, fob.SlotLabel, fob.Status, fob.CreatedAt, fob.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("create fob: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFob(ctx context.Context, id uuid.UUID) (*models.NfcFob, error) {
	var f models.NfcFob
	err := s.pool.QueryRow(ctx,
		`SELECT id, hive_id, uid, serial, slot_label, status, created_at, updated_at
		 FROM nfc_fobs WHERE id = $1`, id,
	).Scan(&f.ID, &f.HiveID, &f.UID, &f.Serial, &f.SlotLabel, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fob: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) ListFobs(ctx context.Context, hiveID uuid.UUID) ([]*models.NfcFob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hive_id, uid, serial, slot_label, status, created_at, updated_at
		 FROM nfc_fobs WHERE hive_id = $1 ORDER BY created_at`, hiveID)
	if err != nil {
		return nil, fmt.Errorf("list fobs: %w", err)
	}
	defer rows.Close()

	var fobs []*models.NfcFob
	for rows.Next() {
		var f models.NfcFob
		if err := rows.Scan(&f.ID, &f.HiveID, &f.UID, &f.Serial, &f.SlotLabel, &f.Status,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fob: %w", err)
		}
		fobs = append(fobs, &f)
	}
	return fobs, rows.Err()
}

func (s *PostgresStore) SetFobStatus(ctx context.Context, id uuid.UUID, status models.FobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nfc_fobs SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set fob status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Capacity ---

// HiveCapacity derives free inventory from the set of non-closed assignments
// referencing the hive's cells and fobs.
func (s *PostgresStore) HiveCapacity(ctx context.Context, hiveID uuid.UUID) (*models.HiveCapacity, error) {
	if _, err := s.GetHive(ctx, hiveID); err != nil {
		return nil, err
	}

	snap := models.HiveCapacity{HiveID: hiveID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cells c WHERE c.hive_id = $1),
			(SELECT COUNT(*) FROM key_assignments ka
			 WHERE ka.hive_id = $1 AND ka.cell_id IS NOT NULL AND ka.state <> 'closed'),
			(SELECT COUNT(*) FROM cells c WHERE c.hive_id = $1 AND c.status = 'available'
			 AND NOT EXISTS (SELECT 1 FROM key_assignments ka
			                 WHERE ka.cell_id = c.id AND ka.state <> 'closed')),
			(SELECT COUNT(*) FROM nfc_fobs f WHERE f.hive_id = $1),
			(SELECT COUNT(*) FROM nfc_fobs f WHERE f.hive_id = $1 AND f.status = 'available'
			 AND NOT EXISTS (SELECT 1 FROM key_assignments ka
			                 WHERE ka.nfc_fob_id = f.id AND ka.state <> 'closed'))`,
		hiveID,
	).Scan(&snap.TotalCells, &snap.OccupiedCells, &snap.FreeCells, &snap.TotalFobs, &snap.FreeFobs)
	if err != nil {
		return nil, fmt.Errorf("hive capacity: %w", err)
	}
	return &snap, nil
}

// --- Reservations ---

// execer abstracts the pool and a transaction so the reservation statements
// run standalone or inside the drop-confirmation transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// tryReserveCell flips an available cell to occupied only when no non-closed
// assignment other than the reserving one references it. Single statement,
// so two concurrent reservations cannot both succeed.
func tryReserveCell(ctx context.Context, q execer, hiveID, cellID, assignmentID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE cells SET status = 'occupied', updated_at = NOW()
		WHERE id = $1 AND hive_id = $2 AND status = 'available'
		AND NOT EXISTS (
			SELECT 1 FROM key_assignments ka
			WHERE ka.cell_id = cells.id AND ka.state <> 'closed' AND ka.id <> $3)`,
		cellID, hiveID, assignmentID)
	if err != nil {
		return false, fmt.Errorf("reserve cell: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func releaseCell(ctx context.Context, q execer, cellID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`UPDATE cells SET status = 'available', updated_at = NOW()
		 WHERE id = $1 AND status = 'occupied'`, cellID)
	if err != nil {
		return fmt.Errorf("release cell: %w", err)
	}
	return nil
}

// tryReserveFob mirrors tryReserveCell for the fob handed out with the key.
// The hive guard keeps a partner from binding another hive's fob.
func tryReserveFob(ctx context.Context, q execer, hiveID, fobID, assignmentID uuid.UUID) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE nfc_fobs SET status = 'assigned', updated_at = NOW()
		WHERE id = $1 AND hive_id = $2 AND status = 'available'
		AND NOT EXISTS (
			SELECT 1 FROM key_assignments ka
			WHERE ka.nfc_fob_id = nfc_fobs.id AND ka.state <> 'closed' AND ka.id <> $3)`,
		fobID, hiveID, assignmentID)
	if err != nil {
		return false, fmt.Errorf("reserve fob: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func releaseFob(ctx context.Context, q execer, fobID uuid.UUID) error {
	_, err := q.Exec(ctx,
		`UPDATE nfc_fobs SET status = 'available', updated_at = NOW()
		 WHERE id = $1 AND status = 'assigned'`, fobID)
	if err != nil {
		return fmt.Errorf("release fob: %w", err)
	}
	return nil
}

func (s *PostgresStore) TryReserveCell(ctx context.Context, hiveID, cellID, assignmentID uuid.UUID) (bool, error) {
	return tryReserveCell(ctx, s.pool, hiveID, cellID, assignmentID)
}

func (s *PostgresStore) ReleaseCell(ctx context.Context, cellID uuid.UUID) error {
	return releaseCell(ctx, s.pool, cellID)
}

func (s *PostgresStore) TryReserveFob(ctx context.Context, hiveID, fobID, assignmentID uuid.UUID) (bool, error) {
	return tryReserveFob(ctx, s.pool, hiveID, fobID, assignmentID)
}

func (s *PostgresStore) ReleaseFob(ctx context.Context, fobID uuid.UUID) error {
	return releaseFob(ctx, s.pool, fobID)
}
