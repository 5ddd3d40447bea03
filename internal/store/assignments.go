package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/keyhive/keyhive/pkg/models"
)

const assignmentColumns = `id, key_id, host_id, hive_id, cell_id, nfc_fob_id, partner_id, guest_id,
	drop_off_code, pickup_code, pickup_code_expires_at, state, prior_state,
	scheduled_drop_at, dropped_at, available_at, picked_up_at, expected_return_at,
	returned_at, closed_at, created_at, updated_at`

func scanAssignment(row pgx.Row) (*models.KeyAssignment, error) {
	var a models.KeyAssignment
	var state string
	var prior *string
	err := row.Scan(&a.ID, &a.KeyID, &a.HostID, &a.HiveID, &a.CellID, &a.NfcFobID,
		&a.PartnerID, &a.GuestID, &a.DropOffCode, &a.PickupCode, &a.PickupCodeExpiresAt,
		&state, &prior, &a.ScheduledDropAt, &a.DroppedAt, &a.AvailableAt, &a.PickedUpAt,
		&a.ExpectedReturnAt, &a.ReturnedAt, &a.ClosedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.State = models.AssignmentState(state)
	if prior != nil {
		p := models.AssignmentState(*prior)
		a.PriorState = &p
	}
	return &a, nil
}

// CreateAssignment inserts a fresh pending_drop assignment. The partial
// unique index on (key_id) WHERE state <> 'closed' rejects a second live
// cycle for the same key.
func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.KeyAssignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_assignments (id, key_id, host_id, drop_off_code, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.KeyID, a.HostID, a.DropOffCode, a.State, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uniq_active_assignment_per_key") {
			return ErrKeyAlreadyActive
		}
		if isUniqueViolation(err, "") {
			return ErrDuplicate
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id uuid.UUID) (*models.KeyAssignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM key_assignments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*models.KeyAssignment, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.KeyID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("key_id = $%d", argIdx))
		args = append(args, filter.KeyID)
		argIdx++
	}
	if filter.HostID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("host_id = $%d", argIdx))
		args = append(args, filter.HostID)
		argIdx++
	}
	if filter.HiveID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("hive_id = $%d", argIdx))
		args = append(args, filter.HiveID)
		argIdx++
	}
	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, filter.State)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM key_assignments WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assignments: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM key_assignments WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		assignmentColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*models.KeyAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, total, rows.Err()
}

// ScheduleDrop binds a target hive while the assignment is still pending.
// No cell is reserved yet; inventory may change before the physical drop.
func (s *PostgresStore) ScheduleDrop(ctx context.Context, id, hiveID uuid.UUID, scheduledAt time.Time) (*models.KeyAssignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE key_assignments
		 SET hive_id = $2, scheduled_drop_at = $3, updated_at = NOW()
		 WHERE id = $1 AND state = 'pending_drop'
		 RETURNING `+assignmentColumns, id, hiveID, scheduledAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictFor(ctx, id, models.StatePendingDrop)
	}
	if err != nil {
		return nil, fmt.Errorf("schedule drop: %w", err)
	}
	return a, nil
}

// ConfirmDrop reserves a cell and a fob and advances the assignment from
// pending_drop through dropped to available in a single transaction. Either
// everything lands or nothing does.
func (s *PostgresStore) ConfirmDrop(ctx context.Context, p ConfirmDropParams) (*models.KeyAssignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin confirm drop: %w", err)
	}
	defer tx.Rollback(ctx)

	var state models.AssignmentState
	var boundHive *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT state, hive_id FROM key_assignments WHERE id = $1 FOR UPDATE`,
		p.AssignmentID).Scan(&state, &boundHive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock assignment: %w", err)
	}
	if state != models.StatePendingDrop {
		return nil, &StateConflictError{Current: state, Expected: models.StatePendingDrop}
	}

	// The cell decides the hive. A scheduled hive must match; an unscheduled
	// drop binds the cell's hive.
	var cellHive uuid.UUID
	var hiveStatus models.HiveStatus
	err = tx.QueryRow(ctx,
		`SELECT c.hive_id, h.status FROM cells c JOIN hives h ON h.id = c.hive_id
		 WHERE c.id = $1 FOR UPDATE OF c`, p.CellID).Scan(&cellHive, &hiveStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCellUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("lock cell: %w", err)
	}
	if boundHive != nil && *boundHive != cellHive {
		return nil, ErrCellUnavailable
	}
	if !hiveStatus.AcceptsDrops() {
		return nil, ErrHiveUnavailable
	}

	ok, err := tryReserveCell(ctx, tx, cellHive, p.CellID, p.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCellUnavailable
	}

	ok, err = tryReserveFob(ctx, tx, cellHive, p.FobID, p.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFobUnavailable
	}

	// dropped and available share one instant: partner placement is the
	// latching point and the pickup code is issued here.
	a, err := scanAssignment(tx.QueryRow(ctx,
		`UPDATE key_assignments
		 SET state = 'available', hive_id = $2, cell_id = $3, nfc_fob_id = $4, partner_id = $5,
		     pickup_code = $6, pickup_code_expires_at = $7,
		     dropped_at = NOW(), available_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND state = 'pending_drop'
		 RETURNING `+assignmentColumns,
		p.AssignmentID, cellHive, p.CellID, p.FobID, p.PartnerID,
		p.PickupCode, p.PickupCodeExpiresAt))
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("confirm drop: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO access_tokens (id, assignment_id, type, value, expires_at, created_at)
		 VALUES ($1, $2, 'otp', $3, $4, NOW())`,
		uuid.New(), p.AssignmentID, p.PickupCode, p.PickupCodeExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("register pickup token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit confirm drop: %w", err)
	}
	return a, nil
}

// PickupAssignment is the write half of pickup validation: a compare-and-swap
// on state = 'available' so at most one of N racing pickups succeeds. The
// one-time pickup token is consumed in the same transaction.
func (s *PostgresStore) PickupAssignment(ctx context.Context, id uuid.UUID, guestID *uuid.UUID, expectedReturnAt time.Time) (*models.KeyAssignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin pickup: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAssignment(tx.QueryRow(ctx,
		`UPDATE key_assignments
		 SET state = 'picked_up', guest_id = COALESCE($2, guest_id),
		     picked_up_at = NOW(), expected_return_at = $3, updated_at = NOW()
		 WHERE id = $1 AND state = 'available'
		 RETURNING `+assignmentColumns, id, guestID, expectedReturnAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictFor(ctx, id, models.StateAvailable)
	}
	if err != nil {
		return nil, fmt.Errorf("pickup assignment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE access_tokens SET used_at = NOW()
		 WHERE assignment_id = $1 AND type = 'otp' AND used_at IS NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("consume pickup token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pickup: %w", err)
	}
	return a, nil
}

// TransitionAssignment performs a plain lifecycle step with compare-and-swap
// semantics. The timestamp column matching the target state is set here, so
// transition times are recorded exactly once.
func (s *PostgresStore) TransitionAssignment(ctx context.Context, id uuid.UUID, from, to models.AssignmentState) (*models.KeyAssignment, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("invalid transition %s -> %s: %w", from, to, ErrStateConflict)
	}

	set := `state = $3, updated_at = NOW()`
	switch to {
	case models.StateDropped:
		set += `, dropped_at = NOW()`
	case models.StateAvailable:
		set += `, available_at = NOW()`
	case models.StateReturnedConfirmed:
		set += `, returned_at = NOW()`
	case models.StateClosed:
		set += `, closed_at = NOW()`
	}

	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE key_assignments SET `+set+`
		 WHERE id = $1 AND state = $2
		 RETURNING `+assignmentColumns, id, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictFor(ctx, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("transition assignment: %w", err)
	}
	return a, nil
}

// ConfirmReturn records physical receipt of the key and releases the cell
// and fob back to the hive inventory, all in one transaction.
func (s *PostgresStore) ConfirmReturn(ctx context.Context, id, cellID uuid.UUID) (*models.KeyAssignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin confirm return: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := scanAssignment(tx.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM key_assignments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock assignment: %w", err)
	}
	if locked.State != models.StateReturnedPending {
		return nil, &StateConflictError{Current: locked.State, Expected: models.StateReturnedPending}
	}
	if locked.CellID == nil || *locked.CellID != cellID {
		return nil, ErrCellMismatch
	}

	a, err := scanAssignment(tx.QueryRow(ctx,
		`UPDATE key_assignments
		 SET state = 'returned_confirmed', returned_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND state = 'returned_pending'
		 RETURNING `+assignmentColumns, id))
	if err != nil {
		return nil, fmt.Errorf("confirm return: %w", err)
	}

	if err := releaseInventory(ctx, tx, a); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit confirm return: %w", err)
	}
	return a, nil
}

// releaseInventory frees the cell and fob held by an assignment. Callers run
// it inside the transaction that ends the assignment's hold.
func releaseInventory(ctx context.Context, tx pgx.Tx, a *models.KeyAssignment) error {
	if a.CellID != nil {
		if err := releaseCell(ctx, tx, *a.CellID); err != nil {
			return err
		}
	}
	if a.NfcFobID != nil {
		if err := releaseFob(ctx, tx, *a.NfcFobID); err != nil {
			return err
		}
	}
	return nil
}

// conflictFor re-reads the assignment after a lost compare-and-swap and
// reports what the caller actually raced against.
func (s *PostgresStore) conflictFor(ctx context.Context, id uuid.UUID, expected models.AssignmentState) error {
	var current models.AssignmentState
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM key_assignments WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read assignment state: %w", err)
	}
	return &StateConflictError{Current: current, Expected: expected}
}
