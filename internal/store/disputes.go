package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/keyhive/keyhive/pkg/models"
)

const disputeColumns = `id, assignment_id, initiator_id, reason, evidence, status,
	resolution, resolver_id, resolved_at, created_at, updated_at`

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.AssignmentID, &d.InitiatorID, &d.Reason, &d.Evidence,
		&d.Status, &d.Resolution, &d.ResolverID, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// OpenDispute inserts the dispute record and parks the assignment in the
// dispute state, remembering where it was. The timeline columns already
// recorded stay untouched.
func (s *PostgresStore) OpenDispute(ctx context.Context, d *models.Dispute) (*models.KeyAssignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin open dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	var state models.AssignmentState
	err = tx.QueryRow(ctx,
		`SELECT state FROM key_assignments WHERE id = $1 FOR UPDATE`,
		d.AssignmentID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock assignment: %w", err)
	}
	if state == models.StateClosed {
		return nil, &StateConflictError{Current: state, Expected: models.StateDispute}
	}
	if state == models.StateDispute {
		return nil, ErrDisputeAlreadyOpen
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO disputes (id, assignment_id, initiator_id, reason, evidence, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.AssignmentID, d.InitiatorID, d.Reason, d.Evidence, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uniq_open_dispute_per_assignment") {
			return nil, ErrDisputeAlreadyOpen
		}
		return nil, fmt.Errorf("insert dispute: %w", err)
	}

	a, err := scanAssignment(tx.QueryRow(ctx,
		`UPDATE key_assignments
		 SET prior_state = state, state = 'dispute', updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+assignmentColumns, d.AssignmentID))
	if err != nil {
		return nil, fmt.Errorf("mark assignment disputed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit open dispute: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetOpenDispute(ctx context.Context, assignmentID uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE assignment_id = $1 AND status IN ('open', 'investigating')`, assignmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open dispute: %w", err)
	}
	return d, nil
}

// ResolveDispute closes out the dispute and drives the assignment either
// back to the state it held before the dispute or straight to closed. A
// force-close releases any cell and fob the assignment still holds.
func (s *PostgresStore) ResolveDispute(ctx context.Context, disputeID, resolverID uuid.UUID, resolution string, outcome models.DisputeOutcome) (*models.KeyAssignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin resolve dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := scanDispute(tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock dispute: %w", err)
	}
	if !d.Status.Open() {
		return nil, ErrDisputeNotOpen
	}

	locked, err := scanAssignment(tx.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM key_assignments WHERE id = $1 FOR UPDATE`,
		d.AssignmentID))
	if err != nil {
		return nil, fmt.Errorf("lock assignment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE disputes
		 SET status = 'resolved', resolution = $2, resolver_id = $3, resolved_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, disputeID, resolution, resolverID)
	if err != nil {
		return nil, fmt.Errorf("resolve dispute: %w", err)
	}

	var a *models.KeyAssignment
	switch outcome {
	case models.OutcomeForceClose:
		a, err = scanAssignment(tx.QueryRow(ctx,
			`UPDATE key_assignments
			 SET state = 'closed', prior_state = NULL, closed_at = NOW(), updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+assignmentColumns, d.AssignmentID))
		if err != nil {
			return nil, fmt.Errorf("force close assignment: %w", err)
		}
		if err := releaseInventory(ctx, tx, a); err != nil {
			return nil, err
		}
	case models.OutcomeReturnToPriorState:
		if locked.PriorState == nil {
			return nil, fmt.Errorf("no prior state recorded: %w", ErrStateConflict)
		}
		a, err = scanAssignment(tx.QueryRow(ctx,
			`UPDATE key_assignments
			 SET state = $2, prior_state = NULL, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+assignmentColumns, d.AssignmentID, *locked.PriorState))
		if err != nil {
			return nil, fmt.Errorf("restore assignment: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown dispute outcome %q", outcome)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolve dispute: %w", err)
	}
	return a, nil
}
