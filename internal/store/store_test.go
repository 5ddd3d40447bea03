package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("keyhive_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// fixture holds one of everything a lifecycle test needs.
type fixture struct {
	host    *models.Actor
	partner *models.Actor
	guest   *models.Actor
	hive    *models.Hive
	cell    *models.Cell
	fob     *models.NfcFob
	key     *models.Key
}

func newActor(t *testing.T, s store.Store, role models.Role, name string) *models.Actor {
	t.Helper()
	a := &models.Actor{ID: uuid.New(), Role: role, Name: name, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateActor(context.Background(), a))
	return a
}

func seedFixture(t *testing.T, s store.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	f := &fixture{
		host:    newActor(t, s, models.RoleHost, "alice"),
		partner: newActor(t, s, models.RolePartner, "kiosk staff"),
		guest:   newActor(t, s, models.RoleGuest, "bob"),
	}

	f.hive = &models.Hive{
		ID:        uuid.New(),
		PartnerID: f.partner.ID,
		Name:      "station kiosk",
		Address:   "1 platform way",
		Status:    models.HiveStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateHive(ctx, f.hive))

	f.cell = &models.Cell{
		ID:         uuid.New(),
		HiveID:     f.hive.ID,
		CellNumber: 1,
		Status:     models.CellStatusAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateCell(ctx, f.cell))

	f.fob = &models.NfcFob{
		ID:        uuid.New(),
		HiveID:    f.hive.ID,
		UID:       uuid.NewString(),
		Status:    models.FobStatusAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateFob(ctx, f.fob))

	f.key = &models.Key{
		ID:          uuid.New(),
		HostID:      f.host.ID,
		Label:       "apartment 4b",
		KeyType:     models.KeyTypeMaster,
		PackageType: models.PackagePayPerUse,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateKey(ctx, f.key))

	return f
}

func pendingAssignment(t *testing.T, s store.Store, f *fixture, code string) *models.KeyAssignment {
	t.Helper()
	now := time.Now().UTC()
	a := &models.KeyAssignment{
		ID:          uuid.New(),
		KeyID:       f.key.ID,
		HostID:      f.host.ID,
		DropOffCode: &code,
		State:       models.StatePendingDrop,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateAssignment(context.Background(), a))
	return a
}

func confirmDrop(t *testing.T, s store.Store, f *fixture, a *models.KeyAssignment, code string) *models.KeyAssignment {
	t.Helper()
	got, err := s.ConfirmDrop(context.Background(), store.ConfirmDropParams{
		AssignmentID:        a.ID,
		CellID:              f.cell.ID,
		FobID:               f.fob.ID,
		PartnerID:           f.partner.ID,
		PickupCode:          code,
		PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return got
}

// --- Lifecycle ---

func TestAssignment_FullLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")

	key, err := s.GetKey(ctx, f.key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusAssigned, key.Status)

	a, err = s.ScheduleDrop(ctx, a.ID, f.hive.ID, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, a.HiveID)

	a = confirmDrop(t, s, f, a, "PICK2345")
	assert.Equal(t, models.StateAvailable, a.State)
	require.NotNil(t, a.DroppedAt)
	require.NotNil(t, a.AvailableAt)
	require.NotNil(t, a.PickupCode)

	cell, err := s.GetCell(ctx, f.cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusOccupied, cell.Status)
	fob, err := s.GetFob(ctx, f.fob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FobStatusAssigned, fob.Status)

	key, err = s.GetKey(ctx, f.key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusAvailable, key.Status)

	cap, err := s.HiveCapacity(ctx, f.hive.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cap.TotalCells)
	assert.Equal(t, 1, cap.OccupiedCells)
	assert.Equal(t, 0, cap.FreeCells)
	assert.Equal(t, 0, cap.FreeFobs)

	a, err = s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatePickedUp, a.State)
	require.NotNil(t, a.GuestID)
	assert.Equal(t, f.guest.ID, *a.GuestID)

	a, err = s.TransitionAssignment(ctx, a.ID, models.StatePickedUp, models.StateInUse)
	require.NoError(t, err)
	a, err = s.TransitionAssignment(ctx, a.ID, models.StateInUse, models.StateReturnedPending)
	require.NoError(t, err)

	a, err = s.ConfirmReturn(ctx, a.ID, f.cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReturnedConfirmed, a.State)
	require.NotNil(t, a.ReturnedAt)

	cell, err = s.GetCell(ctx, f.cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusAvailable, cell.Status)
	fob, err = s.GetFob(ctx, f.fob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FobStatusAvailable, fob.Status)

	a, err = s.TransitionAssignment(ctx, a.ID, models.StateReturnedConfirmed, models.StateClosed)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, a.State)
	require.NotNil(t, a.ClosedAt)

	key, err = s.GetKey(ctx, f.key.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusClosed, key.Status)
}

func TestCreateAssignment_SecondLiveCycleRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	f := seedFixture(t, s)

	pendingAssignment(t, s, f, "DROP2345")

	second := &models.KeyAssignment{
		ID:     uuid.New(),
		KeyID:  f.key.ID,
		HostID: f.host.ID,
		State:  models.StatePendingDrop, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	err := s.CreateAssignment(context.Background(), second)
	assert.ErrorIs(t, err, store.ErrKeyAlreadyActive)
}

func TestCreateAssignment_DuplicateDropCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	pendingAssignment(t, s, f, "DROP2345")

	otherKey := &models.Key{
		ID: uuid.New(), HostID: f.host.ID, Label: "garage",
		KeyType: models.KeyTypeSpare, PackageType: models.PackageWeekly,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateKey(ctx, otherKey))

	code := "DROP2345"
	err := s.CreateAssignment(ctx, &models.KeyAssignment{
		ID: uuid.New(), KeyID: otherKey.ID, HostID: f.host.ID,
		DropOffCode: &code, State: models.StatePendingDrop,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

// --- ConfirmDrop ---

func TestConfirmDrop_SecondConfirmLosesWithCurrentState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")

	_, err := s.ConfirmDrop(context.Background(), store.ConfirmDropParams{
		AssignmentID: a.ID, CellID: f.cell.ID, FobID: f.fob.ID, PartnerID: f.partner.ID,
		PickupCode: "PICK9999", PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
	})
	var conflict *store.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.StateAvailable, conflict.Current)
	assert.Equal(t, models.StatePendingDrop, conflict.Expected)
}

func TestConfirmDrop_OccupiedCellRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")

	otherKey := &models.Key{
		ID: uuid.New(), HostID: f.host.ID, Label: "garage",
		KeyType: models.KeyTypeMaster, PackageType: models.PackagePayPerUse,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateKey(ctx, otherKey))
	code := "DROP9999"
	b := &models.KeyAssignment{
		ID: uuid.New(), KeyID: otherKey.ID, HostID: f.host.ID,
		DropOffCode: &code, State: models.StatePendingDrop,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAssignment(ctx, b))

	_, err := s.ConfirmDrop(ctx, store.ConfirmDropParams{
		AssignmentID: b.ID, CellID: f.cell.ID, FobID: f.fob.ID, PartnerID: f.partner.ID,
		PickupCode: "PICK9999", PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
	})
	assert.ErrorIs(t, err, store.ErrCellUnavailable)
}

func TestConfirmDrop_ScheduledHiveMustMatchCell(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	otherHive := &models.Hive{
		ID: uuid.New(), PartnerID: f.partner.ID, Name: "airport kiosk",
		Status:    models.HiveStatusActive,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateHive(ctx, otherHive))

	a := pendingAssignment(t, s, f, "DROP2345")
	_, err := s.ScheduleDrop(ctx, a.ID, otherHive.ID, time.Now().UTC())
	require.NoError(t, err)

	// The cell belongs to the original hive, not the scheduled one.
	_, err = s.ConfirmDrop(ctx, store.ConfirmDropParams{
		AssignmentID: a.ID, CellID: f.cell.ID, FobID: f.fob.ID, PartnerID: f.partner.ID,
		PickupCode: "PICK2345", PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
	})
	assert.ErrorIs(t, err, store.ErrCellUnavailable)
}

func TestConfirmDrop_OfflineHiveRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	require.NoError(t, s.UpdateHiveStatus(ctx, f.hive.ID, models.HiveStatusOffline))

	a := pendingAssignment(t, s, f, "DROP2345")
	_, err := s.ConfirmDrop(ctx, store.ConfirmDropParams{
		AssignmentID: a.ID, CellID: f.cell.ID, FobID: f.fob.ID, PartnerID: f.partner.ID,
		PickupCode: "PICK2345", PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
	})
	assert.ErrorIs(t, err, store.ErrHiveUnavailable)
}

func TestConfirmDrop_ConcurrentCellRace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	// Two pending assignments for two keys, one cell and one fob.
	a := pendingAssignment(t, s, f, "DROP1111")
	otherKey := &models.Key{
		ID: uuid.New(), HostID: f.host.ID, Label: "garage",
		KeyType: models.KeyTypeMaster, PackageType: models.PackagePayPerUse,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateKey(ctx, otherKey))
	code := "DROP2222"
	b := &models.KeyAssignment{
		ID: uuid.New(), KeyID: otherKey.ID, HostID: f.host.ID,
		DropOffCode: &code, State: models.StatePendingDrop,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAssignment(ctx, b))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	codes := []string{"PICKAAAA", "PICKBBBB"}
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = s.ConfirmDrop(ctx, store.ConfirmDropParams{
				AssignmentID: id, CellID: f.cell.ID, FobID: f.fob.ID, PartnerID: f.partner.ID,
				PickupCode: codes[i], PickupCodeExpiresAt: time.Now().UTC().Add(72 * time.Hour),
			})
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one drop confirmation must win the cell")
}

// --- Pickup ---

func TestPickupAssignment_ConsumesToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")

	tok, err := s.GetAccessTokenByValue(ctx, "PICK2345", models.TokenTypeOTP)
	require.NoError(t, err)
	assert.Nil(t, tok.UsedAt)

	_, err = s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)

	tok, err = s.GetAccessTokenByValue(ctx, "PICK2345", models.TokenTypeOTP)
	require.NoError(t, err)
	assert.NotNil(t, tok.UsedAt)
}

func TestPickupAssignment_AtMostOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var conflict *store.StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, models.StateAvailable, conflict.Expected)
	}
	assert.Equal(t, 1, winners, "exactly one pickup must win")
}

// --- ConfirmReturn ---

func TestConfirmReturn_WrongCell(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")
	_, err := s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	_, err = s.TransitionAssignment(ctx, a.ID, models.StatePickedUp, models.StateReturnedPending)
	require.NoError(t, err)

	otherCell := &models.Cell{
		ID: uuid.New(), HiveID: f.hive.ID, CellNumber: 2,
		Status:    models.CellStatusAvailable,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateCell(ctx, otherCell))

	_, err = s.ConfirmReturn(ctx, a.ID, otherCell.ID)
	assert.ErrorIs(t, err, store.ErrCellMismatch)
}

func TestTransitionAssignment_InvalidStepRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")

	_, err := s.TransitionAssignment(context.Background(), a.ID, models.StatePendingDrop, models.StateClosed)
	assert.ErrorIs(t, err, store.ErrStateConflict)
}

// --- Disputes ---

func TestDispute_OpenRecordsPriorState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")
	_, err := s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)

	now := time.Now().UTC()
	d := &models.Dispute{
		ID: uuid.New(), AssignmentID: a.ID, InitiatorID: f.host.ID,
		Reason: "key not in cell", Status: models.DisputeStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	got, err := s.OpenDispute(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, models.StateDispute, got.State)
	require.NotNil(t, got.PriorState)
	assert.Equal(t, models.StatePickedUp, *got.PriorState)

	// A second open dispute on the same assignment is rejected.
	d2 := &models.Dispute{
		ID: uuid.New(), AssignmentID: a.ID, InitiatorID: f.guest.ID,
		Reason: "me too", Status: models.DisputeStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err = s.OpenDispute(ctx, d2)
	assert.ErrorIs(t, err, store.ErrDisputeAlreadyOpen)
}

func TestDispute_ResolveReturnToPriorState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)
	admin := newActor(t, s, models.RoleAdmin, "ops")

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")
	_, err := s.PickupAssignment(ctx, a.ID, &f.guest.ID, time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)

	now := time.Now().UTC()
	d := &models.Dispute{
		ID: uuid.New(), AssignmentID: a.ID, InitiatorID: f.host.ID,
		Reason: "wrong key", Status: models.DisputeStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err = s.OpenDispute(ctx, d)
	require.NoError(t, err)

	got, err := s.ResolveDispute(ctx, d.ID, admin.ID, "misread label, all fine", models.OutcomeReturnToPriorState)
	require.NoError(t, err)
	assert.Equal(t, models.StatePickedUp, got.State)
	assert.Nil(t, got.PriorState)

	resolved, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolverID)
	assert.Equal(t, admin.ID, *resolved.ResolverID)

	// Resolving twice is rejected.
	_, err = s.ResolveDispute(ctx, d.ID, admin.ID, "again", models.OutcomeForceClose)
	assert.ErrorIs(t, err, store.ErrDisputeNotOpen)
}

func TestDispute_ResolveForceCloseReleasesInventory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)
	admin := newActor(t, s, models.RoleAdmin, "ops")

	a := pendingAssignment(t, s, f, "DROP2345")
	confirmDrop(t, s, f, a, "PICK2345")

	now := time.Now().UTC()
	d := &models.Dispute{
		ID: uuid.New(), AssignmentID: a.ID, InitiatorID: f.partner.ID,
		Reason: "cell jammed", Status: models.DisputeStatusOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.OpenDispute(ctx, d)
	require.NoError(t, err)

	got, err := s.ResolveDispute(ctx, d.ID, admin.ID, "cell emptied by staff", models.OutcomeForceClose)
	require.NoError(t, err)
	assert.Equal(t, models.StateClosed, got.State)

	cell, err := s.GetCell(ctx, f.cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusAvailable, cell.Status)
	fob, err := s.GetFob(ctx, f.fob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FobStatusAvailable, fob.Status)

	cap, err := s.HiveCapacity(ctx, f.hive.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cap.FreeCells)
	assert.Equal(t, 1, cap.FreeFobs)
}

// --- Access tokens ---

func TestAccessToken_ConsumeOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	tok := &models.AccessToken{
		ID:           uuid.New(),
		AssignmentID: a.ID,
		Type:         models.TokenTypeQR,
		Value:        uuid.NewString(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateAccessToken(ctx, tok))

	require.NoError(t, s.ConsumeAccessToken(ctx, tok.ID))

	err := s.ConsumeAccessToken(ctx, tok.ID)
	assert.ErrorIs(t, err, store.ErrTokenUsed)
}

func TestAccessToken_LookupByValueAndType(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")
	tok := &models.AccessToken{
		ID: uuid.New(), AssignmentID: a.ID, Type: models.TokenTypeNFC,
		Value: "fob-uid-1", ExpiresAt: time.Now().UTC().Add(time.Hour), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateAccessToken(ctx, tok))

	got, err := s.GetAccessTokenByValue(ctx, "fob-uid-1", models.TokenTypeNFC)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	_, err = s.GetAccessTokenByValue(ctx, "fob-uid-1", models.TokenTypeQR)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Reservations ---

func TestTryReserveCell_SingleWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	ok, err := s.TryReserveCell(ctx, f.hive.ID, f.cell.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryReserveCell(ctx, f.hive.ID, f.cell.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok, "an occupied cell must not be reserved again")

	require.NoError(t, s.ReleaseCell(ctx, f.cell.ID))

	ok, err = s.TryReserveCell(ctx, f.hive.ID, f.cell.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok, "a released cell goes back into rotation")
}

func TestTryReserveFob_HiveGuardAndSingleWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	ok, err := s.TryReserveFob(ctx, uuid.New(), f.fob.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok, "a fob must only be reserved through its own hive")

	ok, err = s.TryReserveFob(ctx, f.hive.ID, f.fob.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryReserveFob(ctx, f.hive.ID, f.fob.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseFob(ctx, f.fob.ID))

	ok, err = s.TryReserveFob(ctx, f.hive.ID, f.fob.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Listing ---

func TestListAssignments_FiltersAndPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	a := pendingAssignment(t, s, f, "DROP2345")

	otherHost := newActor(t, s, models.RoleHost, "carol")
	otherKey := &models.Key{
		ID: uuid.New(), HostID: otherHost.ID, Label: "office",
		KeyType: models.KeyTypeMaster, PackageType: models.PackageMonthly,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateKey(ctx, otherKey))
	code := "DROP9999"
	require.NoError(t, s.CreateAssignment(ctx, &models.KeyAssignment{
		ID: uuid.New(), KeyID: otherKey.ID, HostID: otherHost.ID,
		DropOffCode: &code, State: models.StatePendingDrop,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	all, total, err := s.ListAssignments(ctx, store.AssignmentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	mine, total, err := s.ListAssignments(ctx, store.AssignmentFilter{HostID: f.host.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	page, total, err := s.ListAssignments(ctx, store.AssignmentFilter{Page: 2, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 1)
}

// --- API keys ---

func TestAPIKey_PrefixLookupSkipsRevoked(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	f := seedFixture(t, s)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID: uuid.New(), ActorID: f.host.ID, Role: models.RoleHost, Name: "cli",
		KeyHash:   "$2a$10$fakefakefakefakefakefakefakefakefakefakefakefakefakef",
		KeyPrefix: "kh_abc12", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	found, err := s.GetAPIKeyByPrefix(ctx, "kh_abc12")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, key.ID, found[0].ID)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	found, err = s.GetAPIKeyByPrefix(ctx, "kh_abc12")
	require.NoError(t, err)
	assert.Empty(t, found)
}
