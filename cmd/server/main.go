// Package main is the entrypoint for the KeyHive API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/keyhive/keyhive/internal/api"
	"github.com/keyhive/keyhive/internal/api/handler"
	mw "github.com/keyhive/keyhive/internal/api/middleware"
	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/internal/assignment"
	"github.com/keyhive/keyhive/internal/audit"
	"github.com/keyhive/keyhive/internal/cache"
	"github.com/keyhive/keyhive/internal/config"
	"github.com/keyhive/keyhive/internal/dispute"
	"github.com/keyhive/keyhive/internal/hive"
	"github.com/keyhive/keyhive/internal/store"
	"github.com/keyhive/keyhive/internal/token"
	"github.com/keyhive/keyhive/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and services
	pgStore := store.NewPostgresStore(pool)

	if cfg.Admin.BootstrapKey != "" {
		if err := seedBootstrapAdmin(ctx, pgStore, cfg.Admin.BootstrapKey); err != nil {
			return fmt.Errorf("seed bootstrap admin: %w", err)
		}
	}

	hub := audit.NewHub()
	go hub.Run()
	emitter := audit.NewEmitter(pgStore, hub)

	codes := token.NewGenerator([]byte(cfg.Token.Secret), cfg.Token.CodeLength, cfg.Token.MagicLinkTTL)
	validator := token.NewValidator(pgStore)
	assignments := assignment.NewService(pgStore, codes, validator, emitter, cfg.Token.PickupTTL)
	hives := hive.NewRegistry(pgStore, emitter)
	disputes := dispute.NewHandler(pgStore, assignments)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateAssignment: handler.NewCreateAssignmentHandler(assignments),
		GetAssignment:    handler.NewGetAssignmentHandler(assignments),
		ListAssignments:  handler.NewListAssignmentsHandler(assignments),
		ScheduleDrop:     handler.NewScheduleDropHandler(assignments),
		ConfirmDrop:      handler.NewConfirmDropHandler(assignments),
		PickupCode:       handler.NewPickupCodeHandler(assignments),
		ValidatePickup:   handler.NewValidatePickupHandler(assignments),
		MarkInUse:        handler.NewMarkInUseHandler(assignments),
		InitiateReturn:   handler.NewInitiateReturnHandler(assignments),
		ConfirmReturn:    handler.NewConfirmReturnHandler(assignments),
		CloseAssignment:  handler.NewCloseAssignmentHandler(assignments),
		IssueMagicLink:   handler.NewIssueMagicLinkHandler(assignments),
		ViewMagicLink:    handler.NewViewMagicLinkHandler(assignments, redisCache),

		IssueAccessToken:  handler.NewIssueAccessTokenHandler(assignments),
		RedeemAccessToken: handler.NewRedeemAccessTokenHandler(assignments),

		OpenDispute:    handler.NewOpenDisputeHandler(disputes),
		GetDispute:     handler.NewGetDisputeHandler(disputes),
		ResolveDispute: handler.NewResolveDisputeHandler(disputes),

		RegisterHive:  handler.NewRegisterHiveHandler(hives),
		ListHives:     handler.NewListHivesHandler(hives),
		GetHive:       handler.NewGetHiveHandler(hives),
		HiveCapacity:  handler.NewHiveCapacityHandler(hives),
		SetHiveStatus: handler.NewSetHiveStatusHandler(hives),
		AddCell:       handler.NewAddCellHandler(hives),
		ListCells:     handler.NewListCellsHandler(hives),
		SetCellStatus: handler.NewSetCellStatusHandler(hives),
		CellHeartbeat: handler.NewCellHeartbeatHandler(hives),
		RegisterFob:   handler.NewRegisterFobHandler(hives),
		ListFobs:      handler.NewListFobsHandler(hives),
		SetFobStatus:  handler.NewSetFobStatusHandler(hives),

		CreateKey: handler.NewCreateKeyHandler(pgStore),
		ListKeys:  handler.NewListKeysHandler(pgStore),
		GetKey:    handler.NewGetKeyHandler(pgStore),

		CreateActor:  handler.NewCreateActorHandler(pgStore),
		CreateAPIKey: handler.NewCreateAPIKeyHandler(pgStore),
		ListAPIKeys:  handler.NewListAPIKeysHandler(pgStore),
		RevokeAPIKey: handler.NewRevokeAPIKeyHandler(pgStore),

		Events: hub.ServeWS,
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// seedBootstrapAdmin registers the operator's admin credential on first
// start so further actors and keys can be created over the API. Idempotent:
// an existing key with the same prefix is left alone.
func seedBootstrapAdmin(ctx context.Context, s store.Store, rawKey string) error {
	if len(rawKey) < 8 {
		return fmt.Errorf("bootstrap admin key too short")
	}

	existing, err := s.GetAPIKeyByPrefix(ctx, rawKey[:8])
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	actor := &models.Actor{
		ID:        uuid.New(),
		Role:      models.RoleAdmin,
		Name:      "bootstrap-admin",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateActor(ctx, actor); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		ActorID:   actor.ID,
		Role:      models.RoleAdmin,
		Name:      "bootstrap-admin",
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:8],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key seeded", "prefix", key.KeyPrefix)
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
