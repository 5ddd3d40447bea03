package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/keyhive/keyhive/internal/api/middleware"
	"github.com/keyhive/keyhive/internal/api/response"
	"github.com/keyhive/keyhive/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// Assignment lifecycle
	CreateAssignment http.HandlerFunc
	GetAssignment    http.HandlerFunc
	ListAssignments  http.HandlerFunc
	ScheduleDrop     http.HandlerFunc
	ConfirmDrop      http.HandlerFunc
	PickupCode       http.HandlerFunc
	ValidatePickup   http.HandlerFunc
	MarkInUse        http.HandlerFunc
	InitiateReturn   http.HandlerFunc
	ConfirmReturn    http.HandlerFunc
	CloseAssignment  http.HandlerFunc
	IssueMagicLink   http.HandlerFunc
	ViewMagicLink    http.HandlerFunc

	// Access tokens for hive readers
	IssueAccessToken  http.HandlerFunc
	RedeemAccessToken http.HandlerFunc

	// Disputes
	OpenDispute    http.HandlerFunc
	GetDispute     http.HandlerFunc
	ResolveDispute http.HandlerFunc

	// Hives, cells, fobs
	RegisterHive  http.HandlerFunc
	ListHives     http.HandlerFunc
	GetHive       http.HandlerFunc
	HiveCapacity  http.HandlerFunc
	SetHiveStatus http.HandlerFunc
	AddCell       http.HandlerFunc
	ListCells     http.HandlerFunc
	SetCellStatus http.HandlerFunc
	CellHeartbeat http.HandlerFunc
	RegisterFob   http.HandlerFunc
	ListFobs      http.HandlerFunc
	SetFobStatus  http.HandlerFunc

	// Physical keys
	CreateKey http.HandlerFunc
	ListKeys  http.HandlerFunc
	GetKey    http.HandlerFunc

	// Admin
	CreateActor  http.HandlerFunc
	CreateAPIKey http.HandlerFunc
	ListAPIKeys  http.HandlerFunc
	RevokeAPIKey http.HandlerFunc

	// Live events websocket
	Events http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.LimitByIP)
		r.Get("/api/v1/links/{token}", orNotImplemented(deps.ViewMagicLink))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/assignments", orNotImplemented(deps.CreateAssignment))
		r.Get("/api/v1/assignments", orNotImplemented(deps.ListAssignments))
		r.Get("/api/v1/assignments/{assignmentID}", orNotImplemented(deps.GetAssignment))
		r.Post("/api/v1/assignments/{assignmentID}/schedule", orNotImplemented(deps.ScheduleDrop))
		r.Post("/api/v1/assignments/{assignmentID}/drop", orNotImplemented(deps.ConfirmDrop))
		r.Get("/api/v1/assignments/{assignmentID}/pickup-code", orNotImplemented(deps.PickupCode))
		r.Post("/api/v1/assignments/{assignmentID}/pickup", orNotImplemented(deps.ValidatePickup))
		r.Post("/api/v1/assignments/{assignmentID}/in-use", orNotImplemented(deps.MarkInUse))
		r.Post("/api/v1/assignments/{assignmentID}/return", orNotImplemented(deps.InitiateReturn))
		r.Post("/api/v1/assignments/{assignmentID}/return/confirm", orNotImplemented(deps.ConfirmReturn))
		r.Post("/api/v1/assignments/{assignmentID}/close", orNotImplemented(deps.CloseAssignment))
		r.Post("/api/v1/assignments/{assignmentID}/magic-link", orNotImplemented(deps.IssueMagicLink))
		r.Post("/api/v1/assignments/{assignmentID}/tokens", orNotImplemented(deps.IssueAccessToken))
		r.Post("/api/v1/tokens/redeem", orNotImplemented(deps.RedeemAccessToken))

		r.Post("/api/v1/assignments/{assignmentID}/disputes", orNotImplemented(deps.OpenDispute))
		r.Get("/api/v1/disputes/{disputeID}", orNotImplemented(deps.GetDispute))
		r.Post("/api/v1/disputes/{disputeID}/resolve", orNotImplemented(deps.ResolveDispute))

		r.Post("/api/v1/hives", orNotImplemented(deps.RegisterHive))
		r.Get("/api/v1/hives", orNotImplemented(deps.ListHives))
		r.Get("/api/v1/hives/{hiveID}", orNotImplemented(deps.GetHive))
		r.Get("/api/v1/hives/{hiveID}/capacity", orNotImplemented(deps.HiveCapacity))
		r.Post("/api/v1/hives/{hiveID}/status", orNotImplemented(deps.SetHiveStatus))
		r.Post("/api/v1/hives/{hiveID}/cells", orNotImplemented(deps.AddCell))
		r.Get("/api/v1/hives/{hiveID}/cells", orNotImplemented(deps.ListCells))
		r.Post("/api/v1/hives/{hiveID}/fobs", orNotImplemented(deps.RegisterFob))
		r.Get("/api/v1/hives/{hiveID}/fobs", orNotImplemented(deps.ListFobs))
		r.Post("/api/v1/cells/{cellID}/status", orNotImplemented(deps.SetCellStatus))
		r.Post("/api/v1/cells/{cellID}/heartbeat", orNotImplemented(deps.CellHeartbeat))
		r.Post("/api/v1/fobs/{fobID}/status", orNotImplemented(deps.SetFobStatus))

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKey))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeys))
		r.Get("/api/v1/keys/{keyID}", orNotImplemented(deps.GetKey))

		// Live transition events for partner dashboards
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RolePartner))
			r.Get("/api/v1/events", orNotImplemented(deps.Events))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireRole(models.RoleAdmin))

			r.Post("/api/v1/admin/actors", orNotImplemented(deps.CreateActor))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateAPIKey))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListAPIKeys))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeAPIKey))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
