package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chatdesk-io/chatdesk/internal/api/http/handlers"
	"github.com/chatdesk-io/chatdesk/internal/auth"
	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Metrics        *handlers.MetricsHandler
	Tickets        *handlers.TicketsHandler
	Scheduler      *handlers.SchedulerHandler
	AuthMiddleware *auth.AuthMiddleware
	MediaDir       string
	MediaBaseURL   string
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Metrics.Snapshot)
	if cfg.MediaDir != "" && cfg.MediaBaseURL != "" {
		app.Static(cfg.MediaBaseURL, cfg.MediaDir)
	}

	api := app.Group("/api", cfg.AuthMiddleware.Handle, auth.RequireRole())

	tickets := api.Group("/tickets")
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Get("/:id/messages", cfg.Tickets.ListMessages)
	tickets.Get("/:id/history", cfg.Tickets.ListHistory)
	tickets.Post("/:id/accept", cfg.Tickets.Accept)
	tickets.Post("/:id/release", cfg.Tickets.Release)
	tickets.Post("/:id/close", cfg.Tickets.Close)
	tickets.Post("/:id/transfer", cfg.Tickets.Transfer)

	api.Post("/tenants/:tenant/auto-assign",
		auth.RequireRole(domain.AgentRoleSupervisor, domain.AgentRoleAdmin),
		auth.RequireTenantParam("tenant"),
		cfg.Scheduler.TriggerAutoAssign,
	)
}
