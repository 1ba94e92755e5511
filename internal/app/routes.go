package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixelforge/pixelforge/internal/generation"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/metrics"
)

// RegisterRoutes wires up all services and registers every route. This is
// the single place where the packages are composed: repositories on the
// shared DB pool, sessions on Redis, and the generation service spending
// through the ledger.
func (a *App) RegisterRoutes() {
	e := a.Echo

	// --- Operational endpoints ---

	e.GET("/healthz", a.healthz)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.Registry)))

	// --- Ledger (accounts, sessions, quota, recovery) ---

	policy := ledger.NewQuotaPolicy(a.Config.Quota.FreeImageLimit, a.Config.Quota.ResetUTCOffsetHours)
	ledgerService := ledger.NewLedgerService(
		ledger.NewAccountRepository(a.DB),
		ledger.NewCredentialRepository(a.DB),
		ledger.NewRecoveryTokenRepository(a.DB),
		ledger.NewSessionStore(a.Redis, a.Config.Auth.SessionTTL),
		policy,
		a.Config.Auth.RecoveryTokenTTL,
		a.Collector,
	)
	ledgerHandler := ledger.NewHandler(ledgerService, a.Config.Auth.SessionTTL)

	api := e.Group("/api/v1")
	ledger.RegisterRoutes(api, ledgerHandler)

	// --- Generation (webhook calls and history) ---

	generator := generation.NewWebhookGenerator(
		a.Config.Generator.WebhookURL,
		a.Config.Generator.Timeout,
		a.Config.Generator.MaxRetries,
	)
	generationService := generation.NewService(
		generation.NewRepository(a.DB),
		ledgerService,
		generator,
		a.Collector,
	)
	generationHandler := generation.NewHandler(generationService, ledgerService)
	generation.RegisterRoutes(api, generationHandler, ledgerService)
}

// healthz reports liveness of the service and its backing stores.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}

	if err := a.DB.PingContext(ctx); err != nil {
		checks["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}
