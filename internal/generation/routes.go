package generation

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/middleware"
)

// RegisterRoutes sets up the generation routes on the given API group. All
// routes require an authenticated session. The generate endpoint carries its
// own rate limit on top of quota enforcement so that premium accounts cannot
// hammer the generator either.
func RegisterRoutes(api *echo.Group, h *Handler, ledgerService ledger.LedgerService) {
	g := api.Group("/generations", ledger.RequireAuth(ledgerService))
	g.POST("", h.Generate, middleware.RateLimit(20, time.Minute))
	g.GET("", h.History)
}
