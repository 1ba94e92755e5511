package ledger

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixelforge/pixelforge/internal/middleware"
)

// RegisterRoutes sets up the ledger routes on the given API group.
// RequireAuth is exported separately for other packages to protect their
// own route groups.
//
// POST endpoints are rate-limited to slow brute-force, credential stuffing,
// and recovery-token guessing: the short token makes an unthrottled verify
// endpoint the weakest link.
func RegisterRoutes(api *echo.Group, h *Handler) {
	// Public routes -- no session required.
	api.POST("/register", h.Register, middleware.RateLimit(5, time.Minute))
	api.POST("/login", h.Login, middleware.RateLimit(10, time.Minute))
	api.POST("/recovery", h.RequestRecovery, middleware.RateLimit(5, time.Minute))
	api.POST("/recovery/verify", h.VerifyRecovery, middleware.RateLimit(10, time.Minute))
	api.POST("/recovery/reset", h.ResetPassword, middleware.RateLimit(5, time.Minute))

	// Logout is public on purpose: a client holding a stale or already-deleted
	// token must still be able to clear its cookie, so the handler deletes the
	// session best-effort and never fails.
	api.POST("/logout", h.Logout)

	// Authenticated routes.
	authed := api.Group("", RequireAuth(h.service))
	authed.GET("/me", h.Me)
	authed.POST("/me/upgrade", h.Upgrade)
}
