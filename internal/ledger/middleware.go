package ledger

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Context keys for storing session data in the Echo context. Other packages
// use the exported getters below to access the authenticated account.
const (
	contextKeySession   = "ledger_session"
	contextKeyAccountID = "ledger_account_id"
)

// RequireAuth returns middleware that validates the session token and
// injects session data into the request context. Missing or invalid
// sessions get a 401 JSON response.
func RequireAuth(service LedgerService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getSessionToken(c)
			if token == "" {
				return unauthenticated(c)
			}

			session, err := service.ValidateSession(c.Request().Context(), token)
			if err != nil {
				// Invalid or expired session -- clear the stale cookie.
				clearSessionCookie(c)
				return unauthenticated(c)
			}

			c.Set(contextKeySession, session)
			c.Set(contextKeyAccountID, session.AccountID)

			return next(c)
		}
	}
}

// unauthenticated writes the standard 401 response.
func unauthenticated(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"type":    "unauthorized",
		"message": "authentication required",
	})
}

// --- Exported getters for other packages ---

// GetSession retrieves the authenticated session from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func GetSession(c echo.Context) *Session {
	session, ok := c.Get(contextKeySession).(*Session)
	if !ok {
		return nil
	}
	return session
}

// GetAccountID retrieves the authenticated account's ID from the Echo
// context. Returns empty string if the request is not authenticated.
func GetAccountID(c echo.Context) string {
	id, ok := c.Get(contextKeyAccountID).(string)
	if !ok {
		return ""
	}
	return id
}
