package ledger

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pixelforge/pixelforge/internal/apperror"
)

// sessionCookieName is the HTTP cookie used to store the session token.
const sessionCookieName = "pixelforge_session"

// Handler handles HTTP requests for the ledger (register, login, logout,
// current account, upgrade, recovery). Handlers are thin: they bind the
// request, call the service, and shape the JSON response. No business logic
// lives here.
type Handler struct {
	service    LedgerService
	sessionTTL time.Duration
}

// NewHandler creates a ledger handler with the given service. sessionTTL
// sets the session cookie's Max-Age to match the Redis TTL.
func NewHandler(service LedgerService, sessionTTL time.Duration) *Handler {
	return &Handler{service: service, sessionTTL: sessionTTL}
}

// accountResponse is the API-safe representation of an account, including
// the derived remaining allowance so clients never compute quota locally.
type accountResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	UsageCount    int       `json:"usage_count"`
	IsPremium     bool      `json:"is_premium"`
	RemainingFree int       `json:"remaining_free"`
	Unlimited     bool      `json:"unlimited"`
	CreatedAt     time.Time `json:"created_at"`
}

// toAccountResponse shapes an account for the wire.
func (h *Handler) toAccountResponse(a *Account) accountResponse {
	left, unlimited := h.service.Remaining(a)
	return accountResponse{
		ID:            a.ID,
		Email:         a.Email,
		Name:          a.Name,
		UsageCount:    a.UsageCount,
		IsPremium:     a.IsPremium,
		RemainingFree: left,
		Unlimited:     unlimited,
		CreatedAt:     a.CreatedAt,
	}
}

// Register creates a new account (POST /api/v1/register).
func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	token, account, err := h.service.Register(c.Request().Context(), RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return c.JSON(http.StatusCreated, map[string]any{
		"token":   token,
		"account": h.toAccountResponse(account),
	})
}

// Login authenticates an account (POST /api/v1/login).
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	token, account, err := h.service.Login(c.Request().Context(), LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token)
	return c.JSON(http.StatusOK, map[string]any{
		"token":   token,
		"account": h.toAccountResponse(account),
	})
}

// Logout destroys the current session (POST /api/v1/logout). It is
// best-effort: with no token, or a token that no longer resolves to a
// session, it still clears the cookie and succeeds.
func (h *Handler) Logout(c echo.Context) error {
	if token := getSessionToken(c); token != "" {
		if err := h.service.Logout(c.Request().Context(), token); err != nil {
			return err
		}
	}
	clearSessionCookie(c)
	return c.NoContent(http.StatusNoContent)
}

// Me returns the current account (GET /api/v1/me). Reading the account
// applies any due quota reset as a side effect.
func (h *Handler) Me(c echo.Context) error {
	account, err := h.service.CurrentAccount(c.Request().Context(), getSessionToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.toAccountResponse(account))
}

// Upgrade switches the current account to premium (POST /api/v1/me/upgrade).
// Repeating the call is a no-op success.
func (h *Handler) Upgrade(c echo.Context) error {
	accountID := GetAccountID(c)
	if accountID == "" {
		return apperror.NewUnauthorized("authentication required")
	}

	account, err := h.service.UpgradeToPremium(c.Request().Context(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.toAccountResponse(account))
}

// RequestRecovery issues a password recovery token (POST /api/v1/recovery).
// The token is returned in the response body -- delivery to the mailbox is
// outside this service.
func (h *Handler) RequestRecovery(c echo.Context) error {
	var req RecoveryRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	token, err := h.service.RequestRecovery(c.Request().Context(), req.Email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"token": token,
	})
}

// VerifyRecovery checks a recovery token (POST /api/v1/recovery/verify).
// Denial is reported in the body, not as an HTTP error, so clients can
// distinguish a wrong token from a system failure.
func (h *Handler) VerifyRecovery(c echo.Context) error {
	var req VerifyRecoveryRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	valid, err := h.service.VerifyRecovery(c.Request().Context(), req.Email, req.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{
		"valid": valid,
	})
}

// ResetPassword sets a new password (POST /api/v1/recovery/reset). The
// public API requires a valid recovery token here even though the service
// leaves verify-then-reset ordering to its caller.
func (h *Handler) ResetPassword(c echo.Context) error {
	var req ResetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	valid, err := h.service.VerifyRecovery(c.Request().Context(), req.Email, req.Token)
	if err != nil {
		return err
	}
	if !valid {
		return apperror.NewUnauthorized("invalid or expired recovery token")
	}

	if err := h.service.ResetPassword(c.Request().Context(), req.Email, req.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "password reset successful",
	})
}

// --- Session token plumbing ---

// getSessionToken extracts the session token from the request: the session
// cookie for browsers, or an Authorization: Bearer header for API clients.
func getSessionToken(c echo.Context) string {
	if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// setSessionCookie writes the session cookie with security attributes.
func (h *Handler) setSessionCookie(c echo.Context, token string) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the session cookie.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
