package generation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pixelforge/pixelforge/internal/apperror"
	"github.com/pixelforge/pixelforge/internal/ledger"
)

// Handler handles HTTP requests for image generation.
type Handler struct {
	service Service
	ledger  ledger.LedgerService
}

// NewHandler creates a generation handler.
func NewHandler(service Service, ledgerService ledger.LedgerService) *Handler {
	return &Handler{service: service, ledger: ledgerService}
}

// generateResponse pairs the new generation with the account's quota state
// after the spend, so clients can update their counters without a second
// request.
type generateResponse struct {
	Generation    *Generation `json:"generation"`
	UsageCount    int         `json:"usage_count"`
	RemainingFree int         `json:"remaining_free"`
	Unlimited     bool        `json:"unlimited"`
}

// Generate creates an image (POST /api/v1/generations).
func (h *Handler) Generate(c echo.Context) error {
	session := ledger.GetSession(c)
	if session == nil {
		return apperror.NewUnauthorized("authentication required")
	}

	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	g, account, err := h.service.Generate(c.Request().Context(), session, req.Prompt)
	if err != nil {
		return err
	}

	left, unlimited := h.ledger.Remaining(account)
	return c.JSON(http.StatusCreated, generateResponse{
		Generation:    g,
		UsageCount:    account.UsageCount,
		RemainingFree: left,
		Unlimited:     unlimited,
	})
}

// History lists the account's recent generations (GET /api/v1/generations).
func (h *Handler) History(c echo.Context) error {
	accountID := ledger.GetAccountID(c)
	if accountID == "" {
		return apperror.NewUnauthorized("authentication required")
	}

	generations, err := h.service.History(c.Request().Context(), accountID)
	if err != nil {
		return err
	}
	if generations == nil {
		generations = []Generation{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"generations": generations,
	})
}
