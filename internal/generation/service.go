package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/pixelforge/internal/apperror"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/metrics"
	"github.com/pixelforge/pixelforge/internal/sanitize"
)

// Prompt length bounds. The lower bound rejects empty submissions after
// sanitization; the upper bound keeps storage and webhook payloads sane.
const (
	minPromptLength = 1
	maxPromptLength = 2000
)

// defaultHistoryLimit caps how many generations a history listing returns.
const defaultHistoryLimit = 50

// Service coordinates image generation: it spends a quota unit through the
// ledger, calls the generator, and records the result.
type Service interface {
	// Generate spends one quota unit for the session's account, asks the
	// generator for an image, and records it. The unit is spent before the
	// generator is called and is not refunded if the generator fails.
	Generate(ctx context.Context, session *ledger.Session, prompt string) (*Generation, *ledger.Account, error)

	// History returns the account's most recent generations, newest first.
	History(ctx context.Context, accountID string) ([]Generation, error)
}

type generationService struct {
	repo      Repository
	ledger    ledger.LedgerService
	generator Generator
	collector *metrics.Collector
	now       func() time.Time
}

// NewService creates a generation service.
func NewService(repo Repository, ledgerService ledger.LedgerService, generator Generator, collector *metrics.Collector) Service {
	return &generationService{
		repo:      repo,
		ledger:    ledgerService,
		generator: generator,
		collector: collector,
		now:       time.Now,
	}
}

// Generate implements the consume-then-call flow. Spending before calling
// keeps the quota check and the increment in one atomic step; the rare lost
// unit on generator failure is accepted rather than reintroducing a window
// where parallel requests could both pass the check.
func (s *generationService) Generate(ctx context.Context, session *ledger.Session, prompt string) (*Generation, *ledger.Account, error) {
	prompt = sanitize.PlainText(prompt)
	if len(prompt) < minPromptLength {
		return nil, nil, apperror.NewValidation("prompt must not be empty")
	}
	if len(prompt) > maxPromptLength {
		return nil, nil, apperror.NewValidation("prompt is too long")
	}

	account, err := s.ledger.Consume(ctx, session.AccountID)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Type == "quota_exceeded" {
			s.collector.RecordGeneration("quota_exceeded")
		}
		return nil, nil, err
	}

	imageURL, err := s.generator.Generate(ctx, prompt, session.AccountID, session.Name)
	if err != nil {
		s.collector.RecordGeneration("upstream_error")
		slog.Error("generator webhook failed",
			slog.String("account_id", session.AccountID),
			slog.String("error", err.Error()))
		return nil, nil, apperror.NewBadGateway("image generation failed").WithInternal(err)
	}

	g := &Generation{
		ID:        uuid.New().String(),
		AccountID: session.AccountID,
		Prompt:    prompt,
		ImageURL:  imageURL,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, g); err != nil {
		// The image exists and the unit is spent; losing the history row
		// is not worth failing the request over.
		slog.Error("failed to record generation",
			slog.String("account_id", session.AccountID),
			slog.String("error", err.Error()))
	}

	s.collector.RecordGeneration("success")
	slog.Info("image generated",
		slog.String("account_id", session.AccountID),
		slog.String("generation_id", g.ID))

	return g, account, nil
}

// History returns the account's recent generations.
func (s *generationService) History(ctx context.Context, accountID string) ([]Generation, error) {
	return s.repo.ListByAccount(ctx, accountID, defaultHistoryLimit)
}
