package ledger

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/pixelforge/internal/apperror"
	"github.com/pixelforge/pixelforge/internal/metrics"
	"github.com/pixelforge/pixelforge/internal/sanitize"
)

// LedgerService is the business logic contract for the entitlement ledger.
// Handlers call these methods -- they never touch the repositories directly,
// and nothing else writes the account, credential, or token stores.
type LedgerService interface {
	// Register creates an account and its credential, starts a session,
	// and returns the session token with the new account.
	Register(ctx context.Context, input RegisterInput) (token string, account *Account, err error)

	// Login authenticates by email and password, applies any due quota
	// reset, and starts a session.
	Login(ctx context.Context, input LoginInput) (token string, account *Account, err error)

	// Logout destroys the session unconditionally.
	Logout(ctx context.Context, token string) error

	// ValidateSession resolves a session token to its session data.
	ValidateSession(ctx context.Context, token string) (*Session, error)

	// CurrentAccount loads the session's account. As a documented side
	// effect it applies any due quota reset, rewriting the account row.
	CurrentAccount(ctx context.Context, token string) (*Account, error)

	// Consume spends one generation from the account's allowance. Free
	// accounts over the cap get a QuotaExceeded error; the check and the
	// increment are indivisible per account.
	Consume(ctx context.Context, accountID string) (*Account, error)

	// Remaining returns the free generations left this period and whether
	// the account is unmetered (premium).
	Remaining(account *Account) (left int, unlimited bool)

	// UpgradeToPremium permanently switches the account to the unmetered
	// tier. Upgrading an already-premium account is a no-op success.
	UpgradeToPremium(ctx context.Context, accountID string) (*Account, error)

	// RequestRecovery issues a fresh recovery token for the email,
	// superseding any prior token, and returns the plaintext token.
	RequestRecovery(ctx context.Context, email string) (token string, err error)

	// VerifyRecovery reports whether the token matches the live token for
	// the email and is unexpired. Denial is a false return, not an error;
	// verification does not consume the token.
	VerifyRecovery(ctx context.Context, email, token string) (bool, error)

	// ResetPassword overwrites the account's credential. It does not
	// itself check a recovery token -- callers verify first.
	ResetPassword(ctx context.Context, email, newPassword string) error
}

// ledgerService implements LedgerService with argon2id hashing, MariaDB
// stores, and Redis sessions.
type ledgerService struct {
	accounts    AccountRepository
	credentials CredentialRepository
	recovery    RecoveryTokenRepository
	sessions    SessionStore
	policy      QuotaPolicy
	recoveryTTL time.Duration
	collector   *metrics.Collector

	// now is swapped out in tests to pin the clock.
	now func() time.Time
}

// NewLedgerService creates the ledger service with its stores and policy.
func NewLedgerService(
	accounts AccountRepository,
	credentials CredentialRepository,
	recovery RecoveryTokenRepository,
	sessions SessionStore,
	policy QuotaPolicy,
	recoveryTTL time.Duration,
	collector *metrics.Collector,
) LedgerService {
	return &ledgerService{
		accounts:    accounts,
		credentials: credentials,
		recovery:    recovery,
		sessions:    sessions,
		policy:      policy,
		recoveryTTL: recoveryTTL,
		collector:   collector,
		now:         time.Now,
	}
}

// normalizeEmail lower-cases and trims an email address so lookups are
// case-insensitive and whitespace-proof.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a new account. It validates input, checks uniqueness,
// hashes the password with argon2id, and persists the account and credential
// together. The new account starts on the free tier with a zero counter and
// its reset marker pinned to the current period boundary.
func (s *ledgerService) Register(ctx context.Context, input RegisterInput) (string, *Account, error) {
	email := normalizeEmail(input.Email)
	name := sanitize.PlainText(input.Name)

	if err := validateEmail(email); err != nil {
		return "", nil, err
	}
	if name == "" {
		return "", nil, apperror.NewValidation("name is required")
	}
	if err := validatePassword(input.Password); err != nil {
		return "", nil, err
	}

	// Check for duplicates before doing expensive hashing. The unique index
	// still backstops this under concurrent registration of the same email.
	exists, err := s.accounts.EmailExists(ctx, email)
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("checking email: %w", err))
	}
	if exists {
		return "", nil, apperror.NewConflict("an account with this email already exists")
	}

	hash, err := hashPassword(input.Password)
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	boundary := s.policy.Boundary(s.now())
	account := &Account{
		ID:          uuid.New().String(),
		Email:       email,
		Name:        name,
		UsageCount:  0,
		IsPremium:   false,
		LastResetAt: &boundary,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.accounts.Create(ctx, account, hash); err != nil {
		if _, ok := err.(*apperror.AppError); ok {
			return "", nil, err
		}
		return "", nil, apperror.NewInternal(fmt.Errorf("creating account: %w", err))
	}

	token, err := s.startSession(ctx, account)
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("creating session: %w", err))
	}

	s.collector.RecordRegistration()
	slog.Info("account registered",
		slog.String("account_id", account.ID),
		slog.String("email", account.Email),
	)

	return token, account, nil
}

// Login authenticates an account by email and password. A missing account
// and a wrong password are distinct outcomes (not found vs. unauthorized).
// On success any due quota reset is applied before the session is created,
// so the returned account reflects the current period.
func (s *ledgerService) Login(ctx context.Context, input LoginInput) (string, *Account, error) {
	email := normalizeEmail(input.Email)

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		s.collector.RecordLogin("failure")
		if _, ok := err.(*apperror.AppError); ok {
			return "", nil, err
		}
		return "", nil, apperror.NewInternal(fmt.Errorf("finding account: %w", err))
	}

	hash, err := s.credentials.PasswordHash(ctx, email)
	if err != nil {
		s.collector.RecordLogin("failure")
		if _, ok := err.(*apperror.AppError); ok {
			return "", nil, err
		}
		return "", nil, apperror.NewInternal(fmt.Errorf("loading credential: %w", err))
	}

	if !verifyPassword(input.Password, hash) {
		s.collector.RecordLogin("failure")
		return "", nil, apperror.NewUnauthorized("invalid password")
	}

	account, err = s.accounts.ApplyDueReset(ctx, account.ID, s.policy.Boundary(s.now()))
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("applying quota reset: %w", err))
	}

	token, err := s.startSession(ctx, account)
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("creating session: %w", err))
	}

	// Update the last login timestamp (fire-and-forget, non-critical).
	if err := s.accounts.UpdateLastLogin(ctx, account.ID); err != nil {
		slog.Warn("failed to update last login",
			slog.String("account_id", account.ID),
			slog.Any("error", err),
		)
	}

	s.collector.RecordLogin("success")
	slog.Info("account logged in",
		slog.String("account_id", account.ID),
		slog.String("email", account.Email),
	)

	return token, account, nil
}

// Logout destroys the session. Logging out with a stale or unknown token
// still succeeds -- there is no failure mode.
func (s *ledgerService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Delete(ctx, token); err != nil {
		return apperror.NewInternal(fmt.Errorf("deleting session: %w", err))
	}
	return nil
}

// ValidateSession resolves a token to its session data.
func (s *ledgerService) ValidateSession(ctx context.Context, token string) (*Session, error) {
	session, err := s.sessions.Get(ctx, token)
	if err == ErrSessionNotFound {
		return nil, apperror.NewUnauthorized("session expired or invalid")
	}
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("reading session: %w", err))
	}
	return session, nil
}

// CurrentAccount loads the session's account, applying any due quota reset
// as a side effect. The reset is pinned to the boundary instant, so repeated
// reads within one period rewrite nothing.
func (s *ledgerService) CurrentAccount(ctx context.Context, token string) (*Account, error) {
	session, err := s.ValidateSession(ctx, token)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.ApplyDueReset(ctx, session.AccountID, s.policy.Boundary(s.now()))
	if err != nil {
		if _, ok := err.(*apperror.AppError); ok {
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("loading account: %w", err))
	}
	return account, nil
}

// Consume spends one generation. The repository serializes the
// load -> maybe-reset -> check -> increment sequence under the account's
// row lock, so concurrent calls cannot push a free account past the cap.
func (s *ledgerService) Consume(ctx context.Context, accountID string) (*Account, error) {
	boundary := s.policy.Boundary(s.now())

	account, err := s.accounts.ConsumeQuota(ctx, accountID, boundary, s.policy.Limit)
	if err != nil {
		if appErr, ok := err.(*apperror.AppError); ok {
			if appErr.Type == "quota_exceeded" {
				s.collector.RecordQuotaExceeded()
			}
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("consuming quota: %w", err))
	}
	return account, nil
}

// Remaining returns the free generations left this period, or unlimited for
// premium accounts.
func (s *ledgerService) Remaining(account *Account) (int, bool) {
	return s.policy.Remaining(account)
}

// UpgradeToPremium permanently flips the account to the unmetered tier.
// Upgrading an already-premium account succeeds without touching anything.
func (s *ledgerService) UpgradeToPremium(ctx context.Context, accountID string) (*Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if _, ok := err.(*apperror.AppError); ok {
			return nil, err
		}
		return nil, apperror.NewInternal(fmt.Errorf("finding account: %w", err))
	}

	if account.IsPremium {
		return account, nil
	}

	if err := s.accounts.SetPremium(ctx, accountID); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("setting premium flag: %w", err))
	}
	account.IsPremium = true

	s.collector.RecordPremiumUpgrade()
	slog.Info("account upgraded to premium",
		slog.String("account_id", account.ID),
	)

	return account, nil
}

// RequestRecovery issues a fresh recovery token for the email. Any prior
// token is superseded immediately, even if unexpired. The plaintext token
// is returned to the caller; only its hash is stored.
func (s *ledgerService) RequestRecovery(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)

	if _, err := s.accounts.FindByEmail(ctx, email); err != nil {
		if _, ok := err.(*apperror.AppError); ok {
			return "", err
		}
		return "", apperror.NewInternal(fmt.Errorf("finding account: %w", err))
	}

	token, err := generateRecoveryToken()
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("generating recovery token: %w", err))
	}

	expiresAt := s.now().Add(s.recoveryTTL)
	if err := s.recovery.Upsert(ctx, email, hashRecoveryToken(token), expiresAt); err != nil {
		return "", apperror.NewInternal(fmt.Errorf("storing recovery token: %w", err))
	}

	s.collector.RecordRecoveryIssued()
	slog.Info("recovery token issued",
		slog.String("email", email),
		slog.Time("expires_at", expiresAt),
	)

	return token, nil
}

// VerifyRecovery reports whether the token is the live token for the email
// and has not expired. No token on file, a mismatch, and an expired token
// all return false without error; the token stays valid for repeated checks
// until it expires or is superseded.
func (s *ledgerService) VerifyRecovery(ctx context.Context, email, token string) (bool, error) {
	email = normalizeEmail(email)

	storedHash, expiresAt, err := s.recovery.Find(ctx, email)
	if err != nil {
		if appErr, ok := err.(*apperror.AppError); ok && appErr.Code == 404 {
			return false, nil
		}
		return false, apperror.NewInternal(fmt.Errorf("loading recovery token: %w", err))
	}

	if s.now().After(expiresAt) {
		return false, nil
	}

	match := subtle.ConstantTimeCompare(
		[]byte(storedHash),
		[]byte(hashRecoveryToken(token)),
	) == 1
	return match, nil
}

// ResetPassword overwrites the credential for the email with a hash of the
// new password. The account profile is untouched. Ordering with
// VerifyRecovery is the caller's responsibility; the HTTP handler enforces
// it for the public API.
func (s *ledgerService) ResetPassword(ctx context.Context, email, newPassword string) error {
	email = normalizeEmail(email)

	if err := validatePassword(newPassword); err != nil {
		return err
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	if err := s.credentials.SetPasswordHash(ctx, email, hash); err != nil {
		if _, ok := err.(*apperror.AppError); ok {
			return err
		}
		return apperror.NewInternal(fmt.Errorf("updating credential: %w", err))
	}

	slog.Info("password reset", slog.String("email", email))
	return nil
}

// startSession creates a session pointing at the account and returns its token.
func (s *ledgerService) startSession(ctx context.Context, account *Account) (string, error) {
	return s.sessions.Create(ctx, &Session{
		AccountID: account.ID,
		Email:     account.Email,
		Name:      account.Name,
		CreatedAt: s.now().UTC(),
	})
}

// --- Validation ---

// validateEmail performs a light shape check; real validation happens when
// the recovery flow proves control of the mailbox.
func validateEmail(email string) error {
	if email == "" {
		return apperror.NewValidation("email is required")
	}
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 || len(email) > 255 {
		return apperror.NewValidation("email address is not valid")
	}
	return nil
}

// validatePassword enforces the minimum password length.
func validatePassword(password string) error {
	if len(password) < 8 {
		return apperror.NewValidation("password must be at least 8 characters")
	}
	if len(password) > 128 {
		return apperror.NewValidation("password must be at most 128 characters")
	}
	return nil
}
