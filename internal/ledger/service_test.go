package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixelforge/pixelforge/internal/apperror"
	"github.com/pixelforge/pixelforge/internal/metrics"
)

// --- Mock Repositories ---

// mockAccountRepo implements AccountRepository for testing.
type mockAccountRepo struct {
	createFn          func(ctx context.Context, account *Account, passwordHash string) error
	findByIDFn        func(ctx context.Context, id string) (*Account, error)
	findByEmailFn     func(ctx context.Context, email string) (*Account, error)
	emailExistsFn     func(ctx context.Context, email string) (bool, error)
	updateLastLoginFn func(ctx context.Context, id string) error
	setPremiumFn      func(ctx context.Context, id string) error
	applyDueResetFn   func(ctx context.Context, id string, boundary time.Time) (*Account, error)
	consumeQuotaFn    func(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error)
}

func (m *mockAccountRepo) Create(ctx context.Context, account *Account, passwordHash string) error {
	if m.createFn != nil {
		return m.createFn(ctx, account, passwordHash)
	}
	return nil
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*Account, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *mockAccountRepo) FindByEmail(ctx context.Context, email string) (*Account, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *mockAccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	if m.emailExistsFn != nil {
		return m.emailExistsFn(ctx, email)
	}
	return false, nil
}

func (m *mockAccountRepo) UpdateLastLogin(ctx context.Context, id string) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id)
	}
	return nil
}

func (m *mockAccountRepo) SetPremium(ctx context.Context, id string) error {
	if m.setPremiumFn != nil {
		return m.setPremiumFn(ctx, id)
	}
	return nil
}

func (m *mockAccountRepo) ApplyDueReset(ctx context.Context, id string, boundary time.Time) (*Account, error) {
	if m.applyDueResetFn != nil {
		return m.applyDueResetFn(ctx, id, boundary)
	}
	return nil, apperror.NewNotFound("account not found")
}

func (m *mockAccountRepo) ConsumeQuota(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error) {
	if m.consumeQuotaFn != nil {
		return m.consumeQuotaFn(ctx, id, boundary, limit)
	}
	return nil, apperror.NewNotFound("account not found")
}

// mockCredentialRepo implements CredentialRepository for testing.
type mockCredentialRepo struct {
	passwordHashFn    func(ctx context.Context, email string) (string, error)
	setPasswordHashFn func(ctx context.Context, email, hash string) error
}

func (m *mockCredentialRepo) PasswordHash(ctx context.Context, email string) (string, error) {
	if m.passwordHashFn != nil {
		return m.passwordHashFn(ctx, email)
	}
	return "", apperror.NewNotFound("account not found")
}

func (m *mockCredentialRepo) SetPasswordHash(ctx context.Context, email, hash string) error {
	if m.setPasswordHashFn != nil {
		return m.setPasswordHashFn(ctx, email, hash)
	}
	return nil
}

// mockRecoveryRepo implements RecoveryTokenRepository for testing.
type mockRecoveryRepo struct {
	upsertFn func(ctx context.Context, email, tokenHash string, expiresAt time.Time) error
	findFn   func(ctx context.Context, email string) (string, time.Time, error)
}

func (m *mockRecoveryRepo) Upsert(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, email, tokenHash, expiresAt)
	}
	return nil
}

func (m *mockRecoveryRepo) Find(ctx context.Context, email string) (string, time.Time, error) {
	if m.findFn != nil {
		return m.findFn(ctx, email)
	}
	return "", time.Time{}, apperror.NewNotFound("no recovery token on file")
}

// mockSessionStore implements SessionStore in memory for testing.
type mockSessionStore struct {
	sessions  map[string]*Session
	createErr error
	counter   int
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*Session)}
}

func (m *mockSessionStore) Create(ctx context.Context, session *Session) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.counter++
	token := "test-token-" + string(rune('a'+m.counter))
	m.sessions[token] = session
	return token, nil
}

func (m *mockSessionStore) Get(ctx context.Context, token string) (*Session, error) {
	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (m *mockSessionStore) Delete(ctx context.Context, token string) error {
	delete(m.sessions, token)
	return nil
}

// --- Test Helpers ---

// testTime is the pinned clock for service tests: noon in the reference
// zone, well clear of the midnight boundary.
var testTime = time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC) // 12:00 at UTC+6

// newTestService creates a ledgerService with mocks and a pinned clock.
func newTestService(accounts *mockAccountRepo, credentials *mockCredentialRepo, recovery *mockRecoveryRepo, sessions SessionStore) *ledgerService {
	if sessions == nil {
		sessions = newMockSessionStore()
	}
	return &ledgerService{
		accounts:    accounts,
		credentials: credentials,
		recovery:    recovery,
		sessions:    sessions,
		policy:      NewQuotaPolicy(3, 6),
		recoveryTTL: time.Hour,
		collector:   metrics.NewCollector(prometheus.NewRegistry()),
		now:         func() time.Time { return testTime },
	}
}

// assertAppError checks that err is an *apperror.AppError with the expected code.
func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", expectedCode)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperror.AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// --- Register Tests ---

func TestRegister_Success(t *testing.T) {
	accounts := &mockAccountRepo{
		createFn: func(ctx context.Context, account *Account, passwordHash string) error {
			if account.Email != "alice@example.com" {
				t.Errorf("expected email alice@example.com, got %s", account.Email)
			}
			if account.Name != "Alice" {
				t.Errorf("expected name Alice, got %s", account.Name)
			}
			if account.UsageCount != 0 {
				t.Errorf("expected zero usage count, got %d", account.UsageCount)
			}
			if account.IsPremium {
				t.Error("expected new account to start on the free tier")
			}
			if account.LastResetAt == nil {
				t.Error("expected reset marker to be pinned at registration")
			}
			if passwordHash == "" {
				t.Error("expected password hash to be set")
			}
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	token, account, err := svc.Register(context.Background(), RegisterInput{
		Email:    "Alice@Example.com",
		Name:     "Alice",
		Password: "secure-password-123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Error("expected a session token")
	}
	if account == nil {
		t.Fatal("expected account, got nil")
	}
	if account.ID == "" {
		t.Error("expected account ID to be generated")
	}
}

func TestRegister_ResetMarkerPinnedToBoundary(t *testing.T) {
	var captured *Account
	accounts := &mockAccountRepo{
		createFn: func(ctx context.Context, account *Account, passwordHash string) error {
			captured = account
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Name:     "Alice",
		Password: "secure-password-123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := svc.policy.Boundary(testTime)
	if captured.LastResetAt == nil || !captured.LastResetAt.Equal(want) {
		t.Errorf("expected reset marker %v, got %v", want, captured.LastResetAt)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	accounts := &mockAccountRepo{
		emailExistsFn: func(ctx context.Context, email string) (bool, error) {
			return true, nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "taken@example.com",
		Name:     "Test",
		Password: "secure-password-123",
	})
	assertAppError(t, err, 409)
}

func TestRegister_DuplicateEmailRace(t *testing.T) {
	// The existence check passes but the unique index catches the race:
	// the Conflict from Create must surface unchanged.
	accounts := &mockAccountRepo{
		createFn: func(ctx context.Context, account *Account, passwordHash string) error {
			return apperror.NewConflict("an account with this email already exists")
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "raced@example.com",
		Name:     "Test",
		Password: "secure-password-123",
	})
	assertAppError(t, err, 409)
}

func TestRegister_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		input RegisterInput
	}{
		{"missing email", RegisterInput{Name: "Test", Password: "secure-password-123"}},
		{"malformed email", RegisterInput{Email: "not-an-email", Name: "Test", Password: "secure-password-123"}},
		{"missing name", RegisterInput{Email: "test@example.com", Password: "secure-password-123"}},
		{"short password", RegisterInput{Email: "test@example.com", Name: "Test", Password: "short"}},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Register(context.Background(), tt.input)
			assertAppError(t, err, 422)
		})
	}
}

func TestRegister_EmailNormalization(t *testing.T) {
	var capturedEmail string
	accounts := &mockAccountRepo{
		createFn: func(ctx context.Context, account *Account, passwordHash string) error {
			capturedEmail = account.Email
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "  Alice@EXAMPLE.com  ",
		Name:     "Alice",
		Password: "secure-password-123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedEmail != "alice@example.com" {
		t.Errorf("expected normalized email alice@example.com, got %s", capturedEmail)
	}
}

func TestRegister_NameSanitization(t *testing.T) {
	var capturedName string
	accounts := &mockAccountRepo{
		createFn: func(ctx context.Context, account *Account, passwordHash string) error {
			capturedName = account.Name
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Register(context.Background(), RegisterInput{
		Email:    "alice@example.com",
		Name:     "<script>alert(1)</script>Alice",
		Password: "secure-password-123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedName != "Alice" {
		t.Errorf("expected sanitized name Alice, got %q", capturedName)
	}
}

// --- Login Tests ---

// loginFixture builds the repos for a login test around a stored account
// with the given password.
func loginFixture(t *testing.T, password string, premium bool) (*mockAccountRepo, *mockCredentialRepo, *Account) {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}

	boundary := NewQuotaPolicy(3, 6).Boundary(testTime)
	account := &Account{
		ID:          "acct-1",
		Email:       "alice@example.com",
		Name:        "Alice",
		UsageCount:  1,
		IsPremium:   premium,
		LastResetAt: &boundary,
		CreatedAt:   testTime.Add(-48 * time.Hour),
	}

	accounts := &mockAccountRepo{
		findByEmailFn: func(ctx context.Context, email string) (*Account, error) {
			if email != account.Email {
				return nil, apperror.NewNotFound("account not found")
			}
			return account, nil
		},
		applyDueResetFn: func(ctx context.Context, id string, b time.Time) (*Account, error) {
			return account, nil
		},
	}
	credentials := &mockCredentialRepo{
		passwordHashFn: func(ctx context.Context, email string) (string, error) {
			return hash, nil
		},
	}
	return accounts, credentials, account
}

func TestLogin_Success(t *testing.T) {
	accounts, credentials, _ := loginFixture(t, "correct-password", false)
	sessions := newMockSessionStore()

	svc := newTestService(accounts, credentials, &mockRecoveryRepo{}, sessions)
	token, account, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "correct-password",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Error("expected a session token")
	}
	if account.ID != "acct-1" {
		t.Errorf("expected account acct-1, got %s", account.ID)
	}

	session, err := sessions.Get(context.Background(), token)
	if err != nil {
		t.Fatalf("expected session to exist: %v", err)
	}
	if session.AccountID != "acct-1" {
		t.Errorf("expected session for acct-1, got %s", session.AccountID)
	}
}

func TestLogin_UnknownEmail(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "nobody@example.com",
		Password: "whatever-password",
	})
	assertAppError(t, err, 404)
}

func TestLogin_WrongPassword(t *testing.T) {
	accounts, credentials, _ := loginFixture(t, "correct-password", false)
	sessions := newMockSessionStore()

	svc := newTestService(accounts, credentials, &mockRecoveryRepo{}, sessions)
	_, _, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "wrong-password",
	})
	assertAppError(t, err, 401)

	// A failed login must not leave a session behind.
	if len(sessions.sessions) != 0 {
		t.Errorf("expected no sessions after failed login, got %d", len(sessions.sessions))
	}
}

func TestLogin_AppliesDueReset(t *testing.T) {
	accounts, credentials, account := loginFixture(t, "correct-password", false)

	// The stored marker predates the boundary: the reset must be applied
	// through the repository with the boundary instant, not "now".
	stale := testTime.Add(-48 * time.Hour)
	account.LastResetAt = &stale
	account.UsageCount = 3

	var capturedBoundary time.Time
	accounts.applyDueResetFn = func(ctx context.Context, id string, boundary time.Time) (*Account, error) {
		capturedBoundary = boundary
		account.UsageCount = 0
		account.LastResetAt = &boundary
		return account, nil
	}

	svc := newTestService(accounts, credentials, &mockRecoveryRepo{}, nil)
	_, got, err := svc.Login(context.Background(), LoginInput{
		Email:    "alice@example.com",
		Password: "correct-password",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := svc.policy.Boundary(testTime)
	if !capturedBoundary.Equal(want) {
		t.Errorf("expected boundary %v, got %v", want, capturedBoundary)
	}
	if got.UsageCount != 0 {
		t.Errorf("expected counter reset to 0, got %d", got.UsageCount)
	}
}

// --- Session Tests ---

func TestLogout_UnknownTokenSucceeds(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	if err := svc.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("expected logout with unknown token to succeed, got: %v", err)
	}
}

func TestValidateSession_Expired(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, err := svc.ValidateSession(context.Background(), "expired-token")
	assertAppError(t, err, 401)
}

func TestCurrentAccount_AppliesDueReset(t *testing.T) {
	var capturedBoundary time.Time
	accounts := &mockAccountRepo{
		applyDueResetFn: func(ctx context.Context, id string, boundary time.Time) (*Account, error) {
			capturedBoundary = boundary
			return &Account{ID: id, Email: "alice@example.com"}, nil
		},
	}
	sessions := newMockSessionStore()
	token, _ := sessions.Create(context.Background(), &Session{AccountID: "acct-1"})

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, sessions)
	account, err := svc.CurrentAccount(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.ID != "acct-1" {
		t.Errorf("expected acct-1, got %s", account.ID)
	}
	if !capturedBoundary.Equal(svc.policy.Boundary(testTime)) {
		t.Errorf("expected reset applied at the period boundary, got %v", capturedBoundary)
	}
}

// --- Consume Tests ---

func TestConsume_PassesBoundaryAndLimit(t *testing.T) {
	var capturedBoundary time.Time
	var capturedLimit int
	accounts := &mockAccountRepo{
		consumeQuotaFn: func(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error) {
			capturedBoundary = boundary
			capturedLimit = limit
			return &Account{ID: id, UsageCount: 1}, nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	account, err := svc.Consume(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.UsageCount != 1 {
		t.Errorf("expected usage count 1, got %d", account.UsageCount)
	}
	if capturedLimit != 3 {
		t.Errorf("expected limit 3, got %d", capturedLimit)
	}
	if !capturedBoundary.Equal(svc.policy.Boundary(testTime)) {
		t.Errorf("expected boundary %v, got %v", svc.policy.Boundary(testTime), capturedBoundary)
	}
}

func TestConsume_QuotaExceeded(t *testing.T) {
	accounts := &mockAccountRepo{
		consumeQuotaFn: func(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error) {
			return nil, apperror.NewQuotaExceeded("free generation limit reached for today")
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, err := svc.Consume(context.Background(), "acct-1")
	assertAppError(t, err, 429)
}

func TestConsume_UnknownAccount(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, err := svc.Consume(context.Background(), "missing")
	assertAppError(t, err, 404)
}

// --- Upgrade Tests ---

func TestUpgradeToPremium_Success(t *testing.T) {
	var premiumSet bool
	accounts := &mockAccountRepo{
		findByIDFn: func(ctx context.Context, id string) (*Account, error) {
			return &Account{ID: id, IsPremium: false, UsageCount: 3}, nil
		},
		setPremiumFn: func(ctx context.Context, id string) error {
			premiumSet = true
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	account, err := svc.UpgradeToPremium(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !premiumSet {
		t.Error("expected premium flag to be persisted")
	}
	if !account.IsPremium {
		t.Error("expected returned account to be premium")
	}
	// The counter is left as-is: it stops mattering, but is not erased.
	if account.UsageCount != 3 {
		t.Errorf("expected usage count untouched at 3, got %d", account.UsageCount)
	}
}

func TestUpgradeToPremium_AlreadyPremium(t *testing.T) {
	var premiumSet bool
	accounts := &mockAccountRepo{
		findByIDFn: func(ctx context.Context, id string) (*Account, error) {
			return &Account{ID: id, IsPremium: true}, nil
		},
		setPremiumFn: func(ctx context.Context, id string) error {
			premiumSet = true
			return nil
		},
	}

	svc := newTestService(accounts, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	account, err := svc.UpgradeToPremium(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("expected repeat upgrade to be a no-op success, got: %v", err)
	}
	if premiumSet {
		t.Error("expected no write for an already-premium account")
	}
	if !account.IsPremium {
		t.Error("expected account to remain premium")
	}
}

func TestUpgradeToPremium_UnknownAccount(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, err := svc.UpgradeToPremium(context.Background(), "missing")
	assertAppError(t, err, 404)
}

// --- Recovery Tests ---

// recoveryFixture returns repos with one known account and a capturing
// recovery store.
func recoveryFixture() (*mockAccountRepo, *mockRecoveryRepo, *struct {
	email     string
	tokenHash string
	expiresAt time.Time
}) {
	captured := &struct {
		email     string
		tokenHash string
		expiresAt time.Time
	}{}

	accounts := &mockAccountRepo{
		findByEmailFn: func(ctx context.Context, email string) (*Account, error) {
			if email != "alice@example.com" {
				return nil, apperror.NewNotFound("account not found")
			}
			return &Account{ID: "acct-1", Email: email}, nil
		},
	}
	recovery := &mockRecoveryRepo{
		upsertFn: func(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
			captured.email = email
			captured.tokenHash = tokenHash
			captured.expiresAt = expiresAt
			return nil
		},
	}
	return accounts, recovery, captured
}

func TestRequestRecovery_Success(t *testing.T) {
	accounts, recovery, captured := recoveryFixture()

	svc := newTestService(accounts, &mockCredentialRepo{}, recovery, nil)
	token, err := svc.RequestRecovery(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 4 random bytes hex-encode to 8 characters.
	if len(token) != 8 {
		t.Errorf("expected 8-char token, got %d chars: %s", len(token), token)
	}
	// Only the hash is stored, never the plaintext.
	if captured.tokenHash == token {
		t.Error("expected stored value to be a hash, got the plaintext token")
	}
	if captured.tokenHash != hashRecoveryToken(token) {
		t.Error("expected stored hash to match the issued token")
	}
	if !captured.expiresAt.Equal(testTime.Add(time.Hour)) {
		t.Errorf("expected expiry one hour out, got %v", captured.expiresAt)
	}
}

func TestRequestRecovery_UnknownEmail(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	_, err := svc.RequestRecovery(context.Background(), "nobody@example.com")
	assertAppError(t, err, 404)
}

func TestVerifyRecovery_Valid(t *testing.T) {
	token := "deadbeef"
	recovery := &mockRecoveryRepo{
		findFn: func(ctx context.Context, email string) (string, time.Time, error) {
			return hashRecoveryToken(token), testTime.Add(30 * time.Minute), nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, recovery, nil)
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected live token to verify")
	}
}

func TestVerifyRecovery_DoesNotConsume(t *testing.T) {
	token := "deadbeef"
	finds := 0
	recovery := &mockRecoveryRepo{
		findFn: func(ctx context.Context, email string) (string, time.Time, error) {
			finds++
			return hashRecoveryToken(token), testTime.Add(30 * time.Minute), nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, recovery, nil)
	for i := 0; i < 3; i++ {
		valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", token)
		if err != nil || !valid {
			t.Fatalf("check %d: expected token to stay valid, got valid=%v err=%v", i, valid, err)
		}
	}
	if finds != 3 {
		t.Errorf("expected 3 lookups, got %d", finds)
	}
}

func TestVerifyRecovery_WrongToken(t *testing.T) {
	recovery := &mockRecoveryRepo{
		findFn: func(ctx context.Context, email string) (string, time.Time, error) {
			return hashRecoveryToken("deadbeef"), testTime.Add(30 * time.Minute), nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, recovery, nil)
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", "cafebabe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("expected mismatched token to be rejected")
	}
}

func TestVerifyRecovery_Expired(t *testing.T) {
	token := "deadbeef"
	recovery := &mockRecoveryRepo{
		findFn: func(ctx context.Context, email string) (string, time.Time, error) {
			return hashRecoveryToken(token), testTime.Add(-time.Second), nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, recovery, nil)
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("expected expired token to be rejected")
	}
}

func TestVerifyRecovery_ExactExpiryStillValid(t *testing.T) {
	// The window is inclusive of the expiry instant: rejection requires
	// now to be strictly after expires_at.
	token := "deadbeef"
	recovery := &mockRecoveryRepo{
		findFn: func(ctx context.Context, email string) (string, time.Time, error) {
			return hashRecoveryToken(token), testTime, nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, recovery, nil)
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected token at the exact expiry instant to verify")
	}
}

func TestVerifyRecovery_NoTokenOnFile(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", "deadbeef")
	if err != nil {
		t.Fatalf("expected no error for missing token, got: %v", err)
	}
	if valid {
		t.Error("expected verification to fail when no token was issued")
	}
}

func TestRequestRecovery_SupersedesPriorToken(t *testing.T) {
	accounts, recovery, captured := recoveryFixture()

	svc := newTestService(accounts, &mockCredentialRepo{}, recovery, nil)
	first, err := svc.RequestRecovery(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.RequestRecovery(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh token on reissue")
	}

	// The store now holds only the second token's hash: verifying the first
	// against it must fail.
	recovery.findFn = func(ctx context.Context, email string) (string, time.Time, error) {
		return captured.tokenHash, captured.expiresAt, nil
	}
	valid, err := svc.VerifyRecovery(context.Background(), "alice@example.com", first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("expected superseded token to be rejected")
	}
	valid, err = svc.VerifyRecovery(context.Background(), "alice@example.com", second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("expected the latest token to verify")
	}
}

// --- Reset Password Tests ---

func TestResetPassword_Success(t *testing.T) {
	var storedHash string
	credentials := &mockCredentialRepo{
		setPasswordHashFn: func(ctx context.Context, email, hash string) error {
			if email != "alice@example.com" {
				t.Errorf("expected alice@example.com, got %s", email)
			}
			storedHash = hash
			return nil
		},
	}

	svc := newTestService(&mockAccountRepo{}, credentials, &mockRecoveryRepo{}, nil)
	if err := svc.ResetPassword(context.Background(), "Alice@Example.com", "new-secure-password"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verifyPassword("new-secure-password", storedHash) {
		t.Error("expected new password to verify against stored hash")
	}
}

func TestResetPassword_ShortPassword(t *testing.T) {
	svc := newTestService(&mockAccountRepo{}, &mockCredentialRepo{}, &mockRecoveryRepo{}, nil)
	err := svc.ResetPassword(context.Background(), "alice@example.com", "short")
	assertAppError(t, err, 422)
}

func TestResetPassword_UnknownAccount(t *testing.T) {
	credentials := &mockCredentialRepo{
		setPasswordHashFn: func(ctx context.Context, email, hash string) error {
			return apperror.NewNotFound("account not found")
		},
	}

	svc := newTestService(&mockAccountRepo{}, credentials, &mockRecoveryRepo{}, nil)
	err := svc.ResetPassword(context.Background(), "nobody@example.com", "new-secure-password")
	assertAppError(t, err, 404)
}

// --- Password Hashing Tests ---

func TestHashAndVerifyPassword(t *testing.T) {
	password := "my-secret-password-123"

	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}

	// Correct password should verify.
	if !verifyPassword(password, hash) {
		t.Error("expected correct password to verify")
	}

	// Wrong password should not verify.
	if verifyPassword("wrong-password", hash) {
		t.Error("expected wrong password to fail verification")
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty string", ""},
		{"random text", "not-a-hash"},
		{"too few parts", "$argon2id$v=19$m=65536"},
		{"corrupted salt", "$argon2id$v=19$m=65536,t=3,p=4$!!!invalid$aGFzaA"},
		{"corrupted hash", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$!!!invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if verifyPassword("password", tt.hash) {
				t.Error("expected invalid hash to fail verification")
			}
		})
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	hash1, err := hashPassword("same-password")
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	hash2, err := hashPassword("same-password")
	if err != nil {
		t.Fatalf("hashPassword failed: %v", err)
	}
	if hash1 == hash2 {
		t.Error("expected different salts to produce different hashes")
	}
}

// --- Recovery Token Helpers ---

func TestHashRecoveryToken_Deterministic(t *testing.T) {
	hash1 := hashRecoveryToken("deadbeef")
	hash2 := hashRecoveryToken("deadbeef")
	if hash1 != hash2 {
		t.Error("expected hashRecoveryToken to be deterministic")
	}
	// SHA-256 = 32 bytes = 64 hex characters.
	if len(hash1) != 64 {
		t.Errorf("expected 64-char hex hash, got %d chars", len(hash1))
	}
}

func TestGenerateRecoveryToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := generateRecoveryToken()
		if err != nil {
			t.Fatalf("generateRecoveryToken failed: %v", err)
		}
		if len(token) != 8 {
			t.Fatalf("expected 8-char token, got %d chars: %s", len(token), token)
		}
		if seen[token] {
			t.Fatalf("token collision after %d iterations", i)
		}
		seen[token] = true
	}
}
