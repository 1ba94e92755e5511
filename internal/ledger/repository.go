package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/pixelforge/pixelforge/internal/apperror"
)

// AccountRepository defines the data access contract for account records.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type AccountRepository interface {
	// Create inserts the account row and its credential row in one
	// transaction. The unique index on email resolves concurrent
	// registrations: the loser gets a Conflict error.
	Create(ctx context.Context, account *Account, passwordHash string) error

	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id string) error

	// SetPremium flips the premium flag on. There is no way to flip it
	// back off -- the upgrade is one-way.
	SetPremium(ctx context.Context, id string) error

	// ApplyDueReset locks the account row, zeroes the counter if the reset
	// marker predates the boundary, and returns the (possibly rewritten)
	// account. Idempotent within a period: the marker is pinned to the
	// boundary instant, so a second call is a no-op.
	ApplyDueReset(ctx context.Context, id string, boundary time.Time) (*Account, error)

	// ConsumeQuota is the check-then-increment critical section. It locks
	// the account row, applies any due reset, rejects with QuotaExceeded
	// when a free account has no allowance left (persisting only the due
	// reset), and otherwise increments the counter by exactly one. Two
	// concurrent calls serialize on the row lock, so a free account can
	// never exceed the limit within a period.
	ConsumeQuota(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error)
}

// CredentialRepository maps an email to its password hash. A credential row
// exists if and only if an account row with that email exists; the two are
// created together in AccountRepository.Create.
type CredentialRepository interface {
	PasswordHash(ctx context.Context, email string) (string, error)
	SetPasswordHash(ctx context.Context, email, hash string) error
}

// RecoveryTokenRepository holds at most one live recovery token per email.
// Issuing a new token overwrites the previous one, which invalidates it
// immediately even if unexpired. The token hash is SHA-256(plaintext) --
// the plaintext is never stored.
type RecoveryTokenRepository interface {
	Upsert(ctx context.Context, email, tokenHash string, expiresAt time.Time) error
	Find(ctx context.Context, email string) (tokenHash string, expiresAt time.Time, err error)
}

// mysqlDuplicateEntry is the MySQL/MariaDB error number for a unique key
// violation (ER_DUP_ENTRY).
const mysqlDuplicateEntry = 1062

// accountColumns is the column list shared by every account SELECT.
const accountColumns = `id, email, name, usage_count, is_premium, last_reset_at, created_at, last_login_at`

// accountRepository implements the three store contracts with hand-written
// MariaDB queries on a shared pool.
type accountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates an account repository backed by the given DB pool.
func NewAccountRepository(db *sql.DB) AccountRepository {
	return &accountRepository{db: db}
}

// NewCredentialRepository creates a credential repository backed by the given DB pool.
func NewCredentialRepository(db *sql.DB) CredentialRepository {
	return &accountRepository{db: db}
}

// NewRecoveryTokenRepository creates a recovery token repository backed by the given DB pool.
func NewRecoveryTokenRepository(db *sql.DB) RecoveryTokenRepository {
	return &accountRepository{db: db}
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAccount reads one account row in accountColumns order.
func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Name,
		&a.UsageCount,
		&a.IsPremium,
		&a.LastResetAt,
		&a.CreatedAt,
		&a.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Accounts ---

// Create inserts the account and credential rows in one transaction.
// A duplicate email surfaces as a Conflict error whether it was caught by a
// prior existence check or by the unique index under a registration race.
func (r *accountRepository) Create(ctx context.Context, account *Account, passwordHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, usage_count, is_premium, last_reset_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Email,
		account.Name,
		account.UsageCount,
		account.IsPremium,
		account.LastResetAt,
		account.CreatedAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return apperror.NewConflict("an account with this email already exists")
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (email, password_hash) VALUES (?, ?)`,
		account.Email,
		passwordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create transaction: %w", err)
	}
	return nil
}

// FindByID retrieves an account by its UUID.
// Returns apperror.NotFound if no account exists with this ID.
func (r *accountRepository) FindByID(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying account by id: %w", err)
	}
	return account, nil
}

// FindByEmail retrieves an account by its email address.
// Returns apperror.NotFound if no account exists with this email.
func (r *accountRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying account by email: %w", err)
	}
	return account, nil
}

// EmailExists returns true if an account with the given email already exists.
// Used during registration to check for duplicates before hashing the password.
func (r *accountRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE email = ?)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

// UpdateLastLogin sets the last_login_at timestamp to now for the given account.
func (r *accountRepository) UpdateLastLogin(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = NOW() WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// SetPremium flips the premium flag on. Running it against an account that
// is already premium is a no-op (MariaDB reports zero affected rows for an
// unchanged value, so affected-row counts can't distinguish "already
// premium" from "missing" -- callers check existence first).
func (r *accountRepository) SetPremium(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET is_premium = true WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("updating premium flag: %w", err)
	}
	return nil
}

// lockAccount reads an account row under FOR UPDATE inside the given
// transaction, blocking concurrent writers of the same row until commit.
func lockAccount(ctx context.Context, tx *sql.Tx, id string) (*Account, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`, id)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("locking account row: %w", err)
	}
	return account, nil
}

// saveCounter writes the usage counter and reset marker inside the transaction.
func saveCounter(ctx context.Context, tx *sql.Tx, a *Account) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts SET usage_count = ?, last_reset_at = ? WHERE id = ?`,
		a.UsageCount, a.LastResetAt, a.ID)
	if err != nil {
		return fmt.Errorf("saving usage counter: %w", err)
	}
	return nil
}

// ApplyDueReset locks the row, applies a due reset, and persists it.
func (r *accountRepository) ApplyDueReset(ctx context.Context, id string, boundary time.Time) (*Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := lockAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if applyDueReset(account, boundary) {
		if err := saveCounter(ctx, tx, account); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reset transaction: %w", err)
	}
	return account, nil
}

// ConsumeQuota performs load -> maybe-reset -> check -> increment -> persist
// as one unit under the account's row lock. When the cap rejects the call,
// only a due reset is persisted; the counter is untouched.
func (r *accountRepository) ConsumeQuota(ctx context.Context, id string, boundary time.Time, limit int) (*Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning consume transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := lockAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	allowed, modified := consume(account, boundary, limit)

	if modified {
		if err := saveCounter(ctx, tx, account); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing consume transaction: %w", err)
	}

	if !allowed {
		return nil, apperror.NewQuotaExceeded("free generation limit reached for today")
	}
	return account, nil
}

// consume is the per-account spend decision applied under the row lock:
// maybe-reset, cap check, increment. Returns whether the spend was allowed
// and whether the account was modified (a due reset is persisted even when
// the spend is rejected, so the marker stays pinned).
func consume(a *Account, boundary time.Time, limit int) (allowed, modified bool) {
	modified = applyDueReset(a, boundary)
	if !a.IsPremium && a.UsageCount >= limit {
		return false, modified
	}
	a.UsageCount++
	return true, true
}

// applyDueReset zeroes the counter and pins the marker to the boundary when
// a reset is due. Premium accounts are left untouched -- the counter is not
// meaningful for them. Returns true if the account was modified.
func applyDueReset(a *Account, boundary time.Time) bool {
	if a.IsPremium || !ResetDue(a.LastResetAt, boundary) {
		return false
	}
	b := boundary
	a.UsageCount = 0
	a.LastResetAt = &b
	return true
}

// --- Credentials ---

// PasswordHash returns the stored password hash for the given email.
// Returns apperror.NotFound if no credential exists.
func (r *accountRepository) PasswordHash(ctx context.Context, email string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT password_hash FROM credentials WHERE email = ?`, email).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperror.NewNotFound("account not found")
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}
	return hash, nil
}

// SetPasswordHash overwrites the stored password hash for the given email.
// Returns apperror.NotFound if no credential exists.
func (r *accountRepository) SetPasswordHash(ctx context.Context, email, hash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET password_hash = ? WHERE email = ?`, hash, email)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Either the row is missing or the hash is unchanged. A fresh argon2id
		// hash has a fresh random salt, so an unchanged value means no row.
		exists, err := r.credentialExists(ctx, email)
		if err != nil {
			return err
		}
		if !exists {
			return apperror.NewNotFound("account not found")
		}
	}
	return nil
}

// credentialExists reports whether a credential row exists for the email.
func (r *accountRepository) credentialExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM credentials WHERE email = ?)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking credential existence: %w", err)
	}
	return exists, nil
}

// --- Recovery Tokens ---

// Upsert stores a recovery token hash for the email, overwriting any prior
// token. The single-row upsert makes concurrent issuance well-defined:
// last writer wins.
func (r *accountRepository) Upsert(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recovery_tokens (email, token_hash, expires_at, created_at)
		 VALUES (?, ?, ?, NOW())
		 ON DUPLICATE KEY UPDATE token_hash = VALUES(token_hash),
		                         expires_at = VALUES(expires_at),
		                         created_at = NOW()`,
		email, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("upserting recovery token: %w", err)
	}
	return nil
}

// Find returns the stored token hash and expiry for the email.
// Returns apperror.NotFound if no token has been issued.
func (r *accountRepository) Find(ctx context.Context, email string) (string, time.Time, error) {
	var tokenHash string
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, expires_at FROM recovery_tokens WHERE email = ?`,
		email).Scan(&tokenHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, apperror.NewNotFound("no recovery token on file")
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("querying recovery token: %w", err)
	}
	return tokenHash, expiresAt, nil
}
