// Package ledger tracks who may consume image generations and under what
// entitlement. It owns account records, password credentials, recovery
// tokens, and login sessions, and it is the only writer of any of them.
// Free accounts get a fixed number of generations per reset period; premium
// accounts are unmetered. The reset period boundary is local midnight in a
// fixed reference zone shared by every account.
//
// This is the core of the service -- every other package calls into it.
package ledger

import (
	"time"
)

// Account represents a registered PixelForge account. This is the domain
// model used throughout the application. Database scanning and JSON
// marshaling use this struct directly.
type Account struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	UsageCount  int        `json:"usage_count"`
	IsPremium   bool       `json:"is_premium"`
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// --- Request DTOs (bound from HTTP requests) ---

// RegisterRequest holds the data submitted to the register endpoint.
type RegisterRequest struct {
	Email    string `json:"email" form:"email"`
	Name     string `json:"name" form:"name"`
	Password string `json:"password" form:"password"`
}

// LoginRequest holds the data submitted to the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// RecoveryRequest holds the email submitted to the recovery endpoints.
type RecoveryRequest struct {
	Email string `json:"email" form:"email"`
}

// VerifyRecoveryRequest holds an email/token pair to check.
type VerifyRecoveryRequest struct {
	Email string `json:"email" form:"email"`
	Token string `json:"token" form:"token"`
}

// ResetPasswordRequest holds the data submitted to the password reset
// endpoint. The token is required at the HTTP layer even though the service
// treats verify-then-reset as a caller convention.
type ResetPasswordRequest struct {
	Email    string `json:"email" form:"email"`
	Token    string `json:"token" form:"token"`
	Password string `json:"password" form:"password"`
}

// --- Service Input DTOs (passed from handler to service) ---

// RegisterInput is the validated input for creating a new account.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// LoginInput is the validated input for authenticating an account.
type LoginInput struct {
	Email    string
	Password string
}

// --- Session ---

// Session is the client-scoped pointer to the currently authenticated
// account, stored in Redis keyed by an opaque token. It carries identity
// only -- entitlement state (usage, premium) is always read fresh from the
// account row so sessions never go stale.
type Session struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
