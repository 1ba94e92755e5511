// Package generation records image generations and talks to the external
// generator webhook. The generator itself is an opaque collaborator: it
// accepts a prompt and returns an image URL. Quota accounting stays in the
// ledger -- this package spends through it, never around it.
package generation

import "time"

// Generation is one generated image: who asked, what they asked for, and
// where the result lives.
type Generation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateRequest holds the prompt submitted to the generate endpoint.
type GenerateRequest struct {
	Prompt string `json:"prompt" form:"prompt"`
}
