// Package sanitize provides plain-texting of user-supplied strings.
// Uses bluemonday's strict policy to strip all HTML from display names and
// generation prompts before they are stored or echoed back in responses.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// policy is the singleton bluemonday policy. Initialized once via sync.Once
// for thread-safe lazy initialization.
var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

// getPolicy returns the shared strict policy, initializing it on first call.
// StrictPolicy strips every HTML element and attribute -- these fields are
// plain text, never rich content.
func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// PlainText strips all HTML from s, unescapes the entity-encoded remainder
// (bluemonday escapes what it keeps), and trims surrounding whitespace.
func PlainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(getPolicy().Sanitize(s)))
}
