package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
	"github.com/sethvargo/go-retry"
)

// maxResponseSize caps how much of the webhook response body is read.
// Generator responses are small JSON documents; anything larger is broken
// or hostile.
const maxResponseSize = 1 << 20 // 1MB

// Generator produces an image for a prompt. The production implementation
// calls the external webhook; tests substitute their own.
type Generator interface {
	Generate(ctx context.Context, prompt, accountID, accountName string) (imageURL string, err error)
}

// webhookRequest is the JSON body sent to the generator webhook.
type webhookRequest struct {
	Prompt   string `json:"prompt"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// webhookResponse covers the field names different generator deployments
// use for the result URL. The first non-empty one wins.
type webhookResponse struct {
	ImageURL string `json:"imageUrl"`
	Image    string `json:"image"`
	URL      string `json:"url"`
	Message  string `json:"message"`
}

// webhookGenerator calls the configured generator webhook over an
// SSRF-hardened HTTP client. The webhook URL comes from operator config, but
// a misconfigured or compromised config value should still not be able to
// reach internal addresses, so outbound calls go through safeurl, which
// validates resolved IPs at dial time.
type webhookGenerator struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

// NewWebhookGenerator creates a Generator that POSTs prompts to webhookURL.
func NewWebhookGenerator(webhookURL string, timeout time.Duration, maxRetries int) Generator {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	if maxRetries < 0 {
		maxRetries = 0
	}

	return &webhookGenerator{
		url:        webhookURL,
		client:     safeurl.Client(config).Client,
		maxRetries: uint64(maxRetries),
	}
}

// Generate sends the prompt to the webhook and returns the image URL.
// Transient failures (network errors, 5xx responses) are retried with
// exponential backoff; 4xx responses fail immediately since retrying a
// rejected request will not change the outcome.
func (g *webhookGenerator) Generate(ctx context.Context, prompt, accountID, accountName string) (string, error) {
	body, err := json.Marshal(webhookRequest{
		Prompt:   prompt,
		UserID:   accountID,
		UserName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("encoding webhook request: %w", err)
	}

	var imageURL string
	backoff := retry.WithMaxRetries(g.maxRetries, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		url, attemptErr := g.attempt(ctx, body)
		if attemptErr != nil {
			return attemptErr
		}
		imageURL = url
		return nil
	})
	if err != nil {
		return "", err
	}
	return imageURL, nil
}

// attempt performs a single webhook call.
func (g *webhookGenerator) attempt(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", retry.RetryableError(fmt.Errorf("calling generator webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return "", retry.RetryableError(fmt.Errorf("generator webhook returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generator webhook returned status %d", resp.StatusCode)
	}

	var parsed webhookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding webhook response: %w", err)
	}

	imageURL := firstNonEmpty(parsed.ImageURL, parsed.Image, parsed.URL)
	if imageURL == "" {
		slog.Warn("generator webhook response had no image URL",
			slog.String("message", parsed.Message))
		return "", fmt.Errorf("generator webhook response had no image URL")
	}
	return imageURL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
