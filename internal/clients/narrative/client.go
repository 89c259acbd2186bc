// Package narrative is the boundary to the optional narrative service that
// writes scenario commentary. Callers treat it as best-effort: when the
// client is absent or the service errors, scenario generation falls back to
// fixed multipliers.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Generator produces structured JSON from a prompt.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// Client for the narrative service.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a narrative service client. An empty baseURL yields a
// client whose calls always fail, which callers degrade from gracefully.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "narrative").Logger(),
	}
}

// GenerateJSON posts the prompt to the service and decodes the JSON response
// into out.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("narrative service not configured")
	}

	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build narrative request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Int("prompt_chars", len(prompt)).Msg("Requesting narrative")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("narrative request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("narrative service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse narrative response: %w", err)
	}
	return nil
}

var _ Generator = (*Client)(nil)
