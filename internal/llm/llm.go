// Package llm provides optional Claude-backed refinement for thread
// summaries. Callers always compute a heuristic result first; refinement
// merges the model's output over it and degrades to the heuristic on any
// failure.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	maxRetries     = 2
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// Client is the minimal surface the service layer needs; *Anthropic is
// the production implementation and tests substitute a stub.
type Client interface {
	// RefineSummary asks the model to improve a heuristic thread summary.
	// The returned map contains only the keys the model produced.
	RefineSummary(ctx context.Context, threadText string, heuristic map[string]any) (map[string]any, error)
	// Complete runs a single free-form prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Anthropic wraps the Anthropic API.
type Anthropic struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// New creates an Anthropic client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey.
func New(apiKey, model string) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure llm.api-key", ErrAPIKeyRequired)
	}
	return &Anthropic{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

const refinePromptHeader = `You are refining a mechanical summary of a message thread between
coding agents. Improve the summary, key_points, and action_items fields.
Respond with a single JSON object using only those keys. Thread follows.`

// RefineSummary prompts the model with the thread text and the heuristic
// summary and parses its JSON reply. A malformed reply is an error; the
// caller keeps the heuristic result.
func (a *Anthropic) RefineSummary(ctx context.Context, threadText string, heuristic map[string]any) (map[string]any, error) {
	seed, err := json.Marshal(heuristic)
	if err != nil {
		return nil, fmt.Errorf("encoding heuristic summary: %w", err)
	}
	prompt := fmt.Sprintf("%s\n\nCurrent summary:\n%s\n\nThread:\n%s", refinePromptHeader, seed, threadText)
	raw, err := a.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(raw)
}

// Complete runs one prompt with retry on transient failures.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}

// ParseJSONObject extracts the first JSON object from model output,
// tolerating surrounding prose and markdown fences.
func ParseJSONObject(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parsing model JSON: %w", err)
	}
	return out, nil
}
