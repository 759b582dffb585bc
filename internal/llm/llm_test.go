package llm

import (
	"context"
	"errors"
	"testing"
)

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantErr bool
	}{
		{"plain", `{"summary": "ok"}`, "summary", false},
		{"fenced", "```json\n{\"summary\": \"ok\"}\n```", "summary", false},
		{"prose around", "Here you go:\n{\"summary\": \"ok\"}\nDone.", "summary", false},
		{"not json", "no object here", "", true},
		{"truncated", `{"summary": "ok`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSONObject(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseJSONObject(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseJSONObject(%q) failed: %v", tt.raw, err)
			}
			if _, ok := got[tt.wantKey]; !ok {
				t.Errorf("parsed object missing %q: %v", tt.wantKey, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(context.Canceled) {
		t.Error("context cancellation should not be retried")
	}
	if isRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should not be retried")
	}
	if !isRetryable(errors.New("connection reset")) {
		t.Error("unknown errors default to retryable")
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New("", "claude-3-5-haiku-latest"); !errors.Is(err, ErrAPIKeyRequired) {
		t.Fatalf("New without key = %v, want ErrAPIKeyRequired", err)
	}
	if _, err := New("sk-test", "claude-3-5-haiku-latest"); err != nil {
		t.Fatalf("New with key failed: %v", err)
	}
}
