package completion

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config controls transport construction.
type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewTransport resolves auto|gemini|mock. Auto uses Gemini when a key is
// present and the mock otherwise.
func NewTransport(ctx context.Context, cfg Config) (Transport, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return newGemini(ctx, cfg)
		}
		return NewMockTransport(), "mock", nil
	case "gemini":
		// A missing key surfaces per request as an APIError, not at startup.
		return newGemini(ctx, cfg)
	case "mock":
		return NewMockTransport(), "mock", nil
	default:
		return nil, "", fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}

func newGemini(ctx context.Context, cfg Config) (Transport, string, error) {
	c, err := NewGeminiClient(ctx, cfg.BaseURL, cfg.Model, cfg.APIKey, cfg.Timeout)
	if err != nil {
		return nil, "", err
	}
	return c, "gemini", nil
}
