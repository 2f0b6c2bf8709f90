package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	CompletionProvider string        `json:"completion_provider"`
	StoreMode          string        `json:"store_mode"`
	WindowStoreMode    string        `json:"window_store_mode"`
	RateLimit          string        `json:"rate_limit"`
	Checks             []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.completionCheck())
	checks = append(checks, s.storeCheck())
	checks = append(checks, s.windowStoreCheck())

	respondJSON(w, http.StatusOK, statusResponse{
		CompletionProvider: s.backends.CompletionProvider,
		StoreMode:          s.backends.StoreMode,
		WindowStoreMode:    s.backends.WindowStoreMode,
		RateLimit:          fmt.Sprintf("%d per %s", s.cfg.RateLimitMaxMessages, s.cfg.RateLimitWindow),
		Checks:             checks,
	})
}

func (s *Server) completionCheck() statusCheck {
	switch s.backends.CompletionProvider {
	case "gemini":
		if strings.TrimSpace(s.cfg.GeminiAPIKey) == "" {
			return statusCheck{
				ID:     "completion",
				Status: "error",
				Label:  "Completion endpoint",
				Detail: "GEMINI_API_KEY is not set",
				Fix:    "Set GEMINI_API_KEY or switch to COMPLETION_MODE=mock.",
			}
		}
		return statusCheck{ID: "completion", Status: "ok", Label: "Completion endpoint", Detail: "gemini (" + s.cfg.GeminiModel + ")"}
	case "mock":
		return statusCheck{
			ID:     "completion",
			Status: "warn",
			Label:  "Completion endpoint is mock",
			Detail: "Replies are canned echoes.",
			Fix:    "Set GEMINI_API_KEY to talk to a real model.",
		}
	default:
		return statusCheck{ID: "completion", Status: "warn", Label: "Completion endpoint", Detail: "unknown provider"}
	}
}

func (s *Server) storeCheck() statusCheck {
	switch s.backends.StoreMode {
	case "postgres", "sqlite":
		return statusCheck{ID: "store", Status: "ok", Label: "Profile and transcript store", Detail: s.backends.StoreMode}
	default:
		return statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Profile and transcript store",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL (postgres:// or sqlite://) to keep chats across restarts.",
		}
	}
}

func (s *Server) windowStoreCheck() statusCheck {
	if s.backends.WindowStoreMode == "redis" {
		return statusCheck{ID: "rate_limit_store", Status: "ok", Label: "Message quota store", Detail: "redis"}
	}
	return statusCheck{
		ID:     "rate_limit_store",
		Status: "warn",
		Label:  "Message quota store",
		Detail: "process-local",
		Fix:    "Set REDIS_URL to keep quotas across restarts.",
	}
}
