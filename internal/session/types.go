package session

import "time"

// LoginResponse returns session metadata after login.
type LoginResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Created         bool      `json:"created"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

func NewLoginResponse(s *Session, created bool, ttl time.Duration) LoginResponse {
	return LoginResponse{
		SessionID:       s.ID,
		UserID:          s.UserID,
		Status:          s.Status,
		Created:         created,
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: ttl.Milliseconds(),
	}
}
