package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons reported to the expire hook and metrics.
const (
	ReasonLogout  = "logout"
	ReasonExpired = "expired"
)

var ErrNotFound = errors.New("session not found")

// Session records one login of a user. A user has at most one active session.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Personality    string    `json:"personality,omitempty"`
	LastTurnID     string    `json:"last_turn_id,omitempty"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndReason      string    `json:"end_reason,omitempty"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open returns the user's active session, creating one when none exists.
// created reports whether a new session was started.
func (m *Manager) Open(userID, personality string) (s *Session, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.sessionByUser[userID]; ok {
		if cur, ok := m.sessions[id]; ok && cur.Status == StatusActive {
			cur.LastActivityAt = m.now()
			return clone(cur), false
		}
	}

	now := m.now()
	s = &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Personality:    personality,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	m.sessionByUser[userID] = s.ID
	return clone(s), true
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ForUser returns the user's active session.
func (m *Manager) ForUser(userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(userID)
	if err != nil {
		return err
	}
	s.LastActivityAt = m.now()
	return nil
}

// RecordTurn notes a completed exchange and refreshes activity.
func (m *Manager) RecordTurn(userID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(userID)
	if err != nil {
		return err
	}
	s.LastTurnID = turnID
	s.TurnCount++
	s.LastActivityAt = m.now()
	return nil
}

// End closes the user's active session. The expire hook is not called.
func (m *Manager) End(userID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(userID)
	if err != nil {
		return nil, err
	}
	m.endLocked(s, reason)
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessionByUser)
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s, ReasonExpired)
		expired = append(expired, clone(s))
	}
	// Ended sessions are only kept until the next sweep.
	for id, s := range m.sessions {
		if s.Status == StatusEnded && now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
			delete(m.sessions, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) activeLocked(userID string) (*Session, error) {
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) endLocked(s *Session, reason string) {
	s.Status = StatusEnded
	s.EndReason = reason
	s.LastActivityAt = m.now()
	if m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
