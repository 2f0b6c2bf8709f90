// Package ratelimit implements the per-user fixed-window message quota.
//
// The quota is a soft UX limit: the counter is advisory and callers consult
// CheckStatus before sending. Concurrent sends for one user are not
// serialized and the last write to the window store wins.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxMessages = 10
	DefaultWindow      = time.Hour
	DefaultTick        = time.Minute
)

// Status is the quota view for one user.
type Status struct {
	Count   int        `json:"count"`
	Limit   int        `json:"limit"`
	Allowed bool       `json:"allowed"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

type Config struct {
	MaxMessages int
	Window      time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

type Limiter struct {
	store       WindowStore
	maxMessages int
	window      time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	statuses map[string]*trackedStatus
	onChange func(userID string, st Status)
}

// trackedStatus mirrors the last evaluation for a user with a live
// conversation. seen is false until the first evaluation after Track.
type trackedStatus struct {
	st   Status
	seen bool
}

func New(store WindowStore, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:       store,
		maxMessages: cfg.MaxMessages,
		window:      cfg.Window,
		now:         cfg.Now,
		logger:      logger.Named("ratelimit"),
		statuses:    make(map[string]*trackedStatus),
	}
}

// SetChangeHook registers a callback for status transitions of tracked users
// seen by checks, sends and the periodic refresh.
func (l *Limiter) SetChangeHook(hook func(userID string, st Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = hook
}

// Track starts mirroring userID in memory so the periodic refresh and the
// change hook cover it. Forget ends tracking.
func (l *Limiter) Track(ctx context.Context, userID string) Status {
	l.mu.Lock()
	if _, ok := l.statuses[userID]; !ok {
		l.statuses[userID] = &trackedStatus{}
	}
	l.mu.Unlock()
	return l.CheckStatus(ctx, userID)
}

// Peek evaluates the quota without persisting a fresh window or tracking the
// user.
func (l *Limiter) Peek(ctx context.Context, userID string) Status {
	w := l.load(ctx, userID)
	if w.Start.IsZero() || l.now().Sub(w.Start) > l.window {
		return Status{Count: 0, Limit: l.maxMessages, Allowed: true}
	}
	return l.evaluate(w)
}

// CheckStatus starts a fresh window when none exists or the current one has
// expired, otherwise reports whether the user is still under the cap.
func (l *Limiter) CheckStatus(ctx context.Context, userID string) Status {
	now := l.now()
	w := l.load(ctx, userID)

	var st Status
	if w.Start.IsZero() || now.Sub(w.Start) > l.window {
		w = Window{Start: now}
		l.save(ctx, userID, w)
		st = Status{Count: 0, Limit: l.maxMessages, Allowed: true}
	} else {
		st = l.evaluate(w)
	}
	l.remember(userID, st)
	return st
}

// RecordSend counts one message. It never moves the window start of an
// existing window; only expiry does that.
func (l *Limiter) RecordSend(ctx context.Context, userID string) Status {
	w := l.load(ctx, userID)
	w.Count++
	if w.Start.IsZero() {
		w.Start = l.now()
	}
	l.save(ctx, userID, w)

	st := l.evaluate(w)
	l.remember(userID, st)
	return st
}

// lastStatus returns the mirrored status of a tracked user.
func (l *Limiter) lastStatus(userID string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.statuses[userID]
	if !ok || !t.seen {
		return Status{}, false
	}
	return t.st, true
}

func (l *Limiter) isTracked(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.statuses[userID]
	return ok
}

// Forget drops the in-memory mirror for a user. Persisted windows stay so a
// login within the same window resumes the count.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.statuses, userID)
}

// Tracked reports how many users are mirrored in memory.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

// Start re-evaluates every tracked user on each tick so expired windows
// reopen without a new send attempt.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTick
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refresh(ctx)
			}
		}
	}()
}

func (l *Limiter) refresh(ctx context.Context) {
	l.mu.Lock()
	users := make([]string, 0, len(l.statuses))
	for userID := range l.statuses {
		users = append(users, userID)
	}
	l.mu.Unlock()

	for _, userID := range users {
		if !l.isTracked(userID) {
			continue
		}
		l.CheckStatus(ctx, userID)
	}
}

func (l *Limiter) evaluate(w Window) Status {
	st := Status{Count: w.Count, Limit: l.maxMessages, Allowed: w.Count < l.maxMessages}
	if !st.Allowed {
		reset := w.Start.Add(l.window)
		st.ResetAt = &reset
	}
	return st
}

func (l *Limiter) load(ctx context.Context, userID string) Window {
	w, err := l.store.Load(ctx, userID)
	if err != nil {
		l.logger.Warn("window load failed, starting fresh", zap.String("user_id", userID), zap.Error(err))
		return Window{}
	}
	if w.Count < 0 {
		w.Count = 0
	}
	return w
}

func (l *Limiter) save(ctx context.Context, userID string, w Window) {
	if err := l.store.Save(ctx, userID, w); err != nil {
		l.logger.Warn("window save failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// remember updates the mirror of a tracked user; untracked users, including
// ones forgotten while a check was in flight, are left out.
func (l *Limiter) remember(userID string, st Status) {
	l.mu.Lock()
	t, ok := l.statuses[userID]
	if !ok {
		l.mu.Unlock()
		return
	}
	changed := !t.seen || !sameStatus(t.st, st)
	t.st = st
	t.seen = true
	hook := l.onChange
	l.mu.Unlock()

	if hook != nil && changed {
		hook(userID, st)
	}
}

func sameStatus(a, b Status) bool {
	if a.Count != b.Count || a.Allowed != b.Allowed || a.Limit != b.Limit {
		return false
	}
	if (a.ResetAt == nil) != (b.ResetAt == nil) {
		return false
	}
	return a.ResetAt == nil || a.ResetAt.Equal(*b.ResetAt)
}

// TimeUntilReset renders the remaining wait in whole minutes, rounded up.
// It is empty when no wait applies.
func TimeUntilReset(st Status, now time.Time) string {
	if st.ResetAt == nil {
		return ""
	}
	left := st.ResetAt.Sub(now)
	if left <= 0 {
		return ""
	}
	minutes := int(math.Ceil(left.Minutes()))
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
