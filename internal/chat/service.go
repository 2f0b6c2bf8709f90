package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/profile"
	"github.com/ent0n29/companion/internal/ratelimit"
	"github.com/ent0n29/companion/internal/session"
)

// Service maps users to their live conversation and ties conversations to
// session records.
type Service struct {
	deps     Deps
	sessions *session.Manager
	logger   *zap.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
	subscribers   map[string]map[int]func(ratelimit.Status)
	nextSubID     int
}

func NewService(deps Deps, sessions *session.Manager) *Service {
	deps = deps.withDefaults()
	s := &Service{
		deps:          deps,
		sessions:      sessions,
		logger:        deps.Logger.Named("chat"),
		conversations: make(map[string]*Conversation),
		subscribers:   make(map[string]map[int]func(ratelimit.Status)),
	}
	sessions.SetExpireHook(s.expire)
	deps.Limiter.SetChangeHook(s.publishRate)
	return s
}

func (s *Service) Sessions() *session.Manager { return s.sessions }

// Profile loads the stored profile. A load failure reads as "no profile" so
// the caller routes to setup.
func (s *Service) Profile(ctx context.Context, userID string) *memory.Profile {
	p, err := memory.GetProfile(ctx, s.deps.Store, userID)
	if err != nil {
		s.logger.Warn("load profile failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return p
}

// SaveProfile validates setup input and merges it into the stored profile.
func (s *Service) SaveProfile(ctx context.Context, userID string, in profile.Setup) (memory.Profile, error) {
	in = in.Normalize()
	if err := profile.Validate(in); err != nil {
		return memory.Profile{}, err
	}
	p := in.ToProfile()
	if err := s.deps.Store.PutProfile(ctx, userID, p, true); err != nil {
		return memory.Profile{}, err
	}
	if stored := s.Profile(ctx, userID); stored != nil {
		p = *stored
	}
	if c, err := s.Conversation(userID); err == nil {
		c.UpdateProfile(p)
	}
	s.logger.Info("profile saved", zap.String("user_id", userID), zap.String("personality", p.PersonaPersonality))
	return p, nil
}

// Login starts the user's conversation, or returns the running one.
func (s *Service) Login(ctx context.Context, userID string) (*Conversation, session.LoginResponse, error) {
	p := s.Profile(ctx, userID)
	if p == nil {
		return nil, session.LoginResponse{}, ErrProfileRequired
	}

	sess, created := s.sessions.Open(userID, p.PersonaPersonality)

	s.mu.Lock()
	c, ok := s.conversations[userID]
	if !ok || c.State() == StateLoggedOut {
		c = NewConversation(userID, *p, s.deps)
		s.conversations[userID] = c
		created = true
	}
	s.mu.Unlock()

	resp := session.NewLoginResponse(sess, created, s.sessions.InactivityTimeout())
	if !created {
		return c, resp, nil
	}
	if err := c.Start(ctx); err != nil {
		return nil, session.LoginResponse{}, err
	}
	s.deps.Metrics.SessionStarted()
	s.logger.Info("login", zap.String("user_id", userID), zap.String("session_id", sess.ID))
	return c, resp, nil
}

func (s *Service) Conversation(userID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return c, nil
}

// Send relays a message on the user's active conversation.
func (s *Service) Send(ctx context.Context, userID, text string) (Exchange, error) {
	c, err := s.Conversation(userID)
	if err != nil {
		return Exchange{}, err
	}
	_ = s.sessions.Touch(userID)
	ex, err := c.Send(ctx, text)
	if err != nil {
		return ex, err
	}
	_ = s.sessions.RecordTurn(userID, ex.Reply.ID)
	return ex, nil
}

func (s *Service) Clear(ctx context.Context, userID string) error {
	c, err := s.Conversation(userID)
	if err != nil {
		return err
	}
	_ = s.sessions.Touch(userID)
	return c.Clear(ctx)
}

// RateStatus evaluates the quota without requiring a session. Users without
// a live conversation are only peeked so lookups never grow the mirror.
func (s *Service) RateStatus(ctx context.Context, userID string) ratelimit.Status {
	if c, err := s.Conversation(userID); err == nil {
		return c.RateStatus(ctx)
	}
	return s.deps.Limiter.Peek(ctx, userID)
}

// TrackedQuotas reports how many users the limiter mirrors in memory.
func (s *Service) TrackedQuotas() int { return s.deps.Limiter.Tracked() }

func (s *Service) Logout(userID string) error {
	c := s.detach(userID)
	if c == nil {
		return ErrNoSession
	}
	c.Logout()
	_, _ = s.sessions.End(userID, session.ReasonLogout)
	s.deps.Metrics.SessionEnded(session.ReasonLogout)
	s.logger.Info("logout", zap.String("user_id", userID))
	return nil
}

// Subscribe registers fn for quota changes of userID.
func (s *Service) Subscribe(userID string, fn func(ratelimit.Status)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	if s.subscribers[userID] == nil {
		s.subscribers[userID] = make(map[int]func(ratelimit.Status))
	}
	s.subscribers[userID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[userID], id)
		if len(s.subscribers[userID]) == 0 {
			delete(s.subscribers, userID)
		}
	}
}

// Close logs every conversation out and waits for queued writes.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.conversations))
	for id, c := range s.conversations {
		convs = append(convs, c)
		delete(s.conversations, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range convs {
		c.Logout()
		_, _ = s.sessions.End(c.UserID(), session.ReasonLogout)
		s.deps.Metrics.SessionEnded(session.ReasonLogout)
		if err := c.WaitPersisted(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) expire(sess *session.Session) {
	c := s.detach(sess.UserID)
	if c == nil {
		return
	}
	c.Logout()
	s.deps.Metrics.SessionEnded(session.ReasonExpired)
	s.logger.Info("session expired", zap.String("user_id", sess.UserID), zap.String("session_id", sess.ID))
}

func (s *Service) detach(userID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[userID]
	if !ok {
		return nil
	}
	delete(s.conversations, userID)
	return c
}

func (s *Service) publishRate(userID string, st ratelimit.Status) {
	s.mu.Lock()
	fns := make([]func(ratelimit.Status), 0, len(s.subscribers[userID]))
	for _, fn := range s.subscribers[userID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
