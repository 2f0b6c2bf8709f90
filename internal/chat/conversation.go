// Package chat runs one companion conversation per logged-in user: it gates
// sends on the message quota, relays turns to the completion session and
// persists both sides of each exchange in the background.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/profile"
	"github.com/ent0n29/companion/internal/ratelimit"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateSending       State = "sending"
	StateCleared       State = "cleared"
	StateLoggedOut     State = "logged_out"
)

// ApologyReply stands in for the companion reply when completion fails.
const ApologyReply = "Sorry, I encountered an error. Please try again later. 😔"

// Deps are shared by every conversation of a Service.
type Deps struct {
	Store          memory.Store
	Limiter        *ratelimit.Limiter
	Transport      completion.Transport
	Provider       string
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	PersistHook    PersistHook
	PersistTimeout time.Duration
	Now            func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = defaultPersistTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Provider == "" {
		d.Provider = "unknown"
	}
	return d
}

// Exchange is the result of one Send.
type Exchange struct {
	UserTurn  memory.Turn      `json:"user_turn"`
	Reply     memory.Turn      `json:"reply"`
	Failed    bool             `json:"failed"`
	Retryable bool             `json:"retryable,omitempty"`
	RateLimit ratelimit.Status `json:"rate_limit"`
}

type Conversation struct {
	userID  string
	deps    Deps
	logger  *zap.Logger
	session *completion.Session

	mu           sync.Mutex
	state        State
	profile      memory.Profile
	instruction  string
	messages     []memory.Turn
	writes       chan persistJob
	writesClosed bool
	writerDone   chan struct{}
}

func NewConversation(userID string, p memory.Profile, deps Deps) *Conversation {
	deps = deps.withDefaults()
	c := &Conversation{
		userID:      userID,
		deps:        deps,
		logger:      deps.Logger.Named("chat").With(zap.String("user_id", userID)),
		session:     completion.NewSession(deps.Transport),
		state:       StateUninitialized,
		profile:     p,
		instruction: profile.Instruction(p),
		writes:      make(chan persistJob, persistQueueSize),
		writerDone:  make(chan struct{}),
	}
	go c.runWriter()
	return c
}

func (c *Conversation) UserID() string { return c.userID }

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) Profile() memory.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// UpdateProfile swaps the persona used for subsequent sends.
func (c *Conversation) UpdateProfile(p memory.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
	c.instruction = profile.Instruction(p)
}

// Start loads the stored transcript into the display list and the completion
// context. A load failure leaves both empty; the conversation is still ready.
func (c *Conversation) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateLoggedOut:
		c.mu.Unlock()
		return ErrLoggedOut
	case StateUninitialized:
		c.state = StateLoading
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	start := time.Now()
	turns, err := memory.Transcript(ctx, c.deps.Store, c.userID)
	if err != nil {
		c.logger.Warn("load transcript failed", zap.Error(err))
		turns = nil
	}
	c.deps.Metrics.ObserveStage(observability.StageHistory, time.Since(start))
	c.session.LoadFrom(toContents(turns))

	c.mu.Lock()
	if c.state == StateLoggedOut {
		c.session.Clear()
		c.mu.Unlock()
		return ErrLoggedOut
	}
	c.messages = append([]memory.Turn(nil), turns...)
	c.state = StateReady
	c.mu.Unlock()

	c.deps.Limiter.Track(ctx, c.userID)
	// Logout may have run Forget before Track registered the user.
	if c.State() == StateLoggedOut {
		c.deps.Limiter.Forget(c.userID)
		return ErrLoggedOut
	}
	c.logger.Info("conversation ready", zap.Int("turns", len(turns)))
	return nil
}

// Send relays one user message. Completion failures are not returned: the
// reply becomes ApologyReply and Exchange.Failed is set.
func (c *Conversation) Send(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	c.mu.Lock()
	prev := c.state
	switch prev {
	case StateLoggedOut:
		c.mu.Unlock()
		return Exchange{}, ErrLoggedOut
	case StateUninitialized, StateLoading:
		c.mu.Unlock()
		return Exchange{}, ErrNotReady
	case StateSending:
		c.mu.Unlock()
		return Exchange{}, ErrBusy
	}
	c.state = StateSending
	instruction := c.instruction
	c.mu.Unlock()

	turnStart := time.Now()
	st := c.deps.Limiter.CheckStatus(ctx, c.userID)
	if !st.Allowed {
		c.restoreState(prev)
		c.deps.Metrics.RateLimited()
		c.logger.Info("send rejected by quota", zap.Int("count", st.Count))
		return Exchange{RateLimit: st}, newRateLimitedError(st, c.deps.Now())
	}

	userTurn := memory.Turn{
		ID:        memory.NewTurnID(),
		Role:      memory.RoleUser,
		Text:      text,
		Timestamp: c.deps.Now(),
	}
	if dropped := c.appendTurn(userTurn); dropped != nil {
		c.reportPersist(*dropped)
	}
	st = c.deps.Limiter.RecordSend(ctx, c.userID)

	callStart := time.Now()
	reply, err := c.session.Send(ctx, text, instruction)
	class := ""
	failed, again := false, false
	if err != nil {
		class = errorClass(err)
		failed = true
		again = retryable(err)
		reply = ApologyReply
		c.logger.Error("completion failed",
			zap.String("class", class),
			zap.Bool("retryable", again),
			logging.Text("text", text),
			zap.Error(err),
		)
	}
	c.deps.Metrics.ObserveCompletion(c.deps.Provider, time.Since(callStart), class)

	replyTurn := memory.Turn{
		ID:        memory.NewTurnID(),
		Role:      memory.RoleAssistant,
		Text:      reply,
		Timestamp: c.deps.Now(),
	}

	c.mu.Lock()
	if c.state == StateLoggedOut {
		c.mu.Unlock()
		return Exchange{}, ErrLoggedOut
	}
	c.messages = append(c.messages, replyTurn)
	dropped := c.enqueueLocked(persistJob{op: OpAppendTurn, turn: replyTurn})
	c.state = StateReady
	c.mu.Unlock()
	if dropped != nil {
		c.reportPersist(*dropped)
	}

	c.deps.Metrics.ObserveStage(observability.StageTurnTotal, time.Since(turnStart))
	c.logger.Debug("exchange complete",
		zap.String("turn_id", replyTurn.ID),
		zap.Bool("failed", failed),
		logging.Text("reply", reply),
	)
	return Exchange{UserTurn: userTurn, Reply: replyTurn, Failed: failed, Retryable: again, RateLimit: st}, nil
}

// Clear empties the display transcript and the completion context right away
// and deletes the stored transcript in the background.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateLoggedOut:
		c.mu.Unlock()
		return ErrLoggedOut
	case StateUninitialized, StateLoading:
		c.mu.Unlock()
		return ErrNotReady
	case StateSending:
		c.mu.Unlock()
		return ErrBusy
	}
	c.messages = nil
	c.session.Clear()
	c.state = StateCleared
	dropped := c.enqueueLocked(persistJob{op: OpClearTranscript})
	c.mu.Unlock()

	if dropped != nil {
		c.reportPersist(*dropped)
	}
	c.logger.Info("conversation cleared")
	return nil
}

// Logout drops in-memory state and stops accepting work. Queued writes still
// drain; stored data is untouched.
func (c *Conversation) Logout() {
	c.mu.Lock()
	if c.state == StateLoggedOut {
		c.mu.Unlock()
		return
	}
	c.state = StateLoggedOut
	c.messages = nil
	c.session.Clear()
	c.writesClosed = true
	close(c.writes)
	c.mu.Unlock()

	c.deps.Limiter.Forget(c.userID)
	c.logger.Info("conversation logged out")
}

// Messages returns a copy of the display transcript.
func (c *Conversation) Messages() []memory.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memory.Turn, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Greeting() string {
	return profile.Greeting(c.Profile())
}

func (c *Conversation) RateStatus(ctx context.Context) ratelimit.Status {
	return c.deps.Limiter.CheckStatus(ctx, c.userID)
}

// ContextSize reports how many turns the next completion request carries
// before the new user turn.
func (c *Conversation) ContextSize() int {
	return len(c.session.History())
}

func (c *Conversation) appendTurn(t memory.Turn) *PersistResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, t)
	return c.enqueueLocked(persistJob{op: OpAppendTurn, turn: t})
}

func (c *Conversation) restoreState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSending {
		c.state = s
	}
}

func toContents(turns []memory.Turn) []completion.Content {
	out := make([]completion.Content, 0, len(turns))
	for _, t := range turns {
		role := completion.RoleUser
		if t.Role == memory.RoleAssistant {
			role = completion.RoleModel
		}
		out = append(out, completion.NewContent(role, t.Text))
	}
	return out
}
