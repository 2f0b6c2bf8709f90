package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/ratelimit"
)

var testProfile = memory.Profile{
	PersonaName:        "Anjali",
	PersonaNickname:    "Bubu",
	UserName:           "Rohit",
	UserNickname:       "Babu",
	PersonaInterests:   "badminton",
	UserInterests:      "gym",
	PersonaPersonality: "Tsundere",
}

type scriptedTransport struct {
	mu       sync.Mutex
	requests []completion.Request
	reply    string
	err      error
	block    chan struct{}
}

func (t *scriptedTransport) GenerateContent(ctx context.Context, req completion.Request) (completion.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	block, reply, err := t.block, t.reply, t.err
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return completion.Response{}, ctx.Err()
		}
	}
	if err != nil {
		return completion.Response{}, err
	}
	content := completion.NewContent(completion.RoleModel, reply)
	return completion.Response{Candidates: []completion.Candidate{{Content: &content}}}, nil
}

func (t *scriptedTransport) lastRequest() completion.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

type failingAppendStore struct {
	*memory.InMemoryStore
	getErr    error
	appendErr error
}

func (s *failingAppendStore) Get(ctx context.Context, userID string) (*memory.Document, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.InMemoryStore.Get(ctx, userID)
}

func (s *failingAppendStore) AppendTurn(ctx context.Context, userID string, turn memory.Turn) (memory.Turn, error) {
	if s.appendErr != nil {
		return memory.Turn{}, s.appendErr
	}
	return s.InMemoryStore.AppendTurn(ctx, userID, turn)
}

type harness struct {
	store     memory.Store
	limiter   *ratelimit.Limiter
	transport *scriptedTransport
	now       time.Time

	mu      sync.Mutex
	results []PersistResult
}

func newHarness(t *testing.T, store memory.Store, maxMessages int) *harness {
	t.Helper()
	h := &harness{
		store:     store,
		transport: &scriptedTransport{reply: "hello ji 😊"},
		now:       time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	h.limiter = ratelimit.New(ratelimit.NewCacheWindowStore(0), ratelimit.Config{
		MaxMessages: maxMessages,
		Window:      time.Hour,
		Now:         func() time.Time { return h.now },
	}, nil)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Store:     h.store,
		Limiter:   h.limiter,
		Transport: h.transport,
		Provider:  "test",
		Now:       func() time.Time { return h.now },
		PersistHook: func(res PersistResult) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.results = append(h.results, res)
		},
	}
}

func (h *harness) persisted() []PersistResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PersistResult(nil), h.results...)
}

func (h *harness) start(t *testing.T) *Conversation {
	t.Helper()
	c := NewConversation("u1", testProfile, h.deps())
	require.NoError(t, c.Start(context.Background()))
	return c
}

func flush(t *testing.T, c *Conversation) {
	t.Helper()
	c.Logout()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitPersisted(ctx))
}

func TestStartLoadsTranscript(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	for _, turn := range []memory.Turn{
		{ID: "1", Role: memory.RoleUser, Text: "hi"},
		{ID: "2", Role: memory.RoleAssistant, Text: "hello"},
		{ID: "3", Role: memory.RoleUser, Text: "how are you"},
	} {
		_, err := store.AppendTurn(ctx, "u1", turn)
		require.NoError(t, err)
	}

	h := newHarness(t, store, 10)
	c := NewConversation("u1", testProfile, h.deps())
	assert.Equal(t, StateUninitialized, c.State())

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, c.Messages(), 3)
	assert.Equal(t, 3, c.ContextSize())

	_, err := c.Send(ctx, "tell me more")
	require.NoError(t, err)
	req := h.transport.lastRequest()
	require.Len(t, req.Contents, 4)
	assert.Equal(t, completion.RoleModel, req.Contents[1].Role)
	assert.Equal(t, "tell me more", req.Contents[3].Text())
}

func TestStartFailureLeavesReadyAndEmpty(t *testing.T) {
	store := &failingAppendStore{InMemoryStore: memory.NewInMemoryStore(), getErr: errors.New("db down")}
	h := newHarness(t, store, 10)

	c := h.start(t)
	assert.Equal(t, StateReady, c.State())
	assert.Empty(t, c.Messages())
	assert.Equal(t, 0, c.ContextSize())
}

func TestSendBeforeStart(t *testing.T) {
	h := newHarness(t, memory.NewInMemoryStore(), 10)
	c := NewConversation("u1", testProfile, h.deps())
	_, err := c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSendRelaysAndPersists(t *testing.T) {
	store := memory.NewInMemoryStore()
	h := newHarness(t, store, 10)
	c := h.start(t)

	ex, err := c.Send(context.Background(), "  kya haal hai  ")
	require.NoError(t, err)
	assert.False(t, ex.Failed)
	assert.Equal(t, "kya haal hai", ex.UserTurn.Text)
	assert.Equal(t, memory.RoleUser, ex.UserTurn.Role)
	assert.Equal(t, "hello ji 😊", ex.Reply.Text)
	assert.Equal(t, memory.RoleAssistant, ex.Reply.Role)
	assert.NotEqual(t, ex.UserTurn.ID, ex.Reply.ID)
	assert.Equal(t, 1, ex.RateLimit.Count)
	assert.True(t, ex.RateLimit.Allowed)
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, c.Messages(), 2)

	req := h.transport.lastRequest()
	require.NotNil(t, req.SystemInstruction)
	assert.Contains(t, req.SystemInstruction.Text(), "Anjali")

	flush(t, c)
	turns, err := memory.Transcript(context.Background(), store, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, ex.UserTurn.ID, turns[0].ID)
	assert.Equal(t, ex.Reply.ID, turns[1].ID)

	results := h.persisted()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, OpAppendTurn, res.Op)
		assert.NoError(t, res.Err)
	}
}

func TestSendCompletionFailureReturnsApology(t *testing.T) {
	store := memory.NewInMemoryStore()
	h := newHarness(t, store, 10)
	h.transport.err = &completion.APIError{StatusCode: 500, Message: "quota exceeded"}
	c := h.start(t)

	ex, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.True(t, ex.Failed)
	assert.True(t, ex.Retryable)
	assert.Equal(t, ApologyReply, ex.Reply.Text)
	assert.Equal(t, 1, ex.RateLimit.Count)
	assert.Equal(t, 1, c.ContextSize(), "user turn stays in context")
	assert.Equal(t, StateReady, c.State())

	flush(t, c)
	turns, err := memory.Transcript(context.Background(), store, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, ApologyReply, turns[1].Text)
}

func TestSendRejectsEmptyText(t *testing.T) {
	h := newHarness(t, memory.NewInMemoryStore(), 10)
	c := h.start(t)
	_, err := c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.transport.requests)
}

func TestSendRateLimited(t *testing.T) {
	h := newHarness(t, memory.NewInMemoryStore(), 2)
	c := h.start(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Send(ctx, "hi")
		require.NoError(t, err)
	}

	h.now = h.now.Add(15 * time.Minute)
	ex, err := c.Send(ctx, "one more")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.False(t, limited.Status.Allowed)
	require.NotNil(t, limited.Status.ResetAt)
	assert.Equal(t, "45 minutes", limited.Wait)
	assert.Equal(t, 2, ex.RateLimit.Count)
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, c.Messages(), 4)
	assert.Len(t, h.transport.requests, 2)

	h.now = h.now.Add(46 * time.Minute)
	_, err = c.Send(ctx, "back again")
	require.NoError(t, err)
}

func TestSendWhileSendingIsBusy(t *testing.T) {
	h := newHarness(t, memory.NewInMemoryStore(), 10)
	h.transport.block = make(chan struct{})
	c := h.start(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "first")
		done <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateSending }, time.Second, 5*time.Millisecond)

	_, err := c.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.Clear(context.Background()), ErrBusy)

	close(h.transport.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, c.State())
}

func TestClearEmptiesStateImmediately(t *testing.T) {
	store := memory.NewInMemoryStore()
	h := newHarness(t, store, 10)
	c := h.start(t)
	ctx := context.Background()

	_, err := c.Send(ctx, "hi")
	require.NoError(t, err)

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, StateCleared, c.State())
	assert.Empty(t, c.Messages())
	assert.Equal(t, 0, c.ContextSize())

	ex, err := c.Send(ctx, "fresh start")
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())
	assert.Len(t, h.transport.lastRequest().Contents, 1)

	flush(t, c)
	turns, err := memory.Transcript(ctx, store, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, ex.UserTurn.ID, turns[0].ID)
}

func TestLogoutDropsMemoryButKeepsStore(t *testing.T) {
	store := memory.NewInMemoryStore()
	h := newHarness(t, store, 10)
	c := h.start(t)
	ctx := context.Background()

	_, err := c.Send(ctx, "hi")
	require.NoError(t, err)
	require.Equal(t, 1, h.limiter.Tracked())

	flush(t, c)
	assert.Equal(t, StateLoggedOut, c.State())
	assert.Empty(t, c.Messages())
	assert.Equal(t, 0, h.limiter.Tracked())

	_, err = c.Send(ctx, "still there?")
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.ErrorIs(t, c.Clear(ctx), ErrLoggedOut)
	assert.ErrorIs(t, c.Start(ctx), ErrLoggedOut)

	turns, err := memory.Transcript(ctx, store, "u1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	// The window survives logout.
	assert.Equal(t, 1, h.limiter.CheckStatus(ctx, "u1").Count)
}

func TestPersistFailureIsReportedNotReturned(t *testing.T) {
	store := &failingAppendStore{InMemoryStore: memory.NewInMemoryStore(), appendErr: errors.New("disk full")}
	h := newHarness(t, store, 10)
	c := h.start(t)

	ex, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.False(t, ex.Failed)

	flush(t, c)
	results := h.persisted()
	require.Len(t, results, 2)
	assert.EqualError(t, results[0].Err, "disk full")
	assert.Equal(t, ex.UserTurn.ID, results[0].TurnID)
	assert.Equal(t, "u1", results[0].UserID)
}

func TestGreetingUsesNickname(t *testing.T) {
	h := newHarness(t, memory.NewInMemoryStore(), 10)
	c := h.start(t)
	assert.Contains(t, c.Greeting(), "Hey Babu!")
}

func TestErrorClass(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&completion.APIError{Message: "completion API key not configured"}, "config"},
		{&completion.APIError{Message: "send request", Err: errors.New("dial")}, "network"},
		{&completion.APIError{StatusCode: 429}, "rate_limited"},
		{&completion.APIError{StatusCode: 503}, "server"},
		{&completion.APIError{StatusCode: 200, Message: "decode response"}, "malformed"},
		{&completion.APIError{Message: "generate content", Err: fmt.Errorf("unmarshal: %w", &json.SyntaxError{})}, "malformed"},
		{context.DeadlineExceeded, "timeout"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errorClass(tc.err), "%v", tc.err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&completion.APIError{Message: "completion API key not configured"}, false},
		{&completion.APIError{Message: "send request", Err: errors.New("dial")}, true},
		{&completion.APIError{StatusCode: 429}, true},
		{&completion.APIError{StatusCode: 503}, true},
		{&completion.APIError{StatusCode: 400, Message: "bad request"}, false},
		{&completion.APIError{StatusCode: 501}, false},
		{context.DeadlineExceeded, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retryable(tc.err), "%v", tc.err)
	}
}
