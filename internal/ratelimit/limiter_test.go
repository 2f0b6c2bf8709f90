package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, store WindowStore) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := New(store, Config{MaxMessages: 10, Window: time.Hour, Now: clock.Now}, nil)
	return l, clock
}

type failingStore struct {
	loadErr error
	saveErr error
	saves   int
}

func (s *failingStore) Load(context.Context, string) (Window, error) { return Window{}, s.loadErr }
func (s *failingStore) Save(context.Context, string, Window) error {
	s.saves++
	return s.saveErr
}
func (s *failingStore) Mode() string { return "failing" }
func (s *failingStore) Close() error { return nil }

func TestCheckStatusStartsFreshWindow(t *testing.T) {
	store := NewCacheWindowStore(0)
	l, clock := newTestLimiter(t, store)

	st := l.CheckStatus(context.Background(), "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Count)
	assert.Nil(t, st.ResetAt)

	w, err := store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), w.Start)
}

func TestEleventhCheckIsBlockedUntilWindowEnd(t *testing.T) {
	l, clock := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	start := clock.Now()
	l.CheckStatus(ctx, "u1")
	for i := 0; i < 10; i++ {
		st := l.CheckStatus(ctx, "u1")
		require.True(t, st.Allowed, "send %d should be allowed", i+1)
		clock.Advance(time.Minute)
		l.RecordSend(ctx, "u1")
	}

	st := l.CheckStatus(ctx, "u1")
	assert.False(t, st.Allowed)
	assert.Equal(t, 10, st.Count)
	require.NotNil(t, st.ResetAt)
	assert.Equal(t, start.Add(time.Hour), *st.ResetAt)
}

func TestAllowedIsFalseExactlyAtCap(t *testing.T) {
	l, _ := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()
	l.CheckStatus(ctx, "u1")

	for i := 1; i <= 11; i++ {
		st := l.RecordSend(ctx, "u1")
		assert.Equal(t, i, st.Count)
		assert.Equal(t, i < 10, st.Allowed, "count %d", i)
		assert.Equal(t, !st.Allowed, st.ResetAt != nil)
	}
}

func TestSendNeverRefreshesWindowStart(t *testing.T) {
	store := NewCacheWindowStore(0)
	l, clock := newTestLimiter(t, store)
	ctx := context.Background()

	l.CheckStatus(ctx, "u1")
	start := clock.Now()
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Minute)
		l.RecordSend(ctx, "u1")
	}

	w, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, start, w.Start)
	assert.Equal(t, 3, w.Count)
}

func TestRecordSendSetsStartWhenAbsent(t *testing.T) {
	store := NewCacheWindowStore(0)
	l, clock := newTestLimiter(t, store)

	st := l.RecordSend(context.Background(), "u1")
	assert.Equal(t, 1, st.Count)

	w, err := store.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), w.Start)
}

func TestWindowResetsOnlyAfterExpiry(t *testing.T) {
	l, clock := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	l.CheckStatus(ctx, "u1")
	for i := 0; i < 10; i++ {
		l.RecordSend(ctx, "u1")
	}

	clock.Advance(time.Hour)
	st := l.CheckStatus(ctx, "u1")
	assert.False(t, st.Allowed, "window of exactly one hour has not expired yet")
	assert.Equal(t, 10, st.Count)

	clock.Advance(time.Millisecond)
	st = l.CheckStatus(ctx, "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Count)
	assert.Nil(t, st.ResetAt)
}

func TestRefreshReopensExpiredWindow(t *testing.T) {
	l, clock := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []Status
	)
	l.SetChangeHook(func(userID string, st Status) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, st)
	})

	l.Track(ctx, "u1")
	for i := 0; i < 10; i++ {
		l.RecordSend(ctx, "u1")
	}
	st, ok := l.lastStatus("u1")
	require.True(t, ok)
	require.False(t, st.Allowed)

	clock.Advance(61 * time.Minute)
	l.refresh(ctx)

	st, ok = l.lastStatus("u1")
	require.True(t, ok)
	assert.True(t, st.Allowed)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	assert.True(t, changes[len(changes)-1].Allowed)
}

func TestForgetKeepsPersistedWindow(t *testing.T) {
	store := NewCacheWindowStore(0)
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	l.Track(ctx, "u1")
	l.RecordSend(ctx, "u1")
	l.RecordSend(ctx, "u1")
	l.Forget("u1")

	_, ok := l.lastStatus("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Tracked())

	st := l.CheckStatus(ctx, "u1")
	assert.Equal(t, 2, st.Count)
}

func TestUntrackedChecksDoNotGrowMemory(t *testing.T) {
	l, _ := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		userID := fmt.Sprintf("visitor-%d", i)
		l.CheckStatus(ctx, userID)
		l.Peek(ctx, userID)
		l.RecordSend(ctx, userID)
	}
	assert.Equal(t, 0, l.Tracked())
}

func TestPeekDoesNotPersistWindow(t *testing.T) {
	store := NewCacheWindowStore(0)
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	st := l.Peek(ctx, "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 10, st.Limit)

	w, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Start.IsZero())
}

func TestRefreshSkipsForgottenUsers(t *testing.T) {
	l, clock := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	var calls int
	l.SetChangeHook(func(string, Status) { calls++ })

	l.Track(ctx, "u1")
	l.Forget("u1")
	clock.Advance(2 * time.Hour)
	l.refresh(ctx)

	assert.Equal(t, 0, l.Tracked())
	assert.Equal(t, 1, calls)
}

func TestForgetDuringCheckLeavesNoEntry(t *testing.T) {
	l, _ := newTestLimiter(t, NewCacheWindowStore(0))
	ctx := context.Background()

	l.Track(ctx, "u1")
	l.Forget("u1")
	// a check finishing after Forget must not resurrect the mirror
	l.remember("u1", Status{Count: 3, Limit: 10, Allowed: true})

	_, ok := l.lastStatus("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Tracked())
}

func TestStoreFailuresFailOpen(t *testing.T) {
	store := &failingStore{loadErr: errors.New("disk gone"), saveErr: errors.New("disk gone")}
	l, _ := newTestLimiter(t, store)
	ctx := context.Background()

	st := l.CheckStatus(ctx, "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Count)

	st = l.RecordSend(ctx, "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 2, store.saves)
}

func TestTimeUntilReset(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reset := now.Add(4*time.Minute + 10*time.Second)
	assert.Equal(t, "5 minutes", TimeUntilReset(Status{ResetAt: &reset}, now))

	reset = now.Add(30 * time.Second)
	assert.Equal(t, "1 minute", TimeUntilReset(Status{ResetAt: &reset}, now))

	past := now.Add(-time.Second)
	assert.Equal(t, "", TimeUntilReset(Status{ResetAt: &past}, now))
	assert.Equal(t, "", TimeUntilReset(Status{Allowed: true}, now))
}

func TestParseStoredValuesFailOpen(t *testing.T) {
	assert.Equal(t, 0, parseInt("abc"))
	assert.Equal(t, 0, parseInt(nil))
	assert.Equal(t, 7, parseInt("7"))
	assert.True(t, parseMillis("garbage").IsZero())
	assert.True(t, parseMillis("0").IsZero())
	assert.Equal(t, int64(1700000000000), parseMillis("1700000000000").UnixMilli())
}
