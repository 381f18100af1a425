package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/cache"
)

type broadcastLog struct {
	mu    sync.Mutex
	calls map[string][][]Entry
}

func (b *broadcastLog) fn(docID string, entries []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = map[string][][]Entry{}
	}
	b.calls[docID] = append(b.calls[docID], entries)
}

func (b *broadcastLog) count(docID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls[docID])
}

func (b *broadcastLog) last(docID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.calls[docID]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

type fakeMirror struct {
	mu      sync.Mutex
	members map[string]cache.Member
}

func (f *fakeMirror) Put(ctx context.Context, docID string, m cache.Member, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.SessionID] = m
	return nil
}

func (f *fakeMirror) Remove(ctx context.Context, docID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, sessionID)
	return nil
}

func (f *fakeMirror) Members(ctx context.Context, docID string) ([]cache.Member, error) {
	return nil, nil
}

func (f *fakeMirror) Documents(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeMirror) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(opts Options) (*Tracker, *broadcastLog, *clock) {
	log := &broadcastLog{}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(log.fn, nil, opts)
	tr.now = clk.Now
	return tr, log, clk
}

func TestUpdateAndGet(t *testing.T) {
	tr, _, _ := newTestTracker(Options{})
	defer tr.Close()

	tr.Update("s2", "doc", "u2", json.RawMessage(`{"cursor":1}`))
	tr.Update("s1", "doc", "u1", json.RawMessage(`{"cursor":4}`))
	tr.Update("s3", "other", "u3", nil)

	got := tr.Get("doc")
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "s2", got[1].SessionID)
	assert.JSONEq(t, `{"cursor":4}`, string(got[0].Data))
}

func TestBroadcastIsDebounced(t *testing.T) {
	tr, log, _ := newTestTracker(Options{Debounce: 20 * time.Millisecond})
	defer tr.Close()

	for i := 0; i < 10; i++ {
		tr.Update("s1", "doc", "u1", json.RawMessage(`{"cursor":`+string(rune('0'+i))+`}`))
	}
	require.Eventually(t, func() bool { return log.count("doc") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, log.count("doc"))
	assert.JSONEq(t, `{"cursor":9}`, string(log.last("doc")[0].Data))
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	tr, log, clk := newTestTracker(Options{TTL: 30 * time.Second, Debounce: time.Millisecond})
	defer tr.Close()

	tr.Update("s1", "doc", "u1", nil)
	clk.Advance(20 * time.Second)
	tr.Update("s2", "doc", "u2", nil)
	require.Eventually(t, func() bool { return log.count("doc") >= 1 }, time.Second, time.Millisecond)

	clk.Advance(10 * time.Second)
	// 过期条目在 Sweep 之前就不再出现在 Get 里
	got := tr.Get("doc")
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)

	before := log.count("doc")
	assert.Equal(t, 1, tr.Sweep())
	assert.Zero(t, tr.Sweep())
	require.Eventually(t, func() bool { return log.count("doc") == before+1 }, time.Second, time.Millisecond)
	assert.Len(t, log.last("doc"), 1)

	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, tr.Sweep())
	assert.Empty(t, tr.Get("doc"))
}

func TestTouchRefreshesTTLWithoutBroadcast(t *testing.T) {
	tr, log, clk := newTestTracker(Options{TTL: 30 * time.Second, Debounce: time.Millisecond})
	defer tr.Close()

	tr.Update("s1", "doc", "u1", json.RawMessage(`{"cursor":1}`))
	require.Eventually(t, func() bool { return log.count("doc") == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		clk.Advance(20 * time.Second)
		require.True(t, tr.Touch("s1"))
	}
	assert.False(t, tr.Touch("missing"))

	assert.Zero(t, tr.Sweep())
	got := tr.Get("doc")
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"cursor":1}`, string(got[0].Data))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, log.count("doc"))

	clk.Advance(31 * time.Second)
	assert.Equal(t, 1, tr.Sweep())
}

func TestTouchRenewsMirror(t *testing.T) {
	mirror := &fakeMirror{members: map[string]cache.Member{}}
	tr := NewTracker(nil, mirror, Options{Debounce: time.Millisecond})
	defer tr.Close()

	tr.Update("s1", "doc", "u1", nil)
	require.Eventually(t, func() bool { return mirror.size() == 1 }, time.Second, time.Millisecond)
	mirror.mu.Lock()
	delete(mirror.members, "s1")
	mirror.mu.Unlock()

	require.True(t, tr.Touch("s1"))
	require.Eventually(t, func() bool { return mirror.size() == 1 }, time.Second, time.Millisecond)
}

func TestLeaveIsIndependentOfTTL(t *testing.T) {
	tr, log, _ := newTestTracker(Options{Debounce: time.Millisecond})
	defer tr.Close()

	tr.Update("s1", "doc", "u1", nil)
	tr.Update("s2", "doc", "u2", nil)
	tr.Leave("s1")
	tr.Leave("missing")

	got := tr.Get("doc")
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)
	require.Eventually(t, func() bool {
		last := log.last("doc")
		return len(last) == 1 && last[0].SessionID == "s2"
	}, time.Second, time.Millisecond)
}

func TestMirrorFollowsTracker(t *testing.T) {
	mirror := &fakeMirror{members: map[string]cache.Member{}}
	tr := NewTracker(nil, mirror, Options{Debounce: time.Millisecond})
	defer tr.Close()

	tr.Update("s1", "doc", "u1", nil)
	tr.Update("s2", "doc", "u2", nil)
	require.Eventually(t, func() bool { return mirror.size() == 2 }, time.Second, time.Millisecond)

	tr.Leave("s1")
	require.Eventually(t, func() bool { return mirror.size() == 1 }, time.Second, time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr, _, _ := newTestTracker(Options{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
