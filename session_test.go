package guildchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeHistory struct {
	mu         sync.Mutex
	first      []*MessagePage
	firstErrs  []error
	pages      map[string]*MessagePage
	pageErrs   map[string]error
	firstCalls int
	cursors    []string

	// When gate is set NextPage signals started and waits for the gate.
	gate    chan struct{}
	started chan string
}

func (h *fakeHistory) FirstPage(ctx context.Context, groupID int64) (*MessagePage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.firstCalls
	h.firstCalls++
	if i < len(h.firstErrs) && h.firstErrs[i] != nil {
		return nil, h.firstErrs[i]
	}
	if i >= len(h.first) {
		i = len(h.first) - 1
	}
	return h.first[i], nil
}

func (h *fakeHistory) NextPage(ctx context.Context, groupID int64, cursor string) (*MessagePage, error) {
	h.mu.Lock()
	h.cursors = append(h.cursors, cursor)
	gate, started := h.gate, h.started
	h.mu.Unlock()

	if gate != nil {
		started <- cursor
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.pageErrs[cursor]; err != nil {
		delete(h.pageErrs, cursor)
		return nil, err
	}
	page, ok := h.pages[cursor]
	if !ok {
		return nil, &HistoryFetchError{GroupID: groupID, Cursor: cursor, StatusCode: 404, Err: errors.New("not found")}
	}
	return page, nil
}

func (h *fakeHistory) nextCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cursors...)
}

func (h *fakeHistory) firstCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstCalls
}

func newTestSession(h HistoryLoader, d Dialer) *Session {
	return NewSession(1, SessionConfig{
		History:   h,
		Dialer:    d,
		Clock:     clockwork.NewFakeClock(),
		WSBaseURL: "ws://chat.test",
	})
}

func waitOpen(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().ConnectionState == StateOpen }, 2*time.Second, 5*time.Millisecond)
}

func TestSessionEndToEnd(t *testing.T) {
	history := &fakeHistory{
		first: []*MessagePage{{Cursor: "c1", Items: []Message{msg(5, 5), msg(3, 3)}}},
		pages: map[string]*MessagePage{"c1": {Items: []Message{msg(1, 1)}}},
	}
	dialer := newFakeDialer()
	s := newTestSession(history, dialer)
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, true))
	conn := dialer.nextConn(t)
	waitOpen(t, s)

	snap := s.Snapshot()
	assert.Equal(t, []MessageID{5, 3}, ids(snap.Messages))
	assert.True(t, snap.HasMore)
	assert.Equal(t, "c1", snap.NextCursor)

	conn.in <- []byte(`{"type":"new_message","message":{"id":7,"group_id":1,"sender_id":9,"text":"live","created_at":"2024-03-01T12:00:07Z"}}`)
	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []MessageID{7, 5, 3}, ids(s.Messages()))

	require.NoError(t, s.LoadMoreHistory(ctx))
	snap = s.Snapshot()
	assert.Equal(t, []MessageID{7, 5, 3, 1}, ids(snap.Messages))
	assert.False(t, snap.HasMore)
	assert.Empty(t, snap.NextCursor)

	require.NoError(t, s.LoadMoreHistory(ctx))
	assert.Equal(t, []string{"c1"}, history.nextCalls())
}

func TestSessionLoadMoreGuard(t *testing.T) {
	history := &fakeHistory{
		first:   []*MessagePage{{Cursor: "c1", Items: []Message{msg(5, 5)}}},
		pages:   map[string]*MessagePage{"c1": {Cursor: "c2", Items: []Message{msg(4, 4)}}},
		gate:    make(chan struct{}),
		started: make(chan string, 1),
	}
	s := newTestSession(history, newFakeDialer())
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, true))

	done := make(chan error, 1)
	go func() { done <- s.LoadMoreHistory(ctx) }()
	<-history.started

	assert.True(t, s.Snapshot().LoadingMore)
	require.NoError(t, s.LoadMoreHistory(ctx))

	close(history.gate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"c1"}, history.nextCalls())
	snap := s.Snapshot()
	assert.False(t, snap.LoadingMore)
	assert.Equal(t, "c2", snap.NextCursor)
	assert.Equal(t, []MessageID{5, 4}, ids(snap.Messages))
}

func TestSessionLoadMoreFailureLeavesStateUnchanged(t *testing.T) {
	history := &fakeHistory{
		first:    []*MessagePage{{Cursor: "c1", Items: []Message{msg(5, 5)}}},
		pages:    map[string]*MessagePage{"c1": {Items: []Message{msg(2, 2)}}},
		pageErrs: map[string]error{"c1": &HistoryFetchError{GroupID: 1, Cursor: "c1", StatusCode: 502, Err: errors.New("bad gateway")}},
	}
	s := newTestSession(history, newFakeDialer())
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, true))

	err := s.LoadMoreHistory(ctx)
	var fe *HistoryFetchError
	require.True(t, errors.As(err, &fe))

	snap := s.Snapshot()
	assert.Equal(t, "c1", snap.NextCursor)
	assert.True(t, snap.HasMore)
	assert.False(t, snap.LoadingMore)
	assert.Equal(t, []MessageID{5}, ids(snap.Messages))
	assert.ErrorIs(t, snap.LastError, err)

	require.NoError(t, s.LoadMoreHistory(ctx))
	snap = s.Snapshot()
	assert.Equal(t, []MessageID{5, 2}, ids(snap.Messages))
	assert.NoError(t, snap.LastError)
	assert.Equal(t, []string{"c1", "c1"}, history.nextCalls())
}

func TestSessionStopsOnRepeatedCursor(t *testing.T) {
	history := &fakeHistory{
		first: []*MessagePage{{Cursor: "c1", Items: []Message{msg(9, 9)}}},
		pages: map[string]*MessagePage{
			"c1": {Cursor: "c2", Items: []Message{msg(8, 8)}},
			"c2": {Cursor: "c1", Items: []Message{msg(7, 7)}},
		},
	}
	s := newTestSession(history, newFakeDialer())
	defer s.Teardown()

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, true))
	require.NoError(t, s.LoadMoreHistory(ctx))
	require.NoError(t, s.LoadMoreHistory(ctx))
	require.NoError(t, s.LoadMoreHistory(ctx))

	snap := s.Snapshot()
	assert.False(t, snap.HasMore)
	assert.Equal(t, []MessageID{9, 8, 7}, ids(snap.Messages))
	assert.Equal(t, []string{"c1", "c2"}, history.nextCalls())
}

func TestSessionFirstPageFailureDoesNotBlockChannel(t *testing.T) {
	fetchErr := &HistoryFetchError{GroupID: 1, StatusCode: 500, Err: errors.New("boom")}
	history := &fakeHistory{
		first:     []*MessagePage{nil, {Cursor: "", Items: []Message{msg(1, 1)}}},
		firstErrs: []error{fetchErr},
	}
	dialer := newFakeDialer()
	s := newTestSession(history, dialer)
	defer s.Teardown()

	ctx := context.Background()
	err := s.Initialize(ctx, true)
	require.ErrorIs(t, err, fetchErr)

	dialer.nextConn(t)
	waitOpen(t, s)
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.HasMore)
	assert.ErrorIs(t, snap.LastError, fetchErr)

	require.NoError(t, s.Initialize(ctx, true))
	assert.Equal(t, 2, history.firstCallCount())
	assert.Equal(t, 1, dialer.dials())
	snap = s.Snapshot()
	assert.Equal(t, []MessageID{1}, ids(snap.Messages))
	assert.NoError(t, snap.LastError)

	require.NoError(t, s.Initialize(ctx, true))
	assert.Equal(t, 2, history.firstCallCount())
}

func TestSessionSendMessage(t *testing.T) {
	history := &fakeHistory{first: []*MessagePage{{}}}
	dialer := newFakeDialer()
	s := newTestSession(history, dialer)
	defer s.Teardown()

	ctx := context.Background()
	assert.False(t, s.SendMessage(ctx, "offline"))

	require.NoError(t, s.Initialize(ctx, true))
	conn := dialer.nextConn(t)
	waitOpen(t, s)

	assert.False(t, s.SendMessage(ctx, ""))
	assert.False(t, s.SendMessage(ctx, " \t\n "))
	assert.Empty(t, conn.written())

	assert.True(t, s.SendMessage(ctx, "  gg wp \n"))
	require.Len(t, conn.written(), 1)
	assert.JSONEq(t, `{"message":"gg wp"}`, string(conn.written()[0]))
}

func TestSessionDeleteFrameAndResurrection(t *testing.T) {
	history := &fakeHistory{first: []*MessagePage{{Items: []Message{msg(5, 5), msg(3, 3)}}}}
	dialer := newFakeDialer()
	s := newTestSession(history, dialer)
	defer s.Teardown()

	require.NoError(t, s.Initialize(context.Background(), true))
	conn := dialer.nextConn(t)

	conn.in <- []byte(`{"type":"delete_message","message_id":5}`)
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []MessageID{3}, ids(s.Messages()))

	conn.in <- []byte(`{"type":"delete_message","message_id":5}`)
	conn.in <- []byte(`{"type":"new_message","message":{"id":5,"created_at":"2024-03-01T12:00:05Z"}}`)
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []MessageID{5, 3}, ids(s.Messages()))
}

func TestSessionLocalMutations(t *testing.T) {
	history := &fakeHistory{first: []*MessagePage{{Items: []Message{msg(2, 2)}}}}
	s := newTestSession(history, newFakeDialer())
	defer s.Teardown()
	require.NoError(t, s.Initialize(context.Background(), true))
	waitOpen(t, s)

	var mu sync.Mutex
	var seen [][]MessageID
	s.OnChange(func(snap Snapshot) {
		// Listeners may read back into the session.
		_ = s.Snapshot()
		mu.Lock()
		seen = append(seen, ids(snap.Messages))
		mu.Unlock()
	})

	s.UpsertLocal(msg(4, 4))
	s.DeleteLocal(2)
	s.DeleteLocal(2)

	assert.Equal(t, []MessageID{4}, ids(s.Messages()))
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Contains(t, seen, []MessageID{4, 2})
	assert.Equal(t, []MessageID{4}, seen[len(seen)-1])
}

func TestSessionTeardownKeepsStore(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	history := &fakeHistory{first: []*MessagePage{{Cursor: "c1", Items: []Message{msg(2, 2), msg(1, 1)}}}}
	dialer := newFakeDialer()
	s := newTestSession(history, dialer)

	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, true))
	conn := dialer.nextConn(t)
	waitOpen(t, s)

	require.NoError(t, s.Initialize(ctx, false))
	s.Teardown()

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.ConnectionState)
	assert.Equal(t, []MessageID{2, 1}, ids(snap.Messages))
	assert.True(t, conn.isClosed())
	assert.False(t, s.SendMessage(ctx, "after teardown"))
	assert.Empty(t, conn.written())

	require.NoError(t, s.Initialize(ctx, true))
	dialer.nextConn(t)
	waitOpen(t, s)
	assert.Equal(t, 1, history.firstCallCount())
	s.Teardown()
}

func TestClientSessionWiring(t *testing.T) {
	history := &fakeHistory{first: []*MessagePage{{}}}
	dialer := newFakeDialer()
	client := NewClient("abc", WithBaseURL("https://api.example.com"))

	s := client.Session(77,
		WithHistoryLoader(history),
		WithDialer(dialer),
		WithClock(clockwork.NewFakeClock()),
		WithBackoff(time.Second, 10*time.Second),
	)
	defer s.Teardown()

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, int64(77), s.GroupID())
	require.NoError(t, s.Initialize(context.Background(), true))
	dialer.nextConn(t)
	assert.Equal(t, "wss://api.example.com/ws/group/77/?token=abc", dialer.lastURL())
}
