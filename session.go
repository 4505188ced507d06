package guildchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig wires a Session to its collaborators. History is required;
// everything else has a default.
type SessionConfig struct {
	History     HistoryLoader
	Credentials CredentialProvider
	Dialer      Dialer
	WSBaseURL   string
	Clock       clockwork.Clock
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *zap.Logger
}

type SessionOption func(*SessionConfig)

func WithHistoryLoader(h HistoryLoader) SessionOption {
	return func(c *SessionConfig) { c.History = h }
}

func WithCredentials(p CredentialProvider) SessionOption {
	return func(c *SessionConfig) { c.Credentials = p }
}

func WithDialer(d Dialer) SessionOption {
	return func(c *SessionConfig) { c.Dialer = d }
}

func WithClock(clock clockwork.Clock) SessionOption {
	return func(c *SessionConfig) { c.Clock = clock }
}

// WithBackoff sets the reconnect delay base and cap (defaults 1s and 30s).
func WithBackoff(base, max time.Duration) SessionOption {
	return func(c *SessionConfig) {
		c.BackoffBase = base
		c.BackoffCap = max
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the sync engine for one group. It runs the first history fetch
// and the live channel side by side, funnels pages and frames into one
// MessageStore, and notifies OnChange listeners after every change.
//
// A Session is safe for concurrent use. Listeners are called synchronously,
// outside the session's locks, and may call back into the session.
type Session struct {
	id      string
	groupID int64
	history HistoryLoader
	channel *LiveChannel
	store   *MessageStore
	logger  *zap.Logger

	mu           sync.Mutex
	enabled      bool
	firstLoaded  bool
	firstLoading bool
	nextCursor   string
	hasMore      bool
	loadingMore  bool
	usedCursors  map[string]struct{}
	lastErr      error

	listenersMu sync.RWMutex
	listeners   []func(Snapshot)
}

// NewSession creates a disabled session for groupID. Call Initialize to
// start it.
func NewSession(groupID int64, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger := cfg.Logger.With(zap.String("session_id", id))

	s := &Session{
		id:      id,
		groupID: groupID,
		history: cfg.History,
		store:   NewMessageStore(),
		logger:  logger.With(zap.Int64("group_id", groupID)),
		channel: NewLiveChannel(LiveChannelConfig{
			GroupID:     groupID,
			WSBaseURL:   cfg.WSBaseURL,
			Credentials: cfg.Credentials,
			Dialer:      cfg.Dialer,
			Clock:       cfg.Clock,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
			Logger:      logger,
		}),
		usedCursors: make(map[string]struct{}),
	}

	s.channel.OnFrame(s.applyFrame)
	s.channel.OnStateChange(s.connectionChanged)
	return s
}

// ID returns the session's unique id, used as the session_id log field.
func (s *Session) ID() string { return s.id }

// GroupID returns the group this session follows.
func (s *Session) GroupID() int64 { return s.groupID }

// OnChange registers a listener that receives a fresh Snapshot after every
// state change.
func (s *Session) OnChange(h func(Snapshot)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, h)
	s.listenersMu.Unlock()
}

// Initialize enables or disables the session. Enabling opens the live
// channel and fetches the first history page; the fetch runs in the calling
// goroutine while the channel connects in the background, so neither blocks
// the other. The returned error is the first-page failure, if any.
//
// Enabling an already enabled session only retries the first page when it
// has never loaded. Initialize(ctx, false) is Teardown.
func (s *Session) Initialize(ctx context.Context, enabled bool) error {
	if !enabled {
		s.Teardown()
		return nil
	}

	s.mu.Lock()
	wasEnabled := s.enabled
	s.enabled = true
	needFirst := !s.firstLoaded && !s.firstLoading
	if needFirst {
		s.firstLoading = true
	}
	s.mu.Unlock()

	if !wasEnabled {
		s.logger.Debug("session enabled")
		s.channel.Open()
	}
	if !needFirst {
		return nil
	}
	return s.loadFirstPage(ctx)
}

func (s *Session) loadFirstPage(ctx context.Context) error {
	page, err := s.history.FirstPage(ctx, s.groupID)

	s.mu.Lock()
	s.firstLoading = false
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("first history page failed", zap.Error(err))
		s.notify()
		return err
	}
	if !s.enabled {
		s.mu.Unlock()
		s.logger.Debug("discarding first page fetched after teardown")
		return nil
	}
	s.store.MergeOlderPage(page.Items)
	s.firstLoaded = true
	s.advanceCursorLocked(page.Cursor)
	s.clearErrorLocked(isHistoryError)
	s.mu.Unlock()

	s.logger.Debug("first history page loaded", zap.Int("count", len(page.Items)), zap.Bool("has_more", page.Cursor != ""))
	s.notify()
	return nil
}

// LoadMoreHistory fetches the next older page and merges it. It is a no-op
// when there are no more pages or a load is already in flight. On failure
// the session is left unchanged and the call may be retried.
func (s *Session) LoadMoreHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingMore || !s.hasMore || s.nextCursor == "" {
		s.mu.Unlock()
		return nil
	}
	cursor := s.nextCursor
	s.loadingMore = true
	s.usedCursors[cursor] = struct{}{}
	s.mu.Unlock()
	s.notify()

	page, err := s.history.NextPage(ctx, s.groupID, cursor)

	s.mu.Lock()
	s.loadingMore = false
	if err != nil {
		delete(s.usedCursors, cursor)
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn("older history page failed", zap.String("cursor", cursor), zap.Error(err))
		s.notify()
		return err
	}
	s.store.MergeOlderPage(page.Items)
	s.advanceCursorLocked(page.Cursor)
	s.clearErrorLocked(isHistoryError)
	s.mu.Unlock()

	s.logger.Debug("older history page loaded", zap.String("cursor", cursor), zap.Int("count", len(page.Items)))
	s.notify()
	return nil
}

// advanceCursorLocked records the cursor of the page just merged. A cursor
// this session already consumed ends pagination. s.mu must be held.
func (s *Session) advanceCursorLocked(next string) {
	if next == "" {
		s.nextCursor = ""
		s.hasMore = false
		return
	}
	if _, used := s.usedCursors[next]; used {
		s.logger.Warn("server repeated a consumed cursor, stopping pagination", zap.String("cursor", next))
		s.nextCursor = ""
		s.hasMore = false
		return
	}
	s.nextCursor = next
	s.hasMore = true
}

// SendMessage trims text and sends it over the live channel. It returns
// false without touching the channel when the trimmed text is empty, and
// false when the channel is not open.
func (s *Session) SendMessage(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return s.channel.Send(ctx, text)
}

// DeleteLocal removes a message from the local store only.
func (s *Session) DeleteLocal(id MessageID) {
	s.store.Remove(id)
	s.notify()
}

// UpsertLocal inserts or replaces a message in the local store only.
func (s *Session) UpsertLocal(msg Message) {
	s.store.Upsert(msg)
	s.notify()
}

// Teardown closes the live channel and cancels any pending reconnect. The
// stored messages are kept. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	was := s.enabled
	s.enabled = false
	s.mu.Unlock()

	s.channel.Close()
	if was {
		s.logger.Debug("session torn down")
	}
}

// Messages returns the ordered message list.
func (s *Session) Messages() []Message {
	return s.store.Messages()
}

// Snapshot returns the consumer-facing view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		GroupID:     s.groupID,
		NextCursor:  s.nextCursor,
		HasMore:     s.hasMore,
		LoadingMore: s.loadingMore,
		LastError:   s.lastErr,
	}
	s.mu.Unlock()

	snap.Messages = s.store.Messages()
	snap.ConnectionState = s.channel.State()
	return snap
}

func (s *Session) applyFrame(f Frame) {
	switch f := f.(type) {
	case NewMessageFrame:
		s.store.Upsert(f.Message)
	case DeleteMessageFrame:
		s.store.Remove(f.MessageID)
	default:
		return
	}
	s.notify()
}

func (s *Session) connectionChanged(state ConnectionState) {
	s.mu.Lock()
	switch state {
	case StateError:
		if err := s.channel.LastError(); err != nil {
			s.lastErr = err
		}
	case StateOpen:
		s.clearErrorLocked(isTransportError)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) clearErrorLocked(match func(error) bool) {
	if s.lastErr != nil && match(s.lastErr) {
		s.lastErr = nil
	}
}

func (s *Session) notify() {
	s.listenersMu.RLock()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, h := range listeners {
		h(snap)
	}
}

func isHistoryError(err error) bool {
	var fe *HistoryFetchError
	return errors.As(err, &fe)
}

func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
