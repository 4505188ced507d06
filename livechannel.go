package guildchat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// LiveChannelConfig configures a LiveChannel.
type LiveChannelConfig struct {
	GroupID     int64
	WSBaseURL   string
	Credentials CredentialProvider
	Dialer      Dialer
	Clock       clockwork.Clock
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *zap.Logger
}

func (c *LiveChannelConfig) defaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Credentials == nil {
		c.Credentials = StaticCredentials("")
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector yields the delay before each reconnect: base * 2^attempt,
// capped. It is reset on every successful connect.
type reconnector struct {
	maxDelay time.Duration
	attempt  int
	schedule *backoff.ExponentialBackOff
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{
		maxDelay: max,
		schedule: &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         max,
		},
	}
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.schedule.NextBackOff()
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.schedule.Reset()
}

// ============================================================================
// Event dispatch
// ============================================================================

type channelDispatcher struct {
	mu             sync.RWMutex
	onFrame        []func(Frame)
	onState        []func(ConnectionState)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *channelDispatcher) emitFrame(f Frame) {
	d.mu.RLock()
	handlers := append([]func(Frame){}, d.onFrame...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(f)
	}
}

func (d *channelDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *channelDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// LiveChannel
// ============================================================================

// LiveChannel owns the persistent connection of one group: it connects,
// decodes inbound frames, and reconnects with exponential backoff until
// closed. Handlers run synchronously on the channel's goroutines, outside its
// lock, in the order events happen on one connection.
type LiveChannel struct {
	cfg    LiveChannelConfig
	logger *zap.Logger

	mu       sync.Mutex
	state    ConnectionState
	lastErr  error
	enabled  bool
	gen      uint64 // bumped per connect attempt and on Close; stale callbacks compare against it
	conn     Conn
	cancelFn context.CancelFunc
	timer    clockwork.Timer
	recon    *reconnector

	dispatcher channelDispatcher
}

// NewLiveChannel creates an idle channel. Call Open to start connecting.
func NewLiveChannel(cfg LiveChannelConfig) *LiveChannel {
	cfg.defaults()
	return &LiveChannel{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.Int64("group_id", cfg.GroupID)),
		state:  StateIdle,
		recon:  newReconnector(cfg.BackoffBase, cfg.BackoffCap),
	}
}

// OnFrame registers a handler for decoded inbound frames.
func (lc *LiveChannel) OnFrame(h func(Frame)) {
	lc.dispatcher.mu.Lock()
	lc.dispatcher.onFrame = append(lc.dispatcher.onFrame, h)
	lc.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (lc *LiveChannel) OnStateChange(h func(ConnectionState)) {
	lc.dispatcher.mu.Lock()
	lc.dispatcher.onState = append(lc.dispatcher.onState, h)
	lc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called after a reconnect timer has been
// scheduled.
func (lc *LiveChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	lc.dispatcher.mu.Lock()
	lc.dispatcher.onReconnecting = append(lc.dispatcher.onReconnecting, h)
	lc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (lc *LiveChannel) State() ConnectionState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// LastError returns the most recent transport error, cleared on connect.
func (lc *LiveChannel) LastError() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.lastErr
}

// Open starts connecting in the background. It is a no-op while the channel
// is already enabled.
func (lc *LiveChannel) Open() {
	lc.mu.Lock()
	if lc.enabled {
		lc.mu.Unlock()
		return
	}
	lc.enabled = true
	lc.recon.reset()
	ctx, gen := lc.beginAttemptLocked()
	lc.mu.Unlock()

	lc.transition(StateConnecting)
	go lc.connect(ctx, gen)
}

// Close tears the channel down: the pending reconnect timer is stopped, the
// socket is closed and no further reconnects happen. Safe to call repeatedly
// and from handlers.
func (lc *LiveChannel) Close() {
	lc.mu.Lock()
	lc.enabled = false
	lc.gen++
	if lc.timer != nil {
		lc.timer.Stop()
		lc.timer = nil
	}
	if lc.cancelFn != nil {
		lc.cancelFn()
		lc.cancelFn = nil
	}
	conn := lc.conn
	lc.conn = nil
	changed := lc.state != StateIdle
	lc.state = StateIdle
	lc.recon.reset()
	lc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if changed {
		lc.transition(StateIdle)
	}
}

// Send writes one outbound message frame. It reports whether a write was
// attempted; false means the channel was not open and nothing was sent.
// A failed write is logged and left to the read loop to turn into a
// reconnect.
func (lc *LiveChannel) Send(ctx context.Context, text string) bool {
	lc.mu.Lock()
	conn := lc.conn
	open := lc.enabled && lc.state == StateOpen && conn != nil
	lc.mu.Unlock()

	if !open {
		messagesSent.WithLabelValues("skipped").Inc()
		return false
	}

	data, err := encodeSendFrame(text)
	if err != nil {
		lc.logger.Warn("encode outbound frame", zap.Error(err))
		messagesSent.WithLabelValues("failed").Inc()
		return true
	}
	if err := conn.Write(ctx, data); err != nil {
		lc.logger.Warn("send failed", zap.Error(&TransportError{Op: "write", Err: err}))
		messagesSent.WithLabelValues("failed").Inc()
		return true
	}
	messagesSent.WithLabelValues("written").Inc()
	return true
}

// beginAttemptLocked starts a new connection generation. lc.mu must be held.
func (lc *LiveChannel) beginAttemptLocked() (context.Context, uint64) {
	if lc.cancelFn != nil {
		lc.cancelFn()
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.cancelFn = cancel
	lc.gen++
	lc.state = StateConnecting
	return ctx, lc.gen
}

func (lc *LiveChannel) connect(ctx context.Context, gen uint64) {
	token, err := lc.cfg.Credentials.AccessToken(ctx)
	if err != nil {
		lc.logger.Warn("credential fetch failed, connecting without token", zap.Error(&AuthError{Err: err}))
		token = ""
	}

	if !lc.current(gen) {
		return
	}

	conn, err := lc.cfg.Dialer.Dial(ctx, groupWSURL(lc.cfg.WSBaseURL, lc.cfg.GroupID, token))
	if err != nil {
		lc.connectionLost(gen, nil, &TransportError{Op: "dial", Err: err})
		return
	}

	lc.mu.Lock()
	if gen != lc.gen || !lc.enabled {
		lc.mu.Unlock()
		conn.Close()
		return
	}
	lc.conn = conn
	lc.state = StateOpen
	lc.lastErr = nil
	lc.recon.reset()
	lc.mu.Unlock()

	lc.transition(StateOpen)
	lc.readLoop(ctx, gen, conn)
}

func (lc *LiveChannel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			var ce *CloseError
			if !errors.As(err, &ce) {
				err = &TransportError{Op: "read", Err: err}
			}
			lc.connectionLost(gen, conn, err)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			framesReceived.WithLabelValues("invalid").Inc()
			lc.logger.Warn("dropping unparsable frame", zap.Error(err))
			continue
		}
		if !lc.current(gen) {
			return
		}

		switch f := frame.(type) {
		case UnknownFrame:
			framesReceived.WithLabelValues("unknown").Inc()
			lc.logger.Debug("ignoring unknown frame", zap.String("frame_type", f.Type))
			continue
		default:
			framesReceived.WithLabelValues(frame.FrameType()).Inc()
		}
		lc.dispatcher.emitFrame(frame)
	}
}

// connectionLost handles a failed dial or a dropped connection of attempt
// gen. A close frame moves the channel to Closed, anything else to Error;
// both schedule a reconnect.
func (lc *LiveChannel) connectionLost(gen uint64, conn Conn, cause error) {
	lc.mu.Lock()
	if gen != lc.gen || !lc.enabled {
		lc.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	state := StateError
	var ce *CloseError
	if errors.As(cause, &ce) {
		state = StateClosed
	} else {
		lc.lastErr = cause
	}
	lc.state = state
	lc.conn = nil
	if lc.cancelFn != nil {
		lc.cancelFn()
		lc.cancelFn = nil
	}
	attempt, delay := lc.scheduleReconnectLocked()
	lc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	lc.logger.Warn("live channel down, reconnect scheduled",
		zap.String("state", string(state)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	lc.transition(state)
	lc.dispatcher.emitReconnecting(attempt, delay)
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// previous one. lc.mu must be held.
func (lc *LiveChannel) scheduleReconnectLocked() (int, time.Duration) {
	if lc.timer != nil {
		lc.timer.Stop()
	}
	delay := lc.recon.nextDelay()
	gen := lc.gen
	lc.timer = lc.cfg.Clock.AfterFunc(delay, func() { lc.reconnect(gen) })
	reconnectsScheduled.Inc()
	return lc.recon.attempt, delay
}

func (lc *LiveChannel) reconnect(gen uint64) {
	lc.mu.Lock()
	if gen != lc.gen || !lc.enabled {
		lc.mu.Unlock()
		return
	}
	lc.timer = nil
	ctx, next := lc.beginAttemptLocked()
	lc.mu.Unlock()

	lc.transition(StateConnecting)
	lc.connect(ctx, next)
}

func (lc *LiveChannel) current(gen uint64) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return gen == lc.gen && lc.enabled
}

func (lc *LiveChannel) transition(s ConnectionState) {
	connectionStates.WithLabelValues(string(s)).Inc()
	lc.logger.Debug("live channel state", zap.String("state", string(s)))
	lc.dispatcher.emitState(s)
}
