// Package realtime maintains WebSocket update channels: one socket per
// analysis view or dashboard, reconnecting on failure and fanning decoded
// envelopes out to subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/session"
)

var (
	// ErrNoToken is returned by Start when there is no session token. No dial is attempted.
	ErrNoToken = errors.New("realtime: no session token")
	// ErrClosed is returned when starting a channel that has been closed.
	ErrClosed = errors.New("realtime: channel closed")
)

// State is a channel's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateHook observes transitions. It runs outside the channel lock and may be
// called from different goroutines.
type StateHook func(key string, from, to State)

// Options configures a Channel. Target, BaseURL and Session are required.
type Options struct {
	Target   Target
	BaseURL  string
	Session  session.Provider
	Dialer   Dialer
	Clock    Clock
	Policy   ReconnectPolicy
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	OnState  StateHook
}

// Channel is one realtime connection. Frames are read on a single goroutine,
// so handlers on one channel never run concurrently.
//
// Handlers must not call Close synchronously; Close waits for the reader
// that is running them.
type Channel struct {
	target   Target
	baseURL  string
	session  session.Provider
	dialer   Dialer
	clock    Clock
	policy   ReconnectPolicy
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	onState  StateHook
	subs     registry

	// ctx ends when the channel closes and aborts in-flight dials.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	conn        Conn
	timer       Timer
	attempts    int
	transitions []transition
}

type transition struct{ from, to State }

// NewChannel creates an idle channel.
func NewChannel(opts Options) *Channel {
	c := &Channel{
		target:   opts.Target,
		baseURL:  opts.BaseURL,
		session:  opts.Session,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		onState:  opts.OnState,
	}
	if c.dialer == nil {
		c.dialer = NewGorillaDialer(GorillaOptions{})
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.notifier == nil {
		c.notifier = notify.Discard
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("realtime").With(zap.String("channel", c.target.Key))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Key returns the target key.
func (c *Channel) Key() string { return c.target.Key }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel reaches StateClosed, either through Close
// or because the reconnect budget ran out.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Subscribe registers h and returns a function that removes it. The returned
// function is idempotent and safe to call from inside a handler.
func (c *Channel) Subscribe(h Handler) (unsubscribe func()) {
	return c.subs.add(h)
}

// Subscribers reports how many handlers are registered.
func (c *Channel) Subscribers() int { return c.subs.len() }

// Start opens the connection. It fails with ErrNoToken, without dialing, when
// the session holds no token. A failed first dial is not an error: the channel
// moves to StateReconnecting and keeps trying per its policy. Calling Start on
// a channel that is already running is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateIdle:
	default:
		c.mu.Unlock()
		return nil
	}
	token, ok := c.session.Token()
	if !ok {
		c.mu.Unlock()
		return ErrNoToken
	}
	rawURL, err := c.target.URL(c.baseURL, token)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.setStateLocked(StateConnecting)
	c.unlockAndEmit()

	dialCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.dial(dialCtx, rawURL)
	if c.State() == StateOpen {
		return nil
	}
	return ctx.Err()
}

// Close stops the channel: it cancels any pending reconnect, closes the
// socket and waits for the reader goroutine. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	conn := c.shutdownLocked()
	c.unlockAndEmit()

	var err error
	if conn != nil {
		err = conn.Close()
		c.metrics.ChannelClosed()
	}
	c.wg.Wait()
	c.logger.Debug("Channel closed.")
	return err
}

// shutdownLocked moves to StateClosed and returns the connection the caller must close.
func (c *Channel) shutdownLocked() Conn {
	c.setStateLocked(StateClosed)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()
	conn := c.conn
	c.conn = nil
	return conn
}

// dial performs one connection attempt and records its outcome.
func (c *Channel) dial(ctx context.Context, rawURL string) {
	conn, err := c.dialer.Dial(ctx, rawURL)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("Failed to connect.", zap.Error(err))
		c.scheduleReconnectLocked()
		c.unlockAndEmit()
		return
	}

	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateOpen)
	c.metrics.ChannelOpened()
	c.wg.Add(1)
	go c.readLoop(conn)
	c.unlockAndEmit()

	c.logger.Info("Channel open.")
}

func (c *Channel) readLoop(conn Conn) {
	defer c.wg.Done()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		env, err := ParseEnvelope(frame)
		if err != nil {
			c.metrics.ObserveMalformed()
			c.logger.Warn("Dropping malformed frame.", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		c.metrics.ObserveEnvelope(env.Type)

		for _, s := range c.subs.snapshot() {
			s.handler(env)
		}
	}
}

func (c *Channel) handleDisconnect(conn Conn, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.logger.Info("Connection lost.", zap.Error(cause))
	c.scheduleReconnectLocked()
	c.unlockAndEmit()

	conn.Close()
	c.metrics.ChannelClosed()
}

// scheduleReconnectLocked arms the single reconnect timer, or closes the
// channel when the policy's budget is used up.
func (c *Channel) scheduleReconnectLocked() {
	if c.policy.Exhausted(c.attempts) {
		c.logger.Error("Giving up after reconnect attempts.", zap.Int("attempts", c.attempts))
		c.shutdownLocked()
		c.notifier.Notify(notify.Error(fmt.Sprintf("Realtime connection to %s lost after %d attempts", c.target.Key, c.attempts)))
		return
	}

	c.attempts++
	delay := c.policy.Backoff(c.attempts)
	c.setStateLocked(StateReconnecting)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(delay, c.reconnect)
	c.metrics.ObserveReconnect()
	c.logger.Debug("Reconnect scheduled.", zap.Duration("delay", delay), zap.Int("attempt", c.attempts))
}

// reconnect runs when the timer fires. The URL is rebuilt so a rotated token is used.
func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	token, ok := c.session.Token()
	if !ok {
		c.logger.Warn("No session token at reconnect time.")
		c.scheduleReconnectLocked()
		c.unlockAndEmit()
		return
	}
	rawURL, err := c.target.URL(c.baseURL, token)
	if err != nil {
		c.logger.Error("Cannot build reconnect URL.", zap.Error(err))
		c.scheduleReconnectLocked()
		c.unlockAndEmit()
		return
	}
	c.setStateLocked(StateConnecting)
	c.wg.Add(1)
	c.unlockAndEmit()

	defer c.wg.Done()
	c.dial(c.ctx, rawURL)
}

func (c *Channel) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.transitions = append(c.transitions, transition{from: c.state, to: to})
	c.state = to
}

// unlockAndEmit releases the lock and then reports queued transitions.
func (c *Channel) unlockAndEmit() {
	pending := c.transitions
	c.transitions = nil
	c.mu.Unlock()

	for _, t := range pending {
		c.logger.Debug("State change.", zap.Stringer("from", t.from), zap.Stringer("to", t.to))
		if c.onState != nil {
			c.onState(c.target.Key, t.from, t.to)
		}
	}
}
