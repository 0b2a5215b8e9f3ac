package realtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns at most one channel per target key. Channels are independent:
// closing one leaves the others running.
type Manager struct {
	template Options
	attach   func(ctx context.Context, target Target) Handler
	logger   *zap.Logger

	mu       sync.Mutex
	channels map[string]*managed
}

// managed is a held channel. ready is closed once the first Start returns;
// err is its result.
type managed struct {
	ch    *Channel
	ready chan struct{}
	err   error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithChannelHandler subscribes the handler returned by f to every channel the
// manager creates, before its first dial, for the life of that channel. ctx is
// the context of the call that created the channel. f may return nil.
func WithChannelHandler(f func(ctx context.Context, target Target) Handler) ManagerOption {
	return func(m *Manager) { m.attach = f }
}

// NewManager creates a manager; opts supplies everything except Target.
func NewManager(opts Options, mopts ...ManagerOption) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		template: opts,
		logger:   logger.Named("realtime_manager"),
		channels: make(map[string]*managed),
	}
	for _, o := range mopts {
		o(m)
	}
	return m
}

// Open returns the running channel for target, creating and starting it when
// needed. A channel that closed on its own is replaced. Concurrent callers for
// the same key share the first Start and its error.
func (m *Manager) Open(ctx context.Context, target Target) (*Channel, error) {
	ch, _, err := m.open(ctx, target, nil)
	return ch, err
}

// Watch is Open plus a subscription. On a new channel h is subscribed before
// the first dial, so the initial_data sent on connect always reaches it.
func (m *Manager) Watch(ctx context.Context, target Target, h Handler) (*Channel, func(), error) {
	return m.open(ctx, target, h)
}

func (m *Manager) open(ctx context.Context, target Target, h Handler) (*Channel, func(), error) {
	m.mu.Lock()
	if e, ok := m.channels[target.Key]; ok && e.live() {
		m.mu.Unlock()
		return m.join(ctx, e, h)
	}
	opts := m.template
	opts.Target = target
	e := &managed{ch: NewChannel(opts), ready: make(chan struct{})}
	if m.attach != nil {
		if ah := m.attach(ctx, target); ah != nil {
			e.ch.Subscribe(ah)
		}
	}
	unsubscribe := func() {}
	if h != nil {
		unsubscribe = e.ch.Subscribe(h)
	}
	m.channels[target.Key] = e
	m.mu.Unlock()

	err := e.ch.Start(ctx)
	if err != nil {
		m.mu.Lock()
		if m.channels[target.Key] == e {
			delete(m.channels, target.Key)
		}
		m.mu.Unlock()
		e.ch.Close()
	}
	e.err = err
	close(e.ready)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Debug("Channel opened.", zap.String("key", target.Key))
	return e.ch, unsubscribe, nil
}

// join subscribes h to a held channel once its first Start has returned.
func (m *Manager) join(ctx context.Context, e *managed, h Handler) (*Channel, func(), error) {
	unsubscribe := func() {}
	if h != nil {
		unsubscribe = e.ch.Subscribe(h)
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		unsubscribe()
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		unsubscribe()
		return nil, nil, e.err
	}
	return e.ch, unsubscribe, nil
}

// live reports whether the entry can be shared: either still starting or
// started and not closed.
func (e *managed) live() bool {
	select {
	case <-e.ready:
		return e.err == nil && e.ch.State() != StateClosed
	default:
		return true
	}
}

// Get returns the channel for key if the manager holds one.
func (m *Manager) Get(key string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels[key]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Keys lists the held channel keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes and forgets the channel for key. Unknown keys are a no-op.
func (m *Manager) Close(key string) error {
	m.mu.Lock()
	e, ok := m.channels[key]
	delete(m.channels, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.ch.Close()
}

// CloseAll closes every channel concurrently and waits for all of them.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*managed)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, e := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			if err := ch.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(e.ch)
	}
	wg.Wait()
	return errs
}
