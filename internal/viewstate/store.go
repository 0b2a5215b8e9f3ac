// Package viewstate folds realtime envelopes into the latest known state per
// channel, the way an analysis view keeps its local copy of server data.
package viewstate

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/realtime"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultCapacity bounds how many channels keep state.
const DefaultCapacity = 64

// ErrUpdateNotObject is returned when an update body cannot be merged.
var ErrUpdateNotObject = errors.New("viewstate: update body is not an object")

// State is the folded view of one channel.
type State map[string]any

// Store keeps the most recently used channel states. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, State]
	logger *zap.Logger
}

// New creates a store holding at most capacity channels.
func New(capacity int, logger *zap.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("viewstate")
	cache, err := lru.NewWithEvict[string, State](capacity, func(key string, _ State) {
		logger.Debug("Evicted view state.", zap.String("channel", key))
	})
	if err != nil {
		return nil, fmt.Errorf("viewstate: %w", err)
	}
	return &Store{cache: cache, logger: logger}, nil
}

// Apply folds env into the state for key:
//   - initial_data replaces the state with the body
//   - update merges the body's top-level keys into the state
//   - any other type stores the body under the type name
func (s *Store) Apply(key string, env realtime.Envelope) error {
	var body any
	if raw := env.Body(); len(raw) > 0 {
		if err := jsonAPI.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("viewstate: decode %q body: %w", env.Type, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.cache.Get(key)
	next := make(State, len(current)+1)

	switch env.Type {
	case realtime.TypeInitialData:
		if obj, ok := body.(map[string]any); ok {
			for k, v := range obj {
				next[k] = v
			}
		} else if body != nil {
			next["data"] = body
		}
	case realtime.TypeUpdate:
		obj, ok := body.(map[string]any)
		if !ok {
			return ErrUpdateNotObject
		}
		for k, v := range current {
			next[k] = v
		}
		for k, v := range obj {
			next[k] = v
		}
	case "":
		s.logger.Debug("Ignoring envelope without a type.", zap.String("channel", key))
		return nil
	default:
		for k, v := range current {
			next[k] = v
		}
		next[env.Type] = body
	}

	s.cache.Add(key, next)
	return nil
}

// Snapshot returns a shallow copy of the state for key.
func (s *Store) Snapshot(key string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	out := make(State, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out, true
}

// Forget drops the state for key.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
}

// Keys lists channels with state, oldest first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Keys()
}

// Handler returns a subscriber that applies every envelope to key, logging
// envelopes that cannot be folded.
func (s *Store) Handler(key string) realtime.Handler {
	return func(env realtime.Envelope) {
		if err := s.Apply(key, env); err != nil {
			s.logger.Warn("Could not apply envelope.", zap.String("channel", key), zap.String("type", env.Type), zap.Error(err))
		}
	}
}
