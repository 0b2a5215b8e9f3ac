package realtime

import "sync"

// Handler receives every valid envelope on a channel, in arrival order.
type Handler func(Envelope)

type subscriber struct {
	id      uint64
	handler Handler
}

// registry is a copy-on-write subscriber set. Dispatch iterates a snapshot,
// so handlers may subscribe or unsubscribe while a message is delivered.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber
}

func (r *registry) add(h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	next := make([]subscriber, len(r.subs), len(r.subs)+1)
	copy(next, r.subs)
	r.subs = append(next, subscriber{id: id, handler: h})
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.remove(id) }) }
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	r.subs = next
}

// snapshot returns the current set; the slice is never mutated afterwards.
func (r *registry) snapshot() []subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
