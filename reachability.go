package kindred

import "sync"

// ============================================================================
// Reachability
// ============================================================================

// Reachability is the process-wide network reachability signal. The host
// app feeds it from the device/OS connectivity callback via Set; the
// queue and the realtime manager observe transitions.
//
// Listener callbacks run on the calling goroutine of Set, with no
// ordering guarantee between listeners.
type Reachability struct {
	mu        sync.Mutex
	state     ConnectionState
	nextID    int
	listeners map[int]func(ConnectionState)
}

// NewReachability creates a monitor in the unknown state.
func NewReachability() *Reachability {
	return &Reachability{
		state:     ConnectionUnknown,
		listeners: make(map[int]func(ConnectionState)),
	}
}

// State returns the current connection state.
func (r *Reachability) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Online reports whether the network is currently reachable.
func (r *Reachability) Online() bool {
	return r.State() == ConnectionConnected
}

// Set updates the state and notifies listeners on a transition.
// Setting the same state twice is a no-op.
func (r *Reachability) Set(state ConnectionState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	handlers := make([]func(ConnectionState), 0, len(r.listeners))
	for _, h := range r.listeners {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

// Subscribe registers a listener for state transitions and returns an
// idempotent unsubscribe function.
func (r *Reachability) Subscribe(fn func(ConnectionState)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}
