package signaling

import (
	"sync"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// Handler receives one decoded frame.
type Handler func(protocol.Message)

// subscribers is a set of listeners that can be removed individually.
type subscribers[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func(T)
	order  []uint64
}

func (s *subscribers[T]) add(fn func(T)) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.nextID++
	id := s.nextID
	s.fns[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// each calls every listener in registration order, outside the lock.
// It reports how many listeners ran.
func (s *subscribers[T]) each(v T) int {
	s.mu.RLock()
	fns := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}

// Router decodes inbound frames and dispatches them by type. Malformed
// frames and unknown types are logged and dropped; neither is fatal.
type Router struct {
	mu   sync.RWMutex
	subs map[protocol.Type]*subscribers[protocol.Message]

	unknown subscribers[protocol.Unknown]
}

// NewRouter creates a router with no subscribers.
func NewRouter() *Router {
	return &Router{subs: make(map[protocol.Type]*subscribers[protocol.Message])}
}

// Subscribe registers fn for frames of type t. The returned function
// removes the subscription; calling it more than once is harmless.
func (r *Router) Subscribe(t protocol.Type, fn Handler) (unsubscribe func()) {
	r.mu.Lock()
	set, ok := r.subs[t]
	if !ok {
		set = &subscribers[protocol.Message]{}
		r.subs[t] = set
	}
	r.mu.Unlock()

	return set.add(fn)
}

// OnUnknown registers a listener for frames with an unrecognised type.
func (r *Router) OnUnknown(fn func(protocol.Unknown)) (unsubscribe func()) {
	return r.unknown.add(fn)
}

// Dispatch decodes one frame and hands it to the subscribers of its type.
func (r *Router) Dispatch(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		util.Stats.AddDrop()
		util.LogWarning("dropping frame: %v", err)
		return
	}

	if u, ok := msg.(protocol.Unknown); ok {
		util.Stats.AddDrop()
		if r.unknown.each(u) == 0 {
			util.LogWarning("dropping frame of unknown type %q", u.RawType)
		}
		return
	}

	r.mu.RLock()
	set := r.subs[msg.Type()]
	r.mu.RUnlock()

	if set == nil || set.each(msg) == 0 {
		util.LogDebug("no subscriber for %q frame", msg.Type())
	}
}
