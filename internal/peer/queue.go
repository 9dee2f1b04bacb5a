package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

type eventKind int

const (
	evStart eventKind = iota
	evCreateOffer
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evTracks
	evNativeFailed
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evCreateOffer:
		return "create-offer"
	case evRemoteOffer:
		return "remote-offer"
	case evRemoteAnswer:
		return "remote-answer"
	case evRemoteCandidate:
		return "remote-candidate"
	case evTracks:
		return "apply-tracks"
	case evNativeFailed:
		return "native-failed"
	default:
		return "unknown"
	}
}

// event is one unit of work for a session's loop.
type event struct {
	kind      eventKind
	sd        webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
	tracks    []webrtc.TrackLocal
	err       error
}

// queue is an unbounded FIFO feeding one consumer goroutine. It never drops
// on push (so no ICE candidate is lost to a full buffer); close discards
// whatever is still queued.
type queue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// push appends ev. It reports false once the queue is closed.
func (q *queue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest event.
func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return event{}, false
	}
	ev := q.items[0]
	q.items[0] = event{}
	q.items = q.items[1:]
	return ev, true
}

// close discards pending events and rejects future pushes.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
