// Package signaling implements the control channel to the room signaling
// server: a reconnecting duplex Transport, a Router that decodes frames and
// dispatches them by type, and a Client that owns both.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshroom/internal/util"
)

// dialTimeout bounds a single connection attempt.
const dialTimeout = 10 * time.Second

var (
	// ErrNotOpen is returned by Send when the channel is not OPEN. Frames
	// are never queued; the caller decides what losing one means.
	ErrNotOpen = errors.New("signaling channel is not open")

	// ErrReconnectExhausted is the terminal error after MaxAttempts
	// consecutive failed reconnects.
	ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")

	// ErrDisconnected is returned by WaitOpen after a deliberate Disconnect.
	ErrDisconnected = errors.New("signaling channel disconnected")

	// ErrDisposed is returned by Connect after Dispose.
	ErrDisposed = errors.New("signaling transport disposed")
)

// State is the transport state. CLOSED → CONNECTING → OPEN → CLOSED, with
// CONNECTING → CLOSED on a failed attempt and FAILED once the reconnect
// budget is spent.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is a transport health event, distinct from payload frames.
type Event int

const (
	EventConnect Event = iota
	EventDisconnect
	EventConnectError
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventConnectError:
		return "connect_error"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Lifecycle describes one transport health event.
type Lifecycle struct {
	Event Event
	// Err is the cause of a disconnect or failed attempt; nil for connect
	// and for a deliberate Disconnect. ErrReconnectExhausted marks the
	// terminal failure.
	Err error
	// Reconnected is set on a connect that followed an unintentional drop.
	Reconnected bool
	// Intentional is set on the disconnect caused by Disconnect.
	Intentional bool
}

// stopper is the part of *time.Timer the transport needs.
type stopper interface {
	Stop() bool
}

// TransportConfig holds the construction parameters of a Transport.
type TransportConfig struct {
	URL    string
	Dialer Dialer
	Budget *Budget
}

// Transport is the reconnecting duplex channel to the signaling server.
// All state lives under mu; callbacks are always invoked without it held.
type Transport struct {
	url    string
	dialer Dialer
	budget *Budget

	// afterFunc schedules reconnects; replaced in tests.
	afterFunc func(time.Duration, func()) stopper

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64 // bumped by every Connect/Disconnect/reconnect
	timer       stopper
	intentional bool
	dropped     bool // an unintentional drop happened since the last OPEN
	disposed    bool
	changed     chan struct{}

	handlersMu  sync.RWMutex
	onFrame     func([]byte)
	onSendError func(error)
	lifecycle   subscribers[Lifecycle]
}

// NewTransport creates a CLOSED transport. Nothing is dialled until Connect.
func NewTransport(cfg TransportConfig) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WSDialer{}
	}
	budget := cfg.Budget
	if budget == nil {
		budget = NewBudget(500*time.Millisecond, 2, 5, 0)
	}

	return &Transport{
		url:    cfg.URL,
		dialer: dialer,
		budget: budget,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ctx:     ctx,
		cancel:  cancel,
		state:   StateClosed,
		changed: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// OnFrame sets the receiver of every inbound frame. It is called from the
// read goroutine, in arrival order.
func (t *Transport) OnFrame(fn func([]byte)) {
	t.handlersMu.Lock()
	t.onFrame = fn
	t.handlersMu.Unlock()
}

// OnSendError sets the callback invoked whenever Send fails.
func (t *Transport) OnSendError(fn func(error)) {
	t.handlersMu.Lock()
	t.onSendError = fn
	t.handlersMu.Unlock()
}

// OnLifecycle registers a health-event listener. The returned function
// removes it.
func (t *Transport) OnLifecycle(fn func(Lifecycle)) (unsubscribe func()) {
	return t.lifecycle.add(fn)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempt returns the number of reconnect attempts consumed since the last
// successful connect.
func (t *Transport) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget.Attempt()
}

// Connect starts opening the channel. It is a no-op while CONNECTING or
// OPEN. It resets the reconnect budget, so it is also the way out of
// FAILED. The attempt runs in the background; use WaitOpen or OnLifecycle
// to observe the outcome.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return ErrDisposed
	}
	if t.state == StateConnecting || t.state == StateOpen {
		return nil
	}

	t.budget.Reset()
	t.intentional = false
	t.stopTimerLocked()
	t.startDialLocked()
	return nil
}

// Disconnect closes the channel deliberately and suppresses the reconnect
// that would otherwise follow.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	t.gen++
	t.stopTimerLocked()

	wasOpen := t.state == StateOpen
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.state != StateClosed {
		t.setStateLocked(StateClosed)
	}
	t.mu.Unlock()

	if wasOpen {
		util.LogInfo("signaling channel closed")
		t.emit(Lifecycle{Event: EventDisconnect, Intentional: true})
	}
}

// Dispose disconnects and releases the transport for good.
func (t *Transport) Dispose() {
	t.Disconnect()

	t.mu.Lock()
	t.disposed = true
	t.mu.Unlock()

	t.cancel()
}

// WaitOpen blocks until the channel is OPEN. It returns
// ErrReconnectExhausted once FAILED and ErrDisconnected after a deliberate
// Disconnect.
func (t *Transport) WaitOpen(ctx context.Context) error {
	for {
		t.mu.Lock()
		state, intentional, ch := t.state, t.intentional, t.changed
		t.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case state == StateFailed:
			return ErrReconnectExhausted
		case state == StateClosed && intentional:
			return ErrDisconnected
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send writes one frame. It fails with ErrNotOpen unless OPEN; both that
// and write errors are also reported to the OnSendError callback.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen && conn != nil
	t.mu.Unlock()

	if !open {
		t.sendFailed(ErrNotOpen)
		return ErrNotOpen
	}

	if err := conn.WriteMessage(frame); err != nil {
		err = fmt.Errorf("write frame: %w", err)
		t.sendFailed(err)
		return err
	}

	util.Stats.AddSent()
	return nil
}

func (t *Transport) sendFailed(err error) {
	t.handlersMu.RLock()
	fn := t.onSendError
	t.handlersMu.RUnlock()

	if fn != nil {
		fn(err)
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// startDialLocked moves to CONNECTING and dials in the background.
func (t *Transport) startDialLocked() {
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnecting)
	go t.dial(gen)
}

func (t *Transport) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	defer cancel()

	conn, err := t.dialer.Dial(ctx, t.url)

	t.mu.Lock()
	if gen != t.gen {
		// Superseded by Disconnect/Connect while dialling.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		t.setStateLocked(StateClosed)
		events := []Lifecycle{{Event: EventConnectError, Err: err}}
		events = append(events, t.scheduleReconnectLocked()...)
		t.mu.Unlock()

		util.LogWarning("signaling connect failed: %v", err)
		t.emit(events...)
		return
	}

	reconnected := t.dropped
	t.dropped = false
	t.conn = conn
	t.budget.Reset()
	t.setStateLocked(StateOpen)
	t.mu.Unlock()

	util.LogInfo("signaling channel open: %s", t.url)
	t.emit(Lifecycle{Event: EventConnect, Reconnected: reconnected})

	go t.readLoop(conn, gen)
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(gen, err)
			return
		}

		util.Stats.AddRecv()

		t.handlersMu.RLock()
		fn := t.onFrame
		t.handlersMu.RUnlock()

		if fn != nil {
			fn(data)
		}
	}
}

// handleDrop runs when the read side of connection gen fails. Stale
// generations (already replaced or deliberately closed) are ignored.
func (t *Transport) handleDrop(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateOpen {
		t.mu.Unlock()
		return
	}

	t.conn.Close()
	t.conn = nil
	t.dropped = true
	t.setStateLocked(StateClosed)

	events := []Lifecycle{{Event: EventDisconnect, Err: err}}
	events = append(events, t.scheduleReconnectLocked()...)
	t.mu.Unlock()

	util.LogWarning("signaling channel dropped: %v", err)
	t.emit(events...)
}

// scheduleReconnectLocked arms the next reconnect timer, or moves to FAILED
// when the budget is spent. It returns the events to emit after unlocking.
func (t *Transport) scheduleReconnectLocked() []Lifecycle {
	if t.intentional || t.disposed {
		return nil
	}

	delay, ok := t.budget.Next()
	if !ok {
		t.setStateLocked(StateFailed)
		util.LogError("signaling reconnect gave up after %d attempts", t.budget.MaxAttempts())
		return []Lifecycle{{Event: EventConnectError, Err: ErrReconnectExhausted}}
	}

	util.Stats.AddReconnect()
	util.LogInfo("signaling reconnect %d/%d in %s", t.budget.Attempt(), t.budget.MaxAttempts(), delay)

	gen := t.gen
	t.timer = t.afterFunc(delay, func() { t.reconnect(gen) })
	return nil
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state != StateClosed || t.intentional || t.disposed {
		return
	}
	t.timer = nil
	t.startDialLocked()
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// setStateLocked records s and wakes every WaitOpen.
func (t *Transport) setStateLocked(s State) {
	t.state = s
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Transport) emit(events ...Lifecycle) {
	for _, ev := range events {
		t.lifecycle.each(ev)
	}
}
