package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Compile-time interface checks.
var (
	_ Dialer = (*fakeDialer)(nil)
	_ Conn   = (*fakeConn)(nil)
)

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; drop simulates a network failure.
type fakeConn struct {
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
	err   error

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		return nil, c.err
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeWith(errors.New("use of closed connection"))
	return nil
}

func (c *fakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *fakeConn) deliver(frame string) { c.inbox <- []byte(frame) }

func (c *fakeConn) drop() { c.closeWith(errors.New("connection reset by peer")) }

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// fakeDialer hands out fakeConns, or fails while fail is set. gate, when
// non-nil, holds every Dial until closed.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
	conns []*fakeConn
	gate  chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	fail := d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeTimers replaces time.AfterFunc: it records requested delays and fires
// callbacks only when told to.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{}
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delays)
}

// fire runs the i-th scheduled callback unless it was stopped.
func (f *fakeTimers) fire(i int) {
	f.mu.Lock()
	fn, t := f.fns[i], f.timers[i]
	f.mu.Unlock()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		fn()
	}
}

func (f *fakeTimers) snapshot() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Lifecycle
}

func (l *eventLog) record(ev Lifecycle) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Lifecycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Lifecycle(nil), l.events...)
}

func newTestTransport(d *fakeDialer, maxAttempts int) (*Transport, *fakeTimers, *eventLog) {
	tr := NewTransport(TransportConfig{
		URL:    "ws://signal.test/ws",
		Dialer: d,
		Budget: NewBudget(100*time.Millisecond, 2, maxAttempts, 0),
	})
	timers := &fakeTimers{}
	tr.afterFunc = timers.afterFunc
	log := &eventLog{}
	tr.OnLifecycle(log.record)
	return tr, timers, log
}

func openTransport(t *testing.T, tr *Transport) {
	t.Helper()
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestBudgetSchedule checks the geometric delay curve and the attempt cap.
func TestBudgetSchedule(t *testing.T) {
	b := NewBudget(100*time.Millisecond, 2, 4, 0)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

	for i, w := range want {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i+1)
		}
		if d != w {
			t.Errorf("attempt %d: delay %s, want %s", i+1, d, w)
		}
	}
	if _, ok := b.Next(); ok {
		t.Errorf("expected budget to be exhausted after %d attempts", len(want))
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("Reset did not zero attempt: %d", b.Attempt())
	}
	if d, ok := b.Next(); !ok || d != 100*time.Millisecond {
		t.Errorf("after Reset: got %s/%v, want 100ms/true", d, ok)
	}
}

// TestBudgetMaxDelay caps single delays without changing the attempt cap.
func TestBudgetMaxDelay(t *testing.T) {
	b := NewBudget(time.Second, 10, 3, 5*time.Second)
	var got []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	want := []time.Duration{time.Second, 5 * time.Second, 5 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestConnectIdempotentWhileOpen: a second Connect while OPEN produces no
// second dial.
func TestConnectIdempotentWhileOpen(t *testing.T) {
	d := &fakeDialer{}
	tr, _, log := newTestTransport(d, 3)
	defer tr.Dispose()

	openTransport(t, tr)
	if err := tr.Connect(); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if n := d.dialCount(); n != 1 {
		t.Errorf("expected exactly 1 dial, got %d", n)
	}
	if tr.State() != StateOpen {
		t.Errorf("expected OPEN, got %s", tr.State())
	}
	events := log.all()
	if len(events) != 1 || events[0].Event != EventConnect {
		t.Errorf("expected a single connect event, got %+v", events)
	}
}

// TestConnectIdempotentWhileConnecting: Connect during an in-flight dial is
// a no-op too.
func TestConnectIdempotentWhileConnecting(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	tr, _, _ := newTestTransport(d, 3)
	defer tr.Dispose()

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitUntil(t, "dial to start", func() bool { return d.dialCount() == 1 })
	if tr.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", tr.State())
	}

	tr.Connect()
	tr.Connect()
	close(d.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen failed: %v", err)
	}
	if n := d.dialCount(); n != 1 {
		t.Errorf("expected exactly 1 dial, got %d", n)
	}
}

// TestSendRequiresOpen: frames are not queued while the channel is down,
// and the error callback observes the loss.
func TestSendRequiresOpen(t *testing.T) {
	d := &fakeDialer{}
	tr, _, _ := newTestTransport(d, 3)
	defer tr.Dispose()

	var mu sync.Mutex
	var reported []error
	tr.OnSendError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	if err := tr.Send([]byte(`{"type":"leave_room"}`)); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}

	openTransport(t, tr)
	if err := tr.Send([]byte(`{"type":"join_room","roomId":"R1"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := d.lastConn().sentFrames()
	if len(sent) != 1 || string(sent[0]) != `{"type":"join_room","roomId":"R1"}` {
		t.Errorf("the frame sent before OPEN must not be flushed later, got %q", sent)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || !errors.Is(reported[0], ErrNotOpen) {
		t.Errorf("expected one ErrNotOpen report, got %v", reported)
	}
}

// TestFramesDeliveredInOrder checks inbound frames reach OnFrame in
// arrival order.
func TestFramesDeliveredInOrder(t *testing.T) {
	d := &fakeDialer{}
	tr, _, _ := newTestTransport(d, 3)
	defer tr.Dispose()

	var mu sync.Mutex
	var got []string
	tr.OnFrame(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	openTransport(t, tr)
	conn := d.lastConn()
	for _, f := range []string{"a", "b", "c"} {
		conn.deliver(f)
	}

	waitUntil(t, "3 frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("frames out of order: %v", got)
	}
}

// TestReconnectBackoffUntilFailed drives an unexpected drop followed by
// failing reconnects: delays are base, base*f, base*f², then FAILED with no
// further attempt until an explicit Connect.
func TestReconnectBackoffUntilFailed(t *testing.T) {
	d := &fakeDialer{}
	tr, timers, log := newTestTransport(d, 3)
	defer tr.Dispose()

	openTransport(t, tr)
	d.setFail(true)
	d.lastConn().drop()

	for i := 0; i < 3; i++ {
		waitUntil(t, "reconnect to be scheduled", func() bool { return timers.count() == i+1 })
		timers.fire(i)
	}
	waitUntil(t, "FAILED", func() bool { return tr.State() == StateFailed })

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	got := timers.snapshot()
	if len(got) != len(want) {
		t.Fatalf("scheduled delays %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if n := d.dialCount(); n != 4 {
		t.Errorf("expected 1 initial + 3 reconnect dials, got %d", n)
	}

	events := log.all()
	last := events[len(events)-1]
	if last.Event != EventConnectError || !errors.Is(last.Err, ErrReconnectExhausted) {
		t.Errorf("expected terminal connect_error, got %+v", last)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitOpen(ctx); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("WaitOpen on FAILED: expected ErrReconnectExhausted, got %v", err)
	}

	// Nothing else happens on its own.
	time.Sleep(20 * time.Millisecond)
	if timers.count() != 3 || d.dialCount() != 4 {
		t.Errorf("transport kept retrying after FAILED")
	}

	// An explicit Connect starts over with a fresh budget.
	d.setFail(false)
	openTransport(t, tr)
	if tr.Attempt() != 0 {
		t.Errorf("expected attempt reset after OPEN, got %d", tr.Attempt())
	}
}

// TestReconnectSucceedsAndResets: a successful reconnect resets the
// counter so the next drop starts again at base.
func TestReconnectSucceedsAndResets(t *testing.T) {
	d := &fakeDialer{}
	tr, timers, log := newTestTransport(d, 3)
	defer tr.Dispose()

	openTransport(t, tr)
	d.lastConn().drop()
	waitUntil(t, "first reconnect", func() bool { return timers.count() == 1 })
	timers.fire(0)
	waitUntil(t, "reopen", func() bool { return tr.State() == StateOpen && d.dialCount() == 2 })

	d.lastConn().drop()
	waitUntil(t, "second reconnect", func() bool { return timers.count() == 2 })

	got := timers.snapshot()
	if got[1] != 100*time.Millisecond {
		t.Errorf("expected delay back at base after success, got %s", got[1])
	}

	var reconnected bool
	for _, ev := range log.all() {
		if ev.Event == EventConnect && ev.Reconnected {
			reconnected = true
		}
	}
	if !reconnected {
		t.Errorf("expected a connect event flagged Reconnected")
	}
}

// TestDisconnectSuppressesReconnect: a deliberate close never schedules a
// reconnect and cancels a pending one.
func TestDisconnectSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	tr, timers, log := newTestTransport(d, 3)
	defer tr.Dispose()

	openTransport(t, tr)
	tr.Disconnect()

	time.Sleep(20 * time.Millisecond)
	if timers.count() != 0 {
		t.Errorf("Disconnect scheduled a reconnect")
	}
	if tr.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", tr.State())
	}
	events := log.all()
	if len(events) != 2 || events[1].Event != EventDisconnect || !events[1].Intentional {
		t.Errorf("expected connect + intentional disconnect, got %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitOpen(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("expected ErrDisconnected, got %v", err)
	}

	// Drop → reconnect pending → Disconnect cancels it.
	openTransport(t, tr)
	d.lastConn().drop()
	waitUntil(t, "reconnect scheduled", func() bool { return timers.count() == 1 })
	tr.Disconnect()
	timers.fire(0)

	time.Sleep(20 * time.Millisecond)
	if n := d.dialCount(); n != 2 {
		t.Errorf("expected no dial after Disconnect, got %d dials", n)
	}
}

// TestDisposeRejectsConnect: a disposed transport cannot be reopened.
func TestDisposeRejectsConnect(t *testing.T) {
	d := &fakeDialer{}
	tr, _, _ := newTestTransport(d, 3)

	openTransport(t, tr)
	tr.Dispose()

	if err := tr.Connect(); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}
