package peer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/protocol"
)

// fakeConn records every call a Session makes on its native connection.
type fakeConn struct {
	peerID string

	mu         sync.Mutex
	calls      []string
	candidates []webrtc.ICECandidateInit
	tracks     map[string]bool
	offers     int
	closed     int

	// offerGate, when set, blocks CreateOffer until it receives.
	offerGate chan struct{}
	failAdd   error

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func newFakeConn(peerID string) *fakeConn {
	return &fakeConn{peerID: peerID, tracks: make(map[string]bool)}
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.offerGate != nil {
		<-c.offerGate
	}
	c.mu.Lock()
	c.offers++
	n := c.offers
	c.calls = append(c.calls, "create-offer")
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", n)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.record("set-local-" + sd.Type.String())
	return nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.record("set-remote-" + sd.Type.String())
	return nil
}

func (c *fakeConn) AddICECandidate(ic webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "add-candidate")
	if c.failAdd != nil {
		return c.failAdd
	}
	c.candidates = append(c.candidates, ic)
	return nil
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "add-track")
	c.tracks[t.ID()] = true
	return nil
}

func (c *fakeConn) RemoveTrack(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "remove-track")
	delete(c.tracks, id)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) gather(ic webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	fn(ic)
}

func (c *fakeConn) native(st webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) snapshot() (calls []string, candidates []webrtc.ICECandidateInit, tracks int, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...),
		append([]webrtc.ICECandidateInit(nil), c.candidates...),
		len(c.tracks), c.closed
}

func (c *fakeConn) count(call string) int {
	calls, _, _, _ := c.snapshot()
	n := 0
	for _, got := range calls {
		if got == call {
			n++
		}
	}
	return n
}

// fakeFactory hands out fakeConns and remembers them per peer.
type fakeFactory struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
	gate  chan struct{}
	err   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(peerID string) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn(peerID)
	c.offerGate = f.gate
	f.conns[peerID] = append(f.conns[peerID], c)
	return c, nil
}

func (f *fakeFactory) last(peerID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peerID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeFactory) created(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peerID])
}

// fakeSignaler records outbound signals; deliver, when set, forwards them.
type fakeSignaler struct {
	mu      sync.Mutex
	sent    []protocol.Signal
	deliver func(protocol.Signal)
	err     error
}

func (s *fakeSignaler) Send(msg protocol.Message) error {
	sig, ok := msg.(protocol.Signal)
	if !ok {
		return errors.New("not a signal")
	}
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, sig)
	deliver := s.deliver
	s.mu.Unlock()

	if deliver != nil {
		deliver(sig)
	}
	return nil
}

func (s *fakeSignaler) signals() []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Signal(nil), s.sent...)
}

func (s *fakeSignaler) kinds() []protocol.SignalType {
	var out []protocol.SignalType
	for _, sig := range s.signals() {
		k, _ := sig.Kind()
		out = append(out, k)
	}
	return out
}

func (s *fakeSignaler) countKind(want protocol.SignalType) int {
	n := 0
	for _, k := range s.kinds() {
		if k == want {
			n++
		}
	}
	return n
}

// staticTracks is a fixed TrackSource.
type staticTracks struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (s *staticTracks) ActiveTracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "local",
	)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return tr
}

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

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("%s in %s (now %s)", s.ID(), want, s.State()), func() bool {
		return s.State() == want
	})
}

// settle waits for a session's queue to drain.
func settle(s *Session) {
	deadline := time.Now().Add(time.Second)
	for s.queue.len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
}

func answerFor(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func offerFor(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}
