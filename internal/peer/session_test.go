package peer

import (
	"errors"
	"slices"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	factory  *fakeFactory
	signaler *fakeSignaler
	tracks   *staticTracks
	reg      *Registry
}

func newHarness() *harness {
	h := &harness{
		factory:  newFakeFactory(),
		signaler: &fakeSignaler{},
		tracks:   &staticTracks{},
	}
	h.reg = NewRegistry(Config{Factory: h.factory, Signaler: h.signaler, Tracks: h.tracks})
	return h
}

func (h *harness) ensure(t *testing.T, peerID string, role Role) (*Session, *fakeConn) {
	t.Helper()
	s, err := h.reg.Ensure("r1", peerID, role)
	if err != nil {
		t.Fatalf("Ensure(%s): %v", peerID, err)
	}
	return s, h.factory.last(peerID)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestInitiatorOffersOnStart: a user_joined peer gets an offer addressed to
// it and the session waits for the answer.
func TestInitiatorOffersOnStart(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)

	waitState(t, s, StateAwaitingAnswer)

	sigs := h.signaler.signals()
	if len(sigs) != 1 {
		t.Fatalf("sent %d signals, want 1", len(sigs))
	}
	if k, _ := sigs[0].Kind(); k != protocol.SignalOffer {
		t.Errorf("first signal is %s, want offer", k)
	}
	if sigs[0].PeerID != "u2" || sigs[0].RoomID != "r1" {
		t.Errorf("offer addressed to %s/%s, want r1/u2", sigs[0].RoomID, sigs[0].PeerID)
	}

	calls, _, _, _ := conn.snapshot()
	if !slices.Equal(calls, []string{"create-offer", "set-local-offer"}) {
		t.Errorf("native calls = %v", calls)
	}
}

// TestResponderWaitsForOffer never offers on its own.
func TestResponderWaitsForOffer(t *testing.T) {
	h := newHarness()
	s, _ := h.ensure(t, "u1", RoleResponder)

	waitState(t, s, StateAwaitingOffer)
	settle(s)
	if n := len(h.signaler.signals()); n != 0 {
		t.Errorf("responder sent %d signals before any offer", n)
	}
}

// TestRoundTripReachesConnected runs a full offer/answer/candidate exchange
// between two registries and checks both ends reach CONNECTED.
func TestRoundTripReachesConnected(t *testing.T) {
	a := newHarness()
	b := newHarness()

	// The relay rewrites peerId to the sender.
	a.signaler.deliver = func(sig protocol.Signal) {
		sig.PeerID = "a"
		b.reg.Dispatch("r1", sig)
	}
	b.signaler.deliver = func(sig protocol.Signal) {
		sig.PeerID = "b"
		a.reg.Dispatch("r1", sig)
	}

	sb, connB := b.ensure(t, "a", RoleResponder)
	sa, connA := a.ensure(t, "b", RoleInitiator)

	waitState(t, sa, StateConnected)
	waitState(t, sb, StateConnected)

	connA.gather(candidate("candidate:a1"))
	connB.gather(candidate("candidate:b1"))

	waitUntil(t, "candidates exchanged", func() bool {
		_, ca, _, _ := connA.snapshot()
		_, cb, _, _ := connB.snapshot()
		return len(ca) == 1 && len(cb) == 1
	})

	_, ca, _, _ := connA.snapshot()
	_, cb, _, _ := connB.snapshot()
	if ca[0].Candidate != "candidate:b1" || cb[0].Candidate != "candidate:a1" {
		t.Errorf("candidates crossed wrong: a got %q, b got %q", ca[0].Candidate, cb[0].Candidate)
	}
	if got := a.signaler.countKind(protocol.SignalOffer); got != 1 {
		t.Errorf("initiator sent %d offers, want 1", got)
	}
	if got := b.signaler.countKind(protocol.SignalAnswer); got != 1 {
		t.Errorf("responder sent %d answers, want 1", got)
	}
}

// TestCandidatesBufferedUntilRemoteDescription: candidates that arrive
// before the offer are applied after it, in arrival order.
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u1", RoleResponder)
	waitState(t, s, StateAwaitingOffer)

	s.HandleRemoteIceCandidate(candidate("c1"))
	s.HandleRemoteIceCandidate(candidate("c2"))
	waitUntil(t, "candidates buffered", func() bool { return s.PendingCandidates() == 2 })

	if n := conn.count("add-candidate"); n != 0 {
		t.Fatalf("candidate applied before remote description (%d calls)", n)
	}

	s.HandleRemoteOffer(offerFor("v=0 remote"))
	waitState(t, s, StateConnected)

	calls, cands, _, _ := conn.snapshot()
	remote := slices.Index(calls, "set-remote-offer")
	first := slices.Index(calls, "add-candidate")
	if remote < 0 || first < remote {
		t.Errorf("candidate applied before remote description: %v", calls)
	}
	if len(cands) != 2 || cands[0].Candidate != "c1" || cands[1].Candidate != "c2" {
		t.Errorf("applied candidates = %v", cands)
	}
	if s.PendingCandidates() != 0 {
		t.Errorf("buffer not drained")
	}
}

// TestAtMostOneOutstandingOffer: repeated renegotiation requests while an
// offer is in flight collapse into a single follow-up offer.
func TestAtMostOneOutstandingOffer(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)

	s.CreateOffer()
	s.CreateOffer()
	s.CreateOffer()
	settle(s)

	if n := h.signaler.countKind(protocol.SignalOffer); n != 1 {
		t.Fatalf("%d offers outstanding, want 1", n)
	}

	s.HandleRemoteAnswer(answerFor("v=0 a1"))
	waitUntil(t, "follow-up offer", func() bool { return h.signaler.countKind(protocol.SignalOffer) == 2 })
	waitState(t, s, StateAwaitingAnswer)

	s.HandleRemoteAnswer(answerFor("v=0 a2"))
	waitState(t, s, StateConnected)
	settle(s)

	if n := conn.count("create-offer"); n != 2 {
		t.Errorf("CreateOffer called %d times, want 2", n)
	}
}

// TestAnswerOutsideAwaitingAnswerIgnored leaves the state untouched.
func TestAnswerOutsideAwaitingAnswerIgnored(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u1", RoleResponder)
	waitState(t, s, StateAwaitingOffer)

	s.HandleRemoteAnswer(answerFor("v=0 stray"))
	settle(s)

	if st := s.State(); st != StateAwaitingOffer {
		t.Errorf("state = %s after stray answer", st)
	}
	if n := conn.count("set-remote-answer"); n != 0 {
		t.Errorf("stray answer applied")
	}
}

// TestOfferWhileAwaitingAnswerIgnored covers glare: the initiator keeps
// its own offer.
func TestOfferWhileAwaitingAnswerIgnored(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)

	s.HandleRemoteOffer(offerFor("v=0 glare"))
	settle(s)

	if st := s.State(); st != StateAwaitingAnswer {
		t.Errorf("state = %s after glare offer", st)
	}
	if n := conn.count("set-remote-offer"); n != 0 {
		t.Errorf("glare offer applied")
	}
}

// TestCloseWhileAwaitingAnswer drops anything that arrives afterwards.
func TestCloseWhileAwaitingAnswer(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)

	h.reg.Remove("u2")

	if st := s.State(); st != StateClosed {
		t.Fatalf("state = %s after Remove", st)
	}
	if err := s.HandleRemoteAnswer(answerFor("v=0 late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("late answer err = %v, want ErrSessionClosed", err)
	}
	h.reg.Dispatch("r1", protocol.CandidateSignal("r1", "u2", candidate("late")))
	settle(s)

	if n := conn.count("set-remote-answer") + conn.count("add-candidate"); n != 0 {
		t.Errorf("native calls after close: %d", n)
	}
	if _, _, _, closed := conn.snapshot(); closed == 0 {
		t.Errorf("native connection not closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// TestLocalCandidatesFollowDescription: candidates gathered before the
// offer went out are sent right after it.
func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := newHarness()
	h.factory.gate = make(chan struct{})
	s, conn := h.ensure(t, "u2", RoleInitiator)

	waitUntil(t, "offering", func() bool { return s.State() == StateOffering })
	conn.gather(candidate("early"))
	close(h.factory.gate)

	waitUntil(t, "candidate sent", func() bool { return len(h.signaler.signals()) == 2 })
	kinds := h.signaler.kinds()
	if kinds[0] != protocol.SignalOffer || kinds[1] != protocol.SignalCandidate {
		t.Errorf("signal order = %v", kinds)
	}
}

// TestNativeFailureFailsSession and the registry replaces the session on
// the next Ensure.
func TestNativeFailureFailsSession(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)

	conn.native(webrtc.PeerConnectionStateFailed)
	waitState(t, s, StateFailed)

	if got, _ := h.reg.Get("u2"); got != s {
		t.Errorf("failed session left the registry")
	}

	s2, _ := h.ensure(t, "u2", RoleInitiator)
	if s2 == s {
		t.Fatalf("Ensure returned the failed session")
	}
	if n := h.factory.created("u2"); n != 2 {
		t.Errorf("created %d connections, want 2", n)
	}
	if st := s.State(); st != StateClosed {
		t.Errorf("replaced session is %s, want CLOSED", st)
	}
	waitState(t, s2, StateAwaitingAnswer)
}

// TestCandidateErrorFailsSession treats a rejected candidate as a
// negotiation error.
func TestCandidateErrorFailsSession(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u1", RoleResponder)
	s.HandleRemoteOffer(offerFor("v=0 remote"))
	waitState(t, s, StateConnected)

	conn.mu.Lock()
	conn.failAdd = errors.New("bad candidate")
	conn.mu.Unlock()

	s.HandleRemoteIceCandidate(candidate("broken"))
	waitState(t, s, StateFailed)
}

// TestInitialTracksAttached: the current track set rides on the first
// offer.
func TestInitialTracksAttached(t *testing.T) {
	h := newHarness()
	h.tracks.tracks = []webrtc.TrackLocal{newTrack(t, "mic"), newTrack(t, "cam")}

	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)

	calls, _, tracks, _ := conn.snapshot()
	if tracks != 2 {
		t.Errorf("%d tracks attached, want 2", tracks)
	}
	if slices.Index(calls, "add-track") > slices.Index(calls, "create-offer") {
		t.Errorf("tracks attached after the offer: %v", calls)
	}
}

// TestInitiatorRenegotiatesOnTrackChange: a connected initiator re-offers;
// an identical set is a no-op.
func TestInitiatorRenegotiatesOnTrackChange(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u2", RoleInitiator)
	waitState(t, s, StateAwaitingAnswer)
	s.HandleRemoteAnswer(answerFor("v=0 a1"))
	waitState(t, s, StateConnected)

	screen := newTrack(t, "screen")
	h.reg.ApplyTrackSet([]webrtc.TrackLocal{screen})
	waitUntil(t, "renegotiation offer", func() bool { return h.signaler.countKind(protocol.SignalOffer) == 2 })

	s.HandleRemoteAnswer(answerFor("v=0 a2"))
	waitState(t, s, StateConnected)

	h.reg.ApplyTrackSet([]webrtc.TrackLocal{screen})
	settle(s)
	if n := h.signaler.countKind(protocol.SignalOffer); n != 2 {
		t.Errorf("unchanged track set produced an offer (%d total)", n)
	}

	h.reg.ApplyTrackSet(nil)
	waitUntil(t, "removal offer", func() bool { return h.signaler.countKind(protocol.SignalOffer) == 3 })
	if n := conn.count("remove-track"); n != 1 {
		t.Errorf("RemoveTrack called %d times, want 1", n)
	}
}

// TestResponderTrackChangeNeedsNoOffer: the responder attaches the track
// on its negotiated connection and never offers.
func TestResponderTrackChangeNeedsNoOffer(t *testing.T) {
	h := newHarness()
	s, conn := h.ensure(t, "u1", RoleResponder)
	s.HandleRemoteOffer(offerFor("v=0 remote"))
	waitState(t, s, StateConnected)

	h.reg.ApplyTrackSet([]webrtc.TrackLocal{newTrack(t, "cam")})
	waitUntil(t, "track attached", func() bool { return conn.count("add-track") == 1 })
	settle(s)

	if n := h.signaler.countKind(protocol.SignalOffer); n != 0 {
		t.Errorf("responder sent %d offers", n)
	}
	if len(s.LocalTrackIDs()) != 1 {
		t.Errorf("local tracks = %v", s.LocalTrackIDs())
	}
}

// TestRemoteTrackSurfaced reaches OnRemoteStream with the stream ID.
func TestRemoteTrackSurfaced(t *testing.T) {
	var got []RemoteStream
	factory := newFakeFactory()
	reg := NewRegistry(Config{
		Factory:  factory,
		Signaler: &fakeSignaler{},
		OnRemoteStream: func(peerID string, rs RemoteStream) {
			if peerID == "u1" {
				got = append(got, rs)
			}
		},
	})

	s, _ := reg.Ensure("r1", "u1", RoleResponder)
	conn := factory.last("u1")
	conn.mu.Lock()
	fn := conn.onTrack
	conn.mu.Unlock()

	fn(RemoteTrack{ID: "t1", StreamID: "s1", Kind: webrtc.RTPCodecTypeAudio})
	fn(RemoteTrack{ID: "t2", StreamID: "s1", Kind: webrtc.RTPCodecTypeVideo})

	if len(got) != 2 || len(got[1].Tracks) != 2 || got[1].ID != "s1" {
		t.Errorf("remote streams = %+v", got)
	}
	if rs, ok := s.RemoteStream(); !ok || rs.ID != "s1" {
		t.Errorf("RemoteStream() = %+v, %v", rs, ok)
	}
}
