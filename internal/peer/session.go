package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// ErrSessionClosed is returned when work is posted to a closed Session.
var ErrSessionClosed = errors.New("peer session closed")

// sessionConfig holds everything a Session needs from its Registry.
type sessionConfig struct {
	peerID   string
	roomID   string
	role     Role
	conn     Connection
	signaler Signaler

	onState        func(peerID string, st State)
	onRemoteStream func(peerID string, stream RemoteStream)
	onFailed       func(peerID string, err error)
}

// Session is one negotiated connection to one remote participant.
//
// Every negotiation step runs on the session's own goroutine, one event at
// a time, so a second signaling message for this peer is never processed
// while a native call for it is outstanding; further messages wait in a
// FIFO queue. Close cancels the queue and may be called at any time.
type Session struct {
	id       string
	roomID   string
	role     Role
	conn     Connection
	signaler Signaler

	onState        func(string, State)
	onRemoteStream func(string, RemoteStream)
	onFailed       func(string, error)

	queue *queue
	done  chan struct{}

	mu    sync.Mutex
	state State

	// remoteSet is true once a remote description has been applied; until
	// then inbound candidates wait in pending.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// localReady is true once our first description went out; local
	// candidates gathered before that wait in outbound.
	localReady bool
	outbound   []webrtc.ICECandidateInit

	// renegotiate records a track change seen while an offer was in
	// flight; it is served once the answer arrives.
	renegotiate bool

	localTracks  map[string]webrtc.TrackLocal
	remoteStream *RemoteStream
	nativeState  webrtc.PeerConnectionState
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		id:             cfg.peerID,
		roomID:         cfg.roomID,
		role:           cfg.role,
		conn:           cfg.conn,
		signaler:       cfg.signaler,
		onState:        cfg.onState,
		onRemoteStream: cfg.onRemoteStream,
		onFailed:       cfg.onFailed,
		queue:          newQueue(),
		done:           make(chan struct{}),
		state:          StateNew,
		localTracks:    make(map[string]webrtc.TrackLocal),
		nativeState:    webrtc.PeerConnectionStateNew,
	}

	s.conn.OnICECandidate(s.emitCandidate)
	s.conn.OnTrack(s.recordRemoteTrack)
	s.conn.OnConnectionStateChange(s.nativeStateChanged)

	util.Stats.SessionUp()
	go s.loop()

	return s
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ID returns the remote participant ID.
func (s *Session) ID() string { return s.id }

// Role returns the role fixed at creation.
func (s *Session) Role() Role { return s.role }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NativeState returns the last connection state reported by the engine.
func (s *Session) NativeState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeState
}

// RemoteStream returns the last stream surfaced by the engine, if any.
func (s *Session) RemoteStream() (RemoteStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteStream == nil {
		return RemoteStream{}, false
	}
	return copyStream(*s.remoteStream), true
}

// LocalTrackIDs returns the IDs of the tracks currently attached.
func (s *Session) LocalTrackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.localTracks))
	for id := range s.localTracks {
		ids = append(ids, id)
	}
	return ids
}

// PendingCandidates returns how many remote candidates are buffered
// waiting for a remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// CreateOffer asks an Initiator session to (re)offer. While an offer is
// already in flight the request is coalesced into one renegotiation after
// the answer.
func (s *Session) CreateOffer() error {
	return s.post(event{kind: evCreateOffer})
}

// HandleRemoteOffer queues an inbound offer.
func (s *Session) HandleRemoteOffer(sd webrtc.SessionDescription) error {
	return s.post(event{kind: evRemoteOffer, sd: sd})
}

// HandleRemoteAnswer queues an inbound answer.
func (s *Session) HandleRemoteAnswer(sd webrtc.SessionDescription) error {
	return s.post(event{kind: evRemoteAnswer, sd: sd})
}

// HandleRemoteIceCandidate queues an inbound candidate. It is buffered
// until a remote description is set.
func (s *Session) HandleRemoteIceCandidate(c webrtc.ICECandidateInit) error {
	return s.post(event{kind: evRemoteCandidate, candidate: c})
}

// ApplyTrackSet replaces the outgoing tracks. A change on a CONNECTED
// Initiator triggers renegotiation; a Responder only swaps what its
// already negotiated transceivers send.
func (s *Session) ApplyTrackSet(tracks []webrtc.TrackLocal) error {
	cp := append([]webrtc.TrackLocal(nil), tracks...)
	return s.post(event{kind: evTracks, tracks: cp})
}

// Close releases the native connection, discards everything queued or
// buffered and moves to CLOSED. Safe to call more than once and in the
// middle of a negotiation step.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.pending = nil
	s.outbound = nil
	s.mu.Unlock()

	s.queue.close()
	close(s.done)
	util.Stats.SessionDown()

	err := s.conn.Close()
	s.notifyState(StateClosed)
	util.LogDebug("[%s] session closed", s.id)
	return err
}

// start posts the kick-off event: an Initiator offers, a Responder waits.
func (s *Session) start() error {
	return s.post(event{kind: evStart})
}

func (s *Session) post(ev event) error {
	if !s.queue.push(ev) {
		return ErrSessionClosed
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

func (s *Session) loop() {
	for {
		select {
		case <-s.queue.notify:
			for {
				ev, ok := s.queue.pop()
				if !ok {
					break
				}
				s.handle(ev)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(ev event) {
	if st := s.State(); !st.live() {
		util.LogDebug("[%s] dropping %s in %s", s.id, ev.kind, st)
		return
	}

	switch ev.kind {
	case evStart:
		if s.role == RoleInitiator {
			s.offer()
		} else {
			s.transition(StateAwaitingOffer)
		}
	case evCreateOffer:
		s.offer()
	case evRemoteOffer:
		s.answer(ev.sd)
	case evRemoteAnswer:
		s.acceptAnswer(ev.sd)
	case evRemoteCandidate:
		s.addRemoteCandidate(ev.candidate)
	case evTracks:
		s.applyTracks(ev.tracks)
	case evNativeFailed:
		s.fail(ev.err)
	}
}

// offer runs one offer round: OFFERING → AWAITING_ANSWER with signal(offer)
// emitted. Requests while one is in flight are coalesced.
func (s *Session) offer() {
	if s.role != RoleInitiator {
		util.LogWarning("[%s] responder session does not offer", s.id)
		return
	}

	s.mu.Lock()
	st := s.state
	if st == StateOffering || st == StateAwaitingAnswer {
		s.renegotiate = true
		s.mu.Unlock()
		util.LogDebug("[%s] renegotiation coalesced while %s", s.id, st)
		return
	}
	s.mu.Unlock()

	if !s.transition(StateOffering) {
		return
	}

	sd, err := s.conn.CreateOffer()
	if err != nil {
		s.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.conn.SetLocalDescription(sd); err != nil {
		s.fail(fmt.Errorf("set local offer: %w", err))
		return
	}
	if !s.transition(StateAwaitingAnswer) {
		return
	}

	s.sendDescription(protocol.OfferSignal(s.roomID, s.id, sd))
	util.Stats.AddOffer()
	util.LogDebug("[%s] offer sent", s.id)
}

// answer applies a remote offer and replies: ANSWERING → CONNECTED with
// signal(answer) emitted.
func (s *Session) answer(sd webrtc.SessionDescription) {
	st := s.State()
	if st != StateNew && st != StateAwaitingOffer && st != StateConnected {
		util.Stats.AddDrop()
		util.LogWarning("[%s] protocol violation: offer in %s, ignored", s.id, st)
		return
	}

	if !s.transition(StateAnswering) {
		return
	}
	if err := s.conn.SetRemoteDescription(sd); err != nil {
		s.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	if !s.remoteDescriptionApplied() {
		return
	}

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("set local answer: %w", err))
		return
	}

	s.sendDescription(protocol.AnswerSignal(s.roomID, s.id, answer))
	util.Stats.AddAnswer()
	s.transition(StateConnected)
	util.LogDebug("[%s] answer sent", s.id)
}

// acceptAnswer applies the answer to our in-flight offer. An answer in any
// other state is a protocol violation: logged and ignored.
func (s *Session) acceptAnswer(sd webrtc.SessionDescription) {
	if st := s.State(); st != StateAwaitingAnswer {
		util.Stats.AddDrop()
		util.LogWarning("[%s] protocol violation: answer in %s, ignored", s.id, st)
		return
	}

	if err := s.conn.SetRemoteDescription(sd); err != nil {
		s.fail(fmt.Errorf("set remote answer: %w", err))
		return
	}
	if !s.remoteDescriptionApplied() {
		return
	}
	if !s.transition(StateConnected) {
		return
	}

	s.mu.Lock()
	again := s.renegotiate
	s.renegotiate = false
	s.mu.Unlock()

	if again {
		s.offer()
	}
}

// addRemoteCandidate applies c, or buffers it while no remote description
// is set.
func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		n := len(s.pending)
		s.mu.Unlock()
		util.LogDebug("[%s] candidate buffered (%d pending)", s.id, n)
		return
	}
	s.mu.Unlock()

	if err := s.conn.AddICECandidate(c); err != nil {
		s.fail(fmt.Errorf("add ice candidate: %w", err))
	}
}

// remoteDescriptionApplied marks the remote description as set and drains
// the candidate buffer in arrival order. It reports false if the session
// stopped negotiating meanwhile.
func (s *Session) remoteDescriptionApplied() bool {
	s.mu.Lock()
	if !s.state.live() {
		s.mu.Unlock()
		return false
	}
	s.remoteSet = true
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range buffered {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.fail(fmt.Errorf("add buffered ice candidate: %w", err))
			return false
		}
	}
	return s.State().live()
}

// applyTracks diffs tracks against the attached set by track ID.
func (s *Session) applyTracks(tracks []webrtc.TrackLocal) {
	next := make(map[string]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		next[t.ID()] = t
	}

	s.mu.Lock()
	current := make(map[string]webrtc.TrackLocal, len(s.localTracks))
	for id, t := range s.localTracks {
		current[id] = t
	}
	s.mu.Unlock()

	changed := false
	for id := range current {
		if _, keep := next[id]; keep {
			continue
		}
		if err := s.conn.RemoveTrack(id); err != nil {
			s.fail(fmt.Errorf("remove track %s: %w", id, err))
			return
		}
		delete(current, id)
		changed = true
	}
	for _, t := range tracks {
		if _, have := current[t.ID()]; have {
			continue
		}
		if err := s.conn.AddTrack(t); err != nil {
			s.fail(fmt.Errorf("add track %s: %w", t.ID(), err))
			return
		}
		current[t.ID()] = t
		changed = true
	}

	s.mu.Lock()
	s.localTracks = current
	st := s.state
	s.mu.Unlock()

	if !changed {
		return
	}

	if s.role != RoleInitiator {
		util.LogDebug("[%s] track set changed on negotiated transceivers", s.id)
		return
	}

	switch st {
	case StateConnected, StateOffering, StateAwaitingAnswer:
		s.offer()
	}
}

// fail moves to FAILED and discards the native connection. The registry
// replaces a FAILED session on the next roster event for the peer.
func (s *Session) fail(err error) {
	if !s.transition(StateFailed) {
		return
	}

	s.mu.Lock()
	s.pending = nil
	s.outbound = nil
	s.mu.Unlock()

	s.conn.Close()
	util.LogError("[%s] negotiation failed: %v", s.id, err)

	if s.onFailed != nil {
		s.onFailed(s.id, err)
	}
}

// transition moves to the given state if the transition table allows it.
// Illegal moves are rejected and logged.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		if from != StateClosed {
			util.LogWarning("[%s] rejected transition %s → %s", s.id, from, to)
		}
		return false
	}
	s.state = to
	s.mu.Unlock()

	util.LogDebug("[%s] %s → %s", s.id, from, to)
	s.notifyState(to)
	return true
}

func (s *Session) notifyState(st State) {
	if s.onState != nil {
		s.onState(s.id, st)
	}
}

// ---------------------------------------------------------------------------
// Outbound signaling
// ---------------------------------------------------------------------------

// sendDescription sends an offer or answer, then any local candidates
// gathered before it.
func (s *Session) sendDescription(sig protocol.Signal) {
	s.send(sig)

	s.mu.Lock()
	s.localReady = true
	held := s.outbound
	s.outbound = nil
	s.mu.Unlock()

	for _, c := range held {
		s.send(protocol.CandidateSignal(s.roomID, s.id, c))
	}
}

// emitCandidate is the engine's local-candidate callback.
func (s *Session) emitCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.state.live() {
		s.mu.Unlock()
		return
	}
	if !s.localReady {
		s.outbound = append(s.outbound, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.send(protocol.CandidateSignal(s.roomID, s.id, c))
}

func (s *Session) send(sig protocol.Signal) {
	if st := s.State(); !st.live() {
		return
	}
	if err := s.signaler.Send(sig); err != nil {
		// Loss is tolerated: a reconnect rebuilds every session.
		util.LogWarning("[%s] signal not delivered: %v", s.id, err)
	}
}

// ---------------------------------------------------------------------------
// Engine callbacks
// ---------------------------------------------------------------------------

func (s *Session) recordRemoteTrack(rt RemoteTrack) {
	s.mu.Lock()
	if !s.state.live() {
		s.mu.Unlock()
		return
	}
	if s.remoteStream == nil || s.remoteStream.ID != rt.StreamID {
		s.remoteStream = &RemoteStream{ID: rt.StreamID}
	}
	s.remoteStream.Tracks = append(s.remoteStream.Tracks, rt)
	stream := copyStream(*s.remoteStream)
	s.mu.Unlock()

	util.LogInfo("[%s] remote %s track %s", s.id, rt.Kind, rt.ID)
	if s.onRemoteStream != nil {
		s.onRemoteStream(s.id, stream)
	}
}

func (s *Session) nativeStateChanged(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.nativeState = st
	s.mu.Unlock()

	util.LogDebug("[%s] peer connection %s", s.id, st)
	if st == webrtc.PeerConnectionStateFailed {
		s.post(event{kind: evNativeFailed, err: errors.New("peer connection failed")})
	}
}

func copyStream(rs RemoteStream) RemoteStream {
	rs.Tracks = append([]RemoteTrack(nil), rs.Tracks...)
	return rs
}
