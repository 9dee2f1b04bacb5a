package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// Config wires a Registry to its collaborators.
type Config struct {
	Factory  Factory
	Signaler Signaler
	// Tracks supplies the outgoing track set attached to new sessions.
	// Nil means sessions start without local media.
	Tracks TrackSource

	OnRemoteStream func(peerID string, stream RemoteStream)
	OnStateChange  func(peerID string, st State)
	// OnFailed reports the negotiation error that moved a session to FAILED.
	OnFailed func(peerID string, err error)
}

// Registry maps remote participant IDs to their Session. All operations
// are safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the live session for peerID, creating one with role when
// none exists or the existing one is FAILED or CLOSED. A new session gets
// the current track set before it starts negotiating.
func (r *Registry) Ensure(roomID, peerID string, role Role) (*Session, error) {
	s, stale, err := r.ensure(roomID, peerID, role)

	// Closed outside r.mu: Close runs the state callback.
	if stale != nil {
		stale.Close()
	}
	return s, err
}

func (r *Registry) ensure(roomID, peerID string, role Role) (s, stale *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[peerID]; ok {
		if old.State().live() {
			return old, nil, nil
		}
		stale = old
		delete(r.sessions, peerID)
	}

	conn, err := r.cfg.Factory.NewConnection(peerID)
	if err != nil {
		return nil, stale, fmt.Errorf("new connection for %s: %w", peerID, err)
	}

	s = newSession(sessionConfig{
		peerID:         peerID,
		roomID:         roomID,
		role:           role,
		conn:           conn,
		signaler:       r.cfg.Signaler,
		onState:        r.cfg.OnStateChange,
		onRemoteStream: r.cfg.OnRemoteStream,
		onFailed:       r.cfg.OnFailed,
	})

	// Posted under r.mu so a concurrent ApplyTrackSet either lands after
	// these events or sees the session in the map.
	if r.cfg.Tracks != nil {
		if tracks := r.cfg.Tracks.ActiveTracks(); len(tracks) > 0 {
			s.ApplyTrackSet(tracks)
		}
	}
	s.start()

	r.sessions[peerID] = s
	util.LogInfo("Peer %s added as %s", peerID, role)
	return s, stale, nil
}

// Get returns the session for peerID.
func (r *Registry) Get(peerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	return s, ok
}

// Len returns the number of sessions, live or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the participant IDs that have a session.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Remove closes and forgets the session for peerID. Unknown IDs are a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	delete(r.sessions, peerID)
	r.mu.Unlock()

	if ok {
		s.Close()
		util.LogInfo("Peer %s removed", peerID)
	}
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	if len(all) > 0 {
		util.LogInfo("Closed %d peer sessions", len(all))
	}
}

// Dispatch routes an inbound signal to the session of its sender. Signals
// for another room or an unknown peer are logged and dropped.
func (r *Registry) Dispatch(roomID string, sig protocol.Signal) {
	if sig.RoomID != "" && roomID != "" && sig.RoomID != roomID {
		util.Stats.AddDrop()
		util.LogDebug("Dropping signal for room %s (in %s)", sig.RoomID, roomID)
		return
	}

	s, ok := r.Get(sig.PeerID)
	if !ok {
		util.Stats.AddDrop()
		util.LogWarning("Dropping signal from unknown peer %s", sig.PeerID)
		return
	}

	var err error
	switch {
	case sig.Offer != nil:
		err = s.HandleRemoteOffer(*sig.Offer)
	case sig.Answer != nil:
		err = s.HandleRemoteAnswer(*sig.Answer)
	case sig.Candidate != nil:
		err = s.HandleRemoteIceCandidate(*sig.Candidate)
	default:
		util.Stats.AddDrop()
		util.LogWarning("Dropping empty signal from %s", sig.PeerID)
		return
	}
	if err != nil {
		util.LogDebug("Signal from %s dropped: %v", sig.PeerID, err)
	}
}

// ApplyTrackSet hands the new outgoing track set to every session.
func (r *Registry) ApplyTrackSet(tracks []webrtc.TrackLocal) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.ApplyTrackSet(tracks)
	}
}
