// Package peer owns the per-participant media sessions of a mesh room: one
// Session (offer/answer/ICE state machine) per remote participant, kept in
// a Registry keyed by participant ID.
package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/protocol"
)

// Connection is the native peer-connection engine as seen by a Session.
// The engine does ICE/DTLS/SRTP and codec negotiation; the Session only
// drives this contract. Methods may block.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// AddTrack starts sending track. RemoveTrack stops sending the track
	// with the given ID. The engine keeps a negotiated transceiver per
	// media kind so that neither needs a new offer to take effect on the
	// remote side.
	AddTrack(track webrtc.TrackLocal) error
	RemoveTrack(trackID string) error

	// OnICECandidate is called for every gathered local candidate (never
	// with the end-of-gathering marker).
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// Factory creates one native Connection per remote participant.
type Factory interface {
	NewConnection(peerID string) (Connection, error)
}

// Signaler delivers outbound signaling frames. *signaling.Client
// satisfies it.
type Signaler interface {
	Send(msg protocol.Message) error
}

// TrackSource reports the current outgoing track set. The media
// controller satisfies it.
type TrackSource interface {
	ActiveTracks() []webrtc.TrackLocal
}

// RemoteTrack describes one track surfaced by the native engine.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// RemoteStream is the last stream surfaced for a peer.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}
