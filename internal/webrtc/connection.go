package webrtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/peer"
	"github.com/1ureka/meshroom/internal/util"
)

// slotKinds are the transceivers every connection carries from its first
// offer or answer: microphone, camera and screen share. Either side can
// then start or stop sending on them without a new offer.
var slotKinds = [...]webrtc.RTPCodecType{
	webrtc.RTPCodecTypeAudio,
	webrtc.RTPCodecTypeVideo,
	webrtc.RTPCodecTypeVideo,
}

// slot is one pre-negotiated sendrecv transceiver. While no local track
// rides it, the sender carries a placeholder that is never written.
type slot struct {
	kind        webrtc.RTPCodecType
	sender      *webrtc.RTPSender
	placeholder webrtc.TrackLocal
	trackID     string
}

// connection adapts a pion PeerConnection to peer.Connection.
type connection struct {
	peerID string
	pc     *webrtc.PeerConnection

	mu    sync.Mutex
	slots []*slot
	extra map[string]*webrtc.RTPSender // tracks beyond the slots
}

var _ peer.Connection = (*connection)(nil)

func newConnection(peerID string, pc *webrtc.PeerConnection) (*connection, error) {
	c := &connection{
		peerID: peerID,
		pc:     pc,
		extra:  make(map[string]*webrtc.RTPSender),
	}

	streamID := uuid.NewString()
	for i, kind := range slotKinds {
		placeholder, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), fmt.Sprintf("%s-%d", kind, i), streamID)
		if err != nil {
			return nil, fmt.Errorf("placeholder %s track: %w", kind, err)
		}
		tr, err := pc.AddTransceiverFromTrack(placeholder, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		drainRTCP(tr.Sender())
		c.slots = append(c.slots, &slot{kind: kind, sender: tr.Sender(), placeholder: placeholder})
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (c *connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *connection) AddICECandidate(ic webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ic)
}

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

// AddTrack puts track on a free slot of its kind with ReplaceTrack. Only
// when every slot of that kind is taken does it add a transceiver, which
// is carried by the next offer.
func (c *connection) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attachedLocked(track.ID()) {
		return nil
	}

	for _, s := range c.slots {
		if s.kind != track.Kind() || s.trackID != "" {
			continue
		}
		if err := s.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", s.kind, err)
		}
		s.trackID = track.ID()
		return nil
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.extra[track.ID()] = sender
	drainRTCP(sender)
	util.LogDebug("[%s] extra %s transceiver for %s", c.peerID, track.Kind(), track.ID())
	return nil
}

// RemoveTrack stops sending trackID. A slot falls back to its placeholder
// and stays negotiated.
func (c *connection) RemoveTrack(trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		if s.trackID != trackID {
			continue
		}
		if err := s.sender.ReplaceTrack(s.placeholder); err != nil {
			return fmt.Errorf("release %s slot: %w", s.kind, err)
		}
		s.trackID = ""
		return nil
	}

	sender, ok := c.extra[trackID]
	if !ok {
		return fmt.Errorf("track %s not attached", trackID)
	}
	delete(c.extra, trackID)
	return c.pc.RemoveTrack(sender)
}

func (c *connection) attachedLocked(trackID string) bool {
	if _, ok := c.extra[trackID]; ok {
		return true
	}
	for _, s := range c.slots {
		if s.trackID == trackID {
			return true
		}
	}
	return false
}

// drainRTCP reads the sender's RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (c *connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return // end of gathering
		}
		fn(ic.ToJSON())
	})
}

// OnTrack reports every remote track and consumes its RTP; rendering is
// outside this process. pion surfaces a track on its first packet, so a
// slot carrying only a placeholder is never reported.
func (c *connection) OnTrack(fn func(peer.RemoteTrack)) {
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(peer.RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     remote.Kind(),
		})

		go func() {
			var packets int
			for {
				if _, _, err := remote.ReadRTP(); err != nil {
					util.LogDebug("[%s] remote %s track ended after %d packets", c.peerID, remote.Kind(), packets)
					return
				}
				packets++
			}
		}()
	})
}

func (c *connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *connection) Close() error {
	return c.pc.Close()
}
