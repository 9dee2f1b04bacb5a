// Package media owns local capture: which of camera, microphone and screen
// share are on, the device tracks backing them, and the outgoing track set
// every peer session sends.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/util"
)

// Slot is one independent capture source.
type Slot int

const (
	SlotMic Slot = iota
	SlotCamera
	SlotScreen
)

var slotOrder = [...]Slot{SlotMic, SlotCamera, SlotScreen}

func (s Slot) String() string {
	switch s {
	case SlotMic:
		return "microphone"
	case SlotCamera:
		return "camera"
	case SlotScreen:
		return "screen share"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// Constraints selects the kinds a user-media request acquires.
type Constraints struct {
	Video bool
	Audio bool
}

// Track is a live device track. Stop releases the device.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	Stop()
}

// CaptureEngine acquires device tracks. Errors should wrap one of the
// package's acquisition sentinels.
type CaptureEngine interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	GetDisplayMedia(ctx context.Context) ([]Track, error)
}

// Broadcaster receives every new outgoing track set. *peer.Registry
// satisfies it.
type Broadcaster interface {
	ApplyTrackSet(tracks []webrtc.TrackLocal)
}

// State is a snapshot of the local media state.
type State struct {
	CameraEnabled      bool
	MicEnabled         bool
	ScreenShareEnabled bool
	TrackIDs           []string
}

// Controller is the single writer of the local media state. Operations are
// serialized; each one ends with the flags and the track set in agreement
// and, when the set changed, broadcasts it.
type Controller struct {
	engine CaptureEngine

	op sync.Mutex // serializes operations, held across acquisition

	mu     sync.Mutex
	tracks map[Slot]Track
	out    Broadcaster
}

// NewController returns a Controller with every slot off.
func NewController(engine CaptureEngine) *Controller {
	return &Controller{
		engine: engine,
		tracks: make(map[Slot]Track),
	}
}

// SetBroadcaster installs the receiver of track-set changes.
func (c *Controller) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	c.out = b
	c.mu.Unlock()
}

// State returns the current flags and track IDs.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// ActiveTracks returns the outgoing track set: microphone, camera, screen.
func (c *Controller) ActiveTracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// SetCamera turns the camera on or off. The screen-share track is never
// touched.
func (c *Controller) SetCamera(ctx context.Context, on bool) error {
	return c.set(ctx, SlotCamera, on)
}

// SetMic turns the microphone on or off.
func (c *Controller) SetMic(ctx context.Context, on bool) error {
	return c.set(ctx, SlotMic, on)
}

// SetScreenShare starts or stops screen sharing.
func (c *Controller) SetScreenShare(ctx context.Context, on bool) error {
	return c.set(ctx, SlotScreen, on)
}

// Start acquires camera and microphone together. When both were asked for
// and the request fails, it retries audio-only; that degraded result is
// returned with a *Error whose Degraded flag is set.
func (c *Controller) Start(ctx context.Context, camera, mic bool) (State, error) {
	c.op.Lock()
	defer c.op.Unlock()

	if !camera && !mic {
		return c.State(), nil
	}

	got, err := c.acquire(ctx, Constraints{Video: camera, Audio: mic})
	if err == nil {
		c.install(got)
		return c.State(), nil
	}

	if !(camera && mic) {
		slot := SlotMic
		if camera {
			slot = SlotCamera
		}
		return c.State(), &Error{Slot: slot, Cause: err, Fallback: fallbackFor(slot)}
	}

	util.LogWarning("Camera and microphone unavailable (%v), retrying audio-only", err)
	audio, retryErr := c.acquire(ctx, Constraints{Audio: true})
	if retryErr != nil {
		return c.State(), &Error{
			Slot:     SlotMic,
			Cause:    errors.Join(err, retryErr),
			Fallback: FallbackNoMedia,
		}
	}

	c.install(audio)
	return c.State(), &Error{Slot: SlotCamera, Cause: err, Fallback: FallbackAudioOnly, Degraded: true}
}

// Stop releases every track and broadcasts the empty set.
func (c *Controller) Stop() {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	old := c.tracks
	c.tracks = make(map[Slot]Track)
	out := c.out
	c.mu.Unlock()

	if len(old) == 0 {
		return
	}
	for _, t := range old {
		t.Stop()
	}
	if out != nil {
		out.ApplyTrackSet(nil)
	}
	util.LogInfo("Local media stopped")
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Controller) set(ctx context.Context, slot Slot, on bool) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	_, have := c.tracks[slot]
	c.mu.Unlock()

	if on == have {
		return nil
	}

	if !on {
		c.mu.Lock()
		old := c.tracks[slot]
		delete(c.tracks, slot)
		c.mu.Unlock()
		old.Stop()
		util.LogInfo("%s off", slot)
		c.broadcast()
		return nil
	}

	var (
		got map[Slot]Track
		err error
	)
	if slot == SlotScreen {
		got, err = c.acquireDisplay(ctx)
	} else {
		got, err = c.acquire(ctx, Constraints{Video: slot == SlotCamera, Audio: slot == SlotMic})
	}
	if err != nil {
		util.LogWarning("%s unavailable: %v", slot, err)
		return &Error{Slot: slot, Cause: err, Fallback: fallbackFor(slot)}
	}

	c.install(got)
	return nil
}

// acquire runs a user-media request and sorts the result into slots. Any
// track that does not fill a requested slot is stopped.
func (c *Controller) acquire(ctx context.Context, cons Constraints) (map[Slot]Track, error) {
	tracks, err := c.engine.GetUserMedia(ctx, cons)
	if err != nil {
		return nil, err
	}

	got := make(map[Slot]Track)
	for _, t := range tracks {
		var slot Slot
		switch {
		case t.Kind() == webrtc.RTPCodecTypeVideo && cons.Video:
			slot = SlotCamera
		case t.Kind() == webrtc.RTPCodecTypeAudio && cons.Audio:
			slot = SlotMic
		default:
			t.Stop()
			continue
		}
		if _, dup := got[slot]; dup {
			t.Stop()
			continue
		}
		got[slot] = t
	}

	if cons.Video && got[SlotCamera] == nil || cons.Audio && got[SlotMic] == nil {
		stopAll(got)
		return nil, ErrDeviceNotFound
	}
	if err := ctx.Err(); err != nil {
		stopAll(got)
		return nil, err
	}
	return got, nil
}

func (c *Controller) acquireDisplay(ctx context.Context) (map[Slot]Track, error) {
	tracks, err := c.engine.GetDisplayMedia(ctx)
	if err != nil {
		return nil, err
	}

	got := make(map[Slot]Track)
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo && got[SlotScreen] == nil {
			got[SlotScreen] = t
			continue
		}
		t.Stop()
	}
	if got[SlotScreen] == nil {
		return nil, ErrDeviceNotFound
	}
	if err := ctx.Err(); err != nil {
		stopAll(got)
		return nil, err
	}
	return got, nil
}

// install swaps the acquired tracks in, releases the ones they replace and
// broadcasts the new set.
func (c *Controller) install(got map[Slot]Track) {
	var replaced []Track

	c.mu.Lock()
	for slot, t := range got {
		if old, ok := c.tracks[slot]; ok {
			replaced = append(replaced, old)
		}
		c.tracks[slot] = t
	}
	c.mu.Unlock()

	for _, t := range replaced {
		t.Stop()
	}
	for slot := range got {
		util.LogInfo("%s on", slot)
	}
	c.broadcast()
}

// broadcast hands the current set to the Broadcaster. The state lock is
// released first since sessions read ActiveTracks while attaching.
func (c *Controller) broadcast() {
	c.mu.Lock()
	tracks := c.activeLocked()
	out := c.out
	c.mu.Unlock()

	if out != nil {
		out.ApplyTrackSet(tracks)
	}
}

func (c *Controller) stateLocked() State {
	st := State{
		CameraEnabled:      c.tracks[SlotCamera] != nil,
		MicEnabled:         c.tracks[SlotMic] != nil,
		ScreenShareEnabled: c.tracks[SlotScreen] != nil,
	}
	for _, slot := range slotOrder {
		if t, ok := c.tracks[slot]; ok {
			st.TrackIDs = append(st.TrackIDs, t.ID())
		}
	}
	return st
}

func (c *Controller) activeLocked() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, slot := range slotOrder {
		if t, ok := c.tracks[slot]; ok {
			out = append(out, t.Local())
		}
	}
	return out
}

func stopAll(m map[Slot]Track) {
	for _, t := range m {
		t.Stop()
	}
}
