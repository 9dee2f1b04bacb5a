package webrtc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/meshroom/internal/media"
	"github.com/1ureka/meshroom/internal/util"
)

// Devices declares which synthetic devices exist.
type Devices struct {
	Camera bool
	Mic    bool
	Screen bool
}

// SyntheticCapture 以 pion 的 TrackLocalStaticSample 產生測試用的媒體軌道，
// 用於沒有實體裝置的環境（CLI、整合測試）。音訊送出 Opus 靜音幀，視訊送出固定的占位幀。
type SyntheticCapture struct {
	devices Devices
}

var _ media.CaptureEngine = (*SyntheticCapture)(nil)

// NewSyntheticCapture 依設定建立可用裝置。
func NewSyntheticCapture(d Devices) *SyntheticCapture {
	return &SyntheticCapture{devices: d}
}

// GetUserMedia 取得攝影機與/或麥克風軌道，兩者共用同一個 stream ID。
func (s *SyntheticCapture) GetUserMedia(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Video && !s.devices.Camera || c.Audio && !s.devices.Mic {
		return nil, media.ErrDeviceNotFound
	}

	streamID := uuid.NewString()
	var out []media.Track

	if c.Audio {
		t, err := newSyntheticTrack(webrtc.RTPCodecTypeAudio, streamID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		t, err := newSyntheticTrack(webrtc.RTPCodecTypeVideo, streamID)
		if err != nil {
			for _, o := range out {
				o.Stop()
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetDisplayMedia 取得螢幕分享軌道。
func (s *SyntheticCapture) GetDisplayMedia(ctx context.Context) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.devices.Screen {
		return nil, media.ErrDeviceNotFound
	}
	t, err := newSyntheticTrack(webrtc.RTPCodecTypeVideo, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return []media.Track{t}, nil
}

// ---------------------------------------------------------------------------
// Track
// ---------------------------------------------------------------------------

var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Filler   = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// codecFor is the capability local tracks of kind are created with.
func codecFor(kind webrtc.RTPCodecType) webrtc.RTPCodecCapability {
	if kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

type syntheticTrack struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
}

func newSyntheticTrack(kind webrtc.RTPCodecType, streamID string) (*syntheticTrack, error) {
	frame, interval := opusSilence, 20*time.Millisecond
	if kind == webrtc.RTPCodecTypeVideo {
		frame, interval = vp8Filler, 100*time.Millisecond
	}

	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	t := &syntheticTrack{kind: kind, local: local, stop: make(chan struct{})}
	go t.pump(frame, interval)
	return t, nil
}

// pump writes one frame per interval until Stop. Writes before the track
// is bound to a sender are discarded by pion.
func (t *syntheticTrack) pump(frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				util.LogDebug("synthetic %s track %s: %v", t.kind, t.local.ID(), err)
			}
		}
	}
}

func (t *syntheticTrack) ID() string                { return t.local.ID() }
func (t *syntheticTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *syntheticTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
