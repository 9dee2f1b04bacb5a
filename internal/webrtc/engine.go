// Package webrtc binds the peer and media packages to pion/webrtc.
package webrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshroom/internal/peer"
	"github.com/1ureka/meshroom/internal/util"
)

// Public STUN servers used when no ICE servers are configured.
var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Engine creates pion PeerConnections sharing one configured API. It
// implements peer.Factory.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ peer.Factory = (*Engine)(nil)

// NewEngine registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and routes pion logging through util.
func NewEngine(iceServers []webrtc.ICEServer) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}

	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: defaultSTUN}}
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

// NewConnection creates the native connection for one remote participant.
func (e *Engine) NewConnection(peerID string) (peer.Connection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c, err := newConnection(peerID, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return c, nil
}
