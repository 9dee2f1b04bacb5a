// Package app contains the top-level orchestration of one participant.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/media"
	"github.com/1ureka/meshroom/internal/peer"
	"github.com/1ureka/meshroom/internal/session"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/util"
	webrtcpkg "github.com/1ureka/meshroom/internal/webrtc"
)

// RunRoom runs one participant until ctx is cancelled or the room is lost:
//  1. Build the native engine, capture, media controller, registry and manager
//  2. Connect the signaling channel and authenticate
//  3. Publish local media, degrading to audio-only or nothing
//  4. Join the room (Responder towards everyone already present)
//  5. Block until shutdown or a terminal room error
//  6. Leave the room, release media, dispose the channel
//
// A shutdown through ctx returns nil; losing the room returns its cause.
func RunRoom(ctx context.Context, cfg config.Client) error {
	// ── 1. 建立元件 ────────────────────────────────────────────────────
	engine, err := webrtcpkg.NewEngine(cfg.WebRTCICEServers())
	if err != nil {
		return fmt.Errorf("建立 WebRTC engine 失敗: %w", err)
	}

	capture := webrtcpkg.NewSyntheticCapture(webrtcpkg.Devices{Camera: true, Mic: true, Screen: true})
	controller := media.NewController(capture)

	client := signaling.NewClient(signaling.TransportConfig{
		URL:    cfg.SignalURL,
		Dialer: &signaling.WSDialer{PingInterval: cfg.PingInterval},
		Budget: signaling.NewBudget(cfg.Reconnect.Base, cfg.Reconnect.Factor,
			cfg.Reconnect.MaxAttempts, cfg.Reconnect.MaxDelay),
	})
	defer client.Dispose()

	registry := peer.NewRegistry(peer.Config{
		Factory:  engine,
		Signaler: client,
		Tracks:   controller,
		OnRemoteStream: func(peerID string, rs peer.RemoteStream) {
			util.LogSuccess("Receiving %d track(s) from %s", len(rs.Tracks), peerID)
		},
		OnStateChange: func(peerID string, st peer.State) {
			switch st {
			case peer.StateConnected:
				util.LogInfo("Negotiated with %s", peerID)
			default:
				util.LogDebug("Session %s → %s", peerID, st)
			}
		},
		OnFailed: func(peerID string, err error) {
			util.LogWarning("Session with %s failed (%v); it is rebuilt on the next roster change", peerID, err)
		},
	})
	controller.SetBroadcaster(registry)

	manager := session.New(client, registry)
	defer manager.Close()

	// 房間層級錯誤（被踢出、重連耗盡）會結束本次執行。
	roomCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	manager.OnRoomError(func(err error) { cancel(err) })

	// ── 2. 連線與驗證 ──────────────────────────────────────────────────
	util.LogInfo("Connecting to %s", cfg.SignalURL)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	if err := client.WaitOpen(ctx); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}

	localID, err := manager.Authenticate(ctx, cfg.Token)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	util.LogInfo("Authenticated as %s", localID)

	// ── 3. 發布本地媒體 ────────────────────────────────────────────────
	// 先取得媒體，讓第一輪 offer/answer 就帶上本地軌道。
	publish(ctx, controller, cfg.Media)
	defer controller.Stop()

	// ── 4. 加入房間 ────────────────────────────────────────────────────
	if err := manager.JoinRoom(ctx, cfg.RoomID); err != nil {
		return fmt.Errorf("join %s: %w", cfg.RoomID, err)
	}
	util.LogSuccess("Joined room %s with %d other participant(s)", cfg.RoomID, len(manager.Roster()))

	util.StartStatsReporter(roomCtx)

	// ── 5. 等待結束 ────────────────────────────────────────────────────
	<-roomCtx.Done()

	// ── 6. 清理 ────────────────────────────────────────────────────────
	if err := manager.LeaveRoom(); err != nil && !errors.Is(err, session.ErrNotInRoom) {
		util.LogWarning("leave: %v", err)
	}

	if cause := context.Cause(roomCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("room %s lost: %w", cfg.RoomID, cause)
	}
	return nil
}

// publish starts the configured devices. Failures are reported and the
// participant stays in the room with what could be acquired.
func publish(ctx context.Context, c *media.Controller, want config.Media) {
	st, err := c.Start(ctx, want.Camera, want.Mic)

	var merr *media.Error
	switch {
	case err == nil:
	case errors.As(err, &merr) && merr.Degraded:
		util.LogWarning("%v", err)
	default:
		util.LogWarning("Media unavailable: %v", err)
	}

	if want.Screen {
		if err := c.SetScreenShare(ctx, true); err != nil {
			util.LogWarning("%v", err)
		}
		st = c.State()
	}

	util.LogInfo("Publishing camera=%t mic=%t screen=%t", st.CameraEnabled, st.MicEnabled, st.ScreenShareEnabled)
}
