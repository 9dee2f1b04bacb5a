package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/negotiation counter.
var Stats = &stats{}

type stats struct {
	FramesSent   atomic.Int64 // frames written to the signaling channel
	FramesRecv   atomic.Int64 // frames read from the signaling channel
	FramesDrop   atomic.Int64 // inbound frames dropped as protocol violations
	Reconnects   atomic.Int64 // reconnect attempts scheduled
	Offers       atomic.Int64 // local offers emitted
	Answers      atomic.Int64 // local answers emitted
	LiveSessions atomic.Int64 // peer sessions currently alive
}

func (s *stats) AddSent()      { s.FramesSent.Add(1) }
func (s *stats) AddRecv()      { s.FramesRecv.Add(1) }
func (s *stats) AddDrop()      { s.FramesDrop.Add(1) }
func (s *stats) AddReconnect() { s.Reconnects.Add(1) }
func (s *stats) AddOffer()     { s.Offers.Add(1) }
func (s *stats) AddAnswer()    { s.Answers.Add(1) }
func (s *stats) SessionUp()    { s.LiveSessions.Add(1) }
func (s *stats) SessionDown()  { s.LiveSessions.Add(-1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// snapshot is one reading of the counters.
type snapshot struct {
	sent, recv, drop, reconnects, offers, answers, live int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		sent:       s.FramesSent.Load(),
		recv:       s.FramesRecv.Load(),
		drop:       s.FramesDrop.Load(),
		reconnects: s.Reconnects.Load(),
		offers:     s.Offers.Load(),
		answers:    s.Answers.Load(),
		live:       s.LiveSessions.Load(),
	}
}

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds, skipping intervals where nothing changed. It stops when
// ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats renders the delta between two snapshots plus the current
// number of live sessions.
func formatStats(prev, cur snapshot) string {
	return fmt.Sprintf("Frames: %3d↑ %3d↓ %2d✗ | Offers: %2d | Answers: %2d | Reconnects: %2d | Peers: %2d",
		cur.sent-prev.sent,
		cur.recv-prev.recv,
		cur.drop-prev.drop,
		cur.offers-prev.offers,
		cur.answers-prev.answers,
		cur.reconnects-prev.reconnects,
		cur.live,
	)
}
