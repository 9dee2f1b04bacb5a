package config

import (
	"time"

	"github.com/spf13/pflag"
)

// RegisterClientFlags adds the participant flags to fs. Their defaults are
// informational: only flags set on the command line override the loaded
// configuration (see ApplyFlags).
func RegisterClientFlags(fs *pflag.FlagSet) {
	d := DefaultClient()
	fs.String("url", d.SignalURL, "signaling server WebSocket URL")
	fs.String("token", "", "authentication token")
	fs.String("room", "", "room to join")
	fs.StringSlice("ice", nil, "STUN/TURN server URLs (comma-separated)")
	fs.Duration("reconnect-base", d.Reconnect.Base, "first reconnect delay")
	fs.Float64("reconnect-factor", d.Reconnect.Factor, "reconnect backoff factor")
	fs.Int("reconnect-attempts", d.Reconnect.MaxAttempts, "reconnect attempts before giving up")
	fs.Duration("ping-interval", d.PingInterval, "WebSocket keepalive interval (0 disables)")
	fs.Bool("camera", d.Media.Camera, "publish camera")
	fs.Bool("mic", d.Media.Mic, "publish microphone")
	fs.Bool("screen", d.Media.Screen, "publish screen share")
	fs.Bool("debug", false, "enable debug logging")
}

// ApplyFlags copies every explicitly set client flag into c.
func (c *Client) ApplyFlags(fs *pflag.FlagSet) error {
	a := applier{fs: fs}

	a.str("url", &c.SignalURL)
	a.str("token", &c.Token)
	a.str("room", &c.RoomID)
	if fs.Changed("ice") {
		urls, err := fs.GetStringSlice("ice")
		a.keep(err)
		c.ICEServers = []ICEServer{{URLs: urls}}
	}
	a.duration("reconnect-base", &c.Reconnect.Base)
	a.float("reconnect-factor", &c.Reconnect.Factor)
	a.integer("reconnect-attempts", &c.Reconnect.MaxAttempts)
	a.duration("ping-interval", &c.PingInterval)
	a.boolean("camera", &c.Media.Camera)
	a.boolean("mic", &c.Media.Mic)
	a.boolean("screen", &c.Media.Screen)
	a.boolean("debug", &c.Debug)

	return a.err
}

// RegisterServerFlags adds the room-server flags to fs.
func RegisterServerFlags(fs *pflag.FlagSet) {
	d := DefaultServer()
	fs.String("addr", d.Addr, "listen address")
	fs.String("env", d.Environment, "environment (production enables gin release mode)")
	fs.StringSlice("origins", nil, "allowed Origin headers (comma-separated)")
	fs.String("jwt-secret", "", "HMAC secret for authenticate tokens")
	fs.Int("max-participants", d.MaxParticipants, "default room capacity")
	fs.Bool("auto-create", d.AutoCreateRooms, "create unknown rooms on join")
	fs.String("redis", "", "Redis address for the roster mirror (empty keeps it in memory)")
	fs.Float64("frame-rate", d.FrameRate, "inbound frames per second per connection")
	fs.Int("frame-burst", d.FrameBurst, "inbound frame burst per connection")
	fs.Bool("debug", false, "enable debug logging")
}

// ApplyFlags copies every explicitly set server flag into s.
func (s *Server) ApplyFlags(fs *pflag.FlagSet) error {
	a := applier{fs: fs}

	a.str("addr", &s.Addr)
	a.str("env", &s.Environment)
	if fs.Changed("origins") {
		origins, err := fs.GetStringSlice("origins")
		a.keep(err)
		s.AllowedOrigins = origins
	}
	a.str("jwt-secret", &s.JWTSecret)
	a.integer("max-participants", &s.MaxParticipants)
	a.boolean("auto-create", &s.AutoCreateRooms)
	a.str("redis", &s.Redis.Addr)
	a.float("frame-rate", &s.FrameRate)
	a.integer("frame-burst", &s.FrameBurst)
	a.boolean("debug", &s.Debug)

	return a.err
}

// applier copies changed flags and keeps the first lookup error.
type applier struct {
	fs  *pflag.FlagSet
	err error
}

func (a *applier) keep(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *applier) str(name string, dst *string) {
	if a.fs.Changed(name) {
		v, err := a.fs.GetString(name)
		a.keep(err)
		*dst = v
	}
}

func (a *applier) integer(name string, dst *int) {
	if a.fs.Changed(name) {
		v, err := a.fs.GetInt(name)
		a.keep(err)
		*dst = v
	}
}

func (a *applier) float(name string, dst *float64) {
	if a.fs.Changed(name) {
		v, err := a.fs.GetFloat64(name)
		a.keep(err)
		*dst = v
	}
}

func (a *applier) duration(name string, dst *time.Duration) {
	if a.fs.Changed(name) {
		v, err := a.fs.GetDuration(name)
		a.keep(err)
		*dst = v
	}
}

func (a *applier) boolean(name string, dst *bool) {
	if a.fs.Changed(name) {
		v, err := a.fs.GetBool(name)
		a.keep(err)
		*dst = v
	}
}
