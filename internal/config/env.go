package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// env reads variables through getenv so tests can substitute a map.
type env struct {
	getenv func(string) string
	errs   []string
}

func (e *env) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *env) list(key string, dst *[]string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *env) integer(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q: not an integer", key, v))
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q: not a number", key, v))
		return
	}
	*dst = f
}

func (e *env) duration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q: not a duration", key, v))
		return
	}
	*dst = d
}

func (e *env) boolean(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q: not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *env) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("environment: %s", strings.Join(e.errs, "; "))
}

func (c *Client) applyEnv(getenv func(string) string) error {
	e := &env{getenv: getenv}

	e.str("MESHROOM_SIGNAL_URL", &c.SignalURL)
	e.str("MESHROOM_TOKEN", &c.Token)
	e.str("MESHROOM_ROOM", &c.RoomID)

	var urls []string
	e.list("MESHROOM_ICE_SERVERS", &urls)
	if len(urls) > 0 {
		c.ICEServers = []ICEServer{{URLs: urls}}
		e.str("MESHROOM_ICE_USERNAME", &c.ICEServers[0].Username)
		e.str("MESHROOM_ICE_CREDENTIAL", &c.ICEServers[0].Credential)
	}

	e.duration("MESHROOM_RECONNECT_BASE", &c.Reconnect.Base)
	e.float("MESHROOM_RECONNECT_FACTOR", &c.Reconnect.Factor)
	e.integer("MESHROOM_RECONNECT_MAX_ATTEMPTS", &c.Reconnect.MaxAttempts)
	e.duration("MESHROOM_RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay)
	e.duration("MESHROOM_PING_INTERVAL", &c.PingInterval)

	e.boolean("MESHROOM_CAMERA", &c.Media.Camera)
	e.boolean("MESHROOM_MIC", &c.Media.Mic)
	e.boolean("MESHROOM_SCREEN", &c.Media.Screen)
	e.boolean("MESHROOM_DEBUG", &c.Debug)

	return e.err()
}

func (s *Server) applyEnv(getenv func(string) string) error {
	e := &env{getenv: getenv}

	if port := getenv("PORT"); port != "" {
		s.Addr = ":" + port
	}
	e.str("MESHROOM_ADDR", &s.Addr)
	e.str("ENVIRONMENT", &s.Environment)
	e.list("ALLOWED_ORIGINS", &s.AllowedOrigins)
	e.str("JWT_SECRET", &s.JWTSecret)
	e.integer("MESHROOM_MAX_PARTICIPANTS", &s.MaxParticipants)
	e.boolean("MESHROOM_AUTO_CREATE_ROOMS", &s.AutoCreateRooms)
	e.float("MESHROOM_FRAME_RATE", &s.FrameRate)
	e.integer("MESHROOM_FRAME_BURST", &s.FrameBurst)
	e.boolean("MESHROOM_DEBUG", &s.Debug)

	if host := getenv("REDIS_HOST"); host != "" {
		port := getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		s.Redis.Addr = net.JoinHostPort(host, port)
	}
	e.str("REDIS_ADDR", &s.Redis.Addr)
	e.str("REDIS_PASSWORD", &s.Redis.Password)
	e.integer("REDIS_DB", &s.Redis.DB)

	return e.err()
}
