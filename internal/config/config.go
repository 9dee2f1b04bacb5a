// Package config holds the participant and room-server configuration.
//
// Values are layered, lowest precedence first: built-in defaults, an
// optional YAML file, environment variables, then command-line flags that
// were set explicitly.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Reconnect is the signaling reconnect budget.
type Reconnect struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	MaxAttempts int           `yaml:"maxAttempts"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// Media selects the capture devices published on join.
type Media struct {
	Camera bool `yaml:"camera"`
	Mic    bool `yaml:"mic"`
	Screen bool `yaml:"screen"`
}

// Client configures one participant process.
type Client struct {
	SignalURL    string        `yaml:"signalUrl"`
	Token        string        `yaml:"token"`
	RoomID       string        `yaml:"room"`
	ICEServers   []ICEServer   `yaml:"iceServers"`
	Reconnect    Reconnect     `yaml:"reconnect"`
	PingInterval time.Duration `yaml:"pingInterval"`
	Media        Media         `yaml:"media"`
	Debug        bool          `yaml:"debug"`
}

// Room pre-declares one room on the server.
type Room struct {
	ID              string `yaml:"id"`
	MaxParticipants int    `yaml:"maxParticipants"`
	// Allow lists the user IDs admitted; empty admits everyone.
	Allow []string `yaml:"allow"`
}

// Redis locates the optional roster mirror.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Server configures the reference room server.
type Server struct {
	Addr            string   `yaml:"addr"`
	Environment     string   `yaml:"environment"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	JWTSecret       string   `yaml:"jwtSecret"`
	MaxParticipants int      `yaml:"maxParticipants"`
	Rooms           []Room   `yaml:"rooms"`
	AutoCreateRooms bool     `yaml:"autoCreateRooms"`
	Redis           Redis    `yaml:"redis"`
	// FrameRate and FrameBurst limit inbound frames per connection.
	FrameRate  float64 `yaml:"frameRate"`
	FrameBurst int     `yaml:"frameBurst"`
	Debug      bool    `yaml:"debug"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// DefaultClient returns the built-in participant configuration.
func DefaultClient() Client {
	return Client{
		SignalURL: "ws://127.0.0.1:8080/ws",
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Reconnect: Reconnect{
			Base:        500 * time.Millisecond,
			Factor:      2,
			MaxAttempts: 5,
		},
		PingInterval: 25 * time.Second,
		Media:        Media{Camera: true, Mic: true},
	}
}

// DefaultServer returns the built-in server configuration.
func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		Environment:     "development",
		JWTSecret:       "change-me-in-production",
		MaxParticipants: 8,
		AutoCreateRooms: true,
		FrameRate:       50,
		FrameBurst:      100,
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadClient layers the YAML file at path (if any) and the environment
// over the defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer layers the YAML file at path (if any) and the environment
// over the defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every problem found.
func (c Client) Validate() error {
	var errs []error

	u, err := url.Parse(c.SignalURL)
	switch {
	case c.SignalURL == "":
		errs = append(errs, errors.New("signal URL is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("signal URL: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("signal URL scheme must be ws or wss, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("signal URL has no host"))
	}

	if c.Reconnect.Base <= 0 {
		errs = append(errs, errors.New("reconnect base must be positive"))
	}
	if c.Reconnect.Factor < 1 {
		errs = append(errs, fmt.Errorf("reconnect factor must be >= 1, got %v", c.Reconnect.Factor))
	}
	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect maxAttempts must be >= 1, got %d", c.Reconnect.MaxAttempts))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping interval must not be negative"))
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice server %d has no URLs", i))
		}
	}

	return errors.Join(errs...)
}

// Validate reports every problem found.
func (s Server) Validate() error {
	var errs []error

	if s.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if s.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	}
	if s.MaxParticipants < 2 {
		errs = append(errs, fmt.Errorf("maxParticipants must be >= 2, got %d", s.MaxParticipants))
	}
	if s.FrameRate <= 0 || s.FrameBurst < 1 {
		errs = append(errs, errors.New("frame rate and burst must be positive"))
	}

	seen := make(map[string]bool, len(s.Rooms))
	for _, r := range s.Rooms {
		if r.ID == "" {
			errs = append(errs, errors.New("room without id"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("room %s declared twice", r.ID))
		}
		seen[r.ID] = true
	}

	return errors.Join(errs...)
}

// WebRTCICEServers converts the ICE list for pion.
func (c Client) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
