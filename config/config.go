package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// VideoConfig holds the video codec and bitrate settings passed into
// router media codec descriptors and transport bitrate caps.
type VideoConfig struct {
	Codec             string `yaml:"codec"               env:"CODEC"               envDefault:"VP8"`
	MaxBitrateKbps    int    `yaml:"max_bitrate_kbps"    env:"MAX_BITRATE_KBPS"    envDefault:"3000"`
	MinBitrateKbps    int    `yaml:"min_bitrate_kbps"    env:"MIN_BITRATE_KBPS"    envDefault:"300"`
	TargetBitrateKbps int    `yaml:"target_bitrate_kbps" env:"TARGET_BITRATE_KBPS" envDefault:"1500"`
	MaxFramerate      int    `yaml:"max_framerate"       env:"MAX_FRAMERATE"       envDefault:"30"`
}

// AudioConfig holds the audio codec settings.
type AudioConfig struct {
	Codec       string `yaml:"codec"        env:"CODEC"        envDefault:"opus"`
	BitrateKbps int    `yaml:"bitrate_kbps" env:"BITRATE_KBPS" envDefault:"64"`
	SampleRate  int    `yaml:"sample_rate"  env:"SAMPLE_RATE"  envDefault:"48000"`
}

// LoggingConfig routes observability output.
type LoggingConfig struct {
	Level   string `yaml:"level"   env:"LOG_LEVEL"   envDefault:"info"`
	File    string `yaml:"file"    env:"LOG_FILE"`
	Console bool   `yaml:"console" env:"LOG_CONSOLE" envDefault:"true"`
}

// ICEServerEntry is one STUN or TURN entry forwarded to clients.
type ICEServerEntry struct {
	URLs       []string `yaml:"urls"       json:"urls"`
	Username   string   `yaml:"username"   json:"username,omitempty"`
	Credential string   `yaml:"credential" json:"credential,omitempty"`
}

// Config is the server configuration, loaded once at startup from an
// optional YAML file with environment variables taking precedence.
type Config struct {
	Host           string `yaml:"host"            env:"HOST"            envDefault:"0.0.0.0"`
	Port           int    `yaml:"port"            env:"PORT"            envDefault:"8082"`
	WebSocketPort  int    `yaml:"websocket_port"  env:"WEBSOCKET_PORT"  envDefault:"8083"`
	MaxConnections int    `yaml:"max_connections" env:"MAX_CONNECTIONS" envDefault:"1000"`

	// AnnouncedIP is the public IP advertised in ICE candidates.
	// Required in production.
	AnnouncedIP string `yaml:"announced_ip" env:"ANNOUNCED_IP"`

	STUNURL        string `yaml:"stun_url"        env:"STUN_URL" envDefault:"stun:stun.l.google.com:19302"`
	TURNURL        string `yaml:"turn_url"        env:"TURN_URL"`
	TURNUsername   string `yaml:"turn_username"   env:"TURN_USERNAME"`
	TURNCredential string `yaml:"turn_credential" env:"TURN_CREDENTIAL"`

	// ExtraICEServers come from the config file only; the STUN/TURN
	// environment entries above are appended to them.
	ExtraICEServers []ICEServerEntry `yaml:"ice_servers" env:"-"`

	MaxRooms           int `yaml:"max_rooms"            env:"MAX_ROOMS"            envDefault:"100"`
	MaxViewersPerRoom  int `yaml:"max_viewers_per_room" env:"MAX_VIEWERS_PER_ROOM" envDefault:"100"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" env:"IDLE_TIMEOUT_SECONDS" envDefault:"300"`

	Environment string `yaml:"environment" env:"NODE_ENV" envDefault:"development"`

	Video   VideoConfig   `yaml:"video"   envPrefix:"VIDEO_"`
	Audio   AudioConfig   `yaml:"audio"   envPrefix:"AUDIO_"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads the configuration file at path (if non-empty and present)
// and then overlays environment variables on top of it.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IdleTimeout returns the reaper threshold as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ICEServers assembles the full ICE server list forwarded to clients
// in the welcome frame.
func (c *Config) ICEServers() []ICEServerEntry {
	servers := make([]ICEServerEntry, 0, len(c.ExtraICEServers)+2)
	servers = append(servers, c.ExtraICEServers...)
	if c.STUNURL != "" {
		servers = append(servers, ICEServerEntry{URLs: strings.Split(c.STUNURL, ",")})
	}
	if c.TURNURL != "" {
		servers = append(servers, ICEServerEntry{
			URLs:       strings.Split(c.TURNURL, ","),
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}

// WebRTCConfig builds a webrtc.Configuration from the ICE server list.
func (c *Config) WebRTCConfig() webrtc.Configuration {
	entries := c.ICEServers()
	iceServers := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		s := webrtc.ICEServer{URLs: e.URLs}
		if e.Username != "" {
			s.Username = e.Username
			s.Credential = e.Credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, s)
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

// hasSTUN reports whether at least one ICE entry is a STUN server.
func (c *Config) hasSTUN() bool {
	for _, e := range c.ICEServers() {
		for _, u := range e.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				return true
			}
		}
	}
	return false
}

// hasTURN reports whether at least one ICE entry is a TURN server.
func (c *Config) hasTURN() bool {
	for _, e := range c.ICEServers() {
		for _, u := range e.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

// Validate checks the configuration once at startup. It returns every
// problem found, not just the first, so an invalid production config
// aborts boot with a complete diagnostic. Warnings are non-fatal.
func (c *Config) Validate() (warnings []string, err error) {
	var problems []string

	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.WebSocketPort <= 0 || c.WebSocketPort > 65535 {
		problems = append(problems, fmt.Sprintf("websocket_port %d out of range", c.WebSocketPort))
	}
	if c.Port == c.WebSocketPort {
		problems = append(problems, "port and websocket_port must differ")
	}
	if c.MaxRooms <= 0 {
		problems = append(problems, "max_rooms must be positive")
	}
	if c.MaxViewersPerRoom <= 0 {
		problems = append(problems, "max_viewers_per_room must be positive")
	}
	if c.IdleTimeoutSeconds <= 0 {
		problems = append(problems, "idle_timeout_seconds must be positive")
	}
	if c.Video.MaxBitrateKbps < c.Video.MinBitrateKbps {
		problems = append(problems, "video.max_bitrate_kbps below video.min_bitrate_kbps")
	}
	if !c.hasSTUN() {
		problems = append(problems, "ice_servers must contain at least one STUN entry")
	}

	if c.IsProduction() {
		if c.AnnouncedIP == "" {
			problems = append(problems, "announced_ip is required in production")
		} else if net.ParseIP(c.AnnouncedIP) == nil {
			problems = append(problems, fmt.Sprintf("announced_ip %q is not a valid IP", c.AnnouncedIP))
		}
		if !c.hasTURN() {
			warnings = append(warnings, "no TURN server configured; clients behind strict NATs may fail to connect")
		}
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return warnings, nil
}
