// Package config loads relay and agent settings from a YAML file and the
// environment. Command-line flags are applied on top by cmd/termrelay.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the configuration for `termrelay relay`.
type RelayConfig struct {
	// Addr is the listen address. PORT, when set, overrides the port.
	Addr string `yaml:"addr"`

	// StaticDir is an optional directory of viewer assets served at /.
	StaticDir string `yaml:"static_dir"`

	CodeTTL             time.Duration `yaml:"code_ttl"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	SlowConsumerTimeout time.Duration `yaml:"slow_consumer_timeout"`
	QueueSize           int           `yaml:"queue_size"`
	MaxSessions         int           `yaml:"max_sessions"`
	MaxMessageSize      int64         `yaml:"max_message_size"`

	// AllowedOrigins restricts browser upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AdminSecret signs bearer tokens for /api/sessions. The admin API is
	// disabled when empty.
	AdminSecret string `yaml:"admin_secret"`

	// AdminTailnetOnly additionally limits the admin API to loopback and
	// tailnet (100.64.0.0/10) peers.
	AdminTailnetOnly bool `yaml:"admin_tailnet_only"`
}

// AgentConfig is the configuration for `termrelay agent`.
type AgentConfig struct {
	// RelayURL is the relay WebSocket endpoint, e.g. wss://relay.example/ws.
	RelayURL string `yaml:"relay_url"`

	// ViewerURL is the browser page a code is entered on. When set the agent
	// prints it as a QR code with the code attached.
	ViewerURL string `yaml:"viewer_url"`

	// ClientID identifies this machine across reconnects. Generated when empty.
	ClientID string `yaml:"client_id"`

	Shell string `yaml:"shell"`

	// Tmux, when set, runs every sub-session inside `tmux new-session -A -s <name>`.
	Tmux        string `yaml:"tmux"`
	KillOnClose bool   `yaml:"kill_on_close"`

	// HookSocket, when set, is a Unix socket path where local shells can
	// register themselves as sub-sessions.
	HookSocket string `yaml:"hook_socket"`

	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type File struct {
	Relay RelayConfig `yaml:"relay"`
	Agent AgentConfig `yaml:"agent"`
}

func DefaultRelay() RelayConfig {
	return RelayConfig{
		Addr:                ":8080",
		CodeTTL:             5 * time.Minute,
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        30 * time.Second,
		SlowConsumerTimeout: 2 * time.Second,
		QueueSize:           256,
		MaxMessageSize:      1 << 20,
	}
}

func DefaultAgent() AgentConfig {
	return AgentConfig{
		RelayURL:   "ws://127.0.0.1:8080/ws",
		Shell:      "bash",
		MinBackoff: time.Second,
		MaxBackoff: 32 * time.Second,
	}
}

func Default() File {
	return File{Relay: DefaultRelay(), Agent: DefaultAgent()}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (File, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return File{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func (f *File) applyEnv(lookup func(string) (string, bool)) error {
	if port, ok := lookup("PORT"); ok && port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		f.Relay.Addr = ":" + port
	}
	if v, ok := lookup("TERMRELAY_ADDR"); ok && v != "" {
		f.Relay.Addr = v
	}
	if v, ok := lookup("TERMRELAY_STATIC_DIR"); ok {
		f.Relay.StaticDir = v
	}
	if v, ok := lookup("TERMRELAY_ADMIN_SECRET"); ok {
		f.Relay.AdminSecret = v
	}
	if v, ok := lookup("TERMRELAY_CODE_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TERMRELAY_CODE_TTL: %w", err)
		}
		f.Relay.CodeTTL = d
	}
	if v, ok := lookup("TERMRELAY_RELAY_URL"); ok && v != "" {
		f.Agent.RelayURL = v
	}
	if v, ok := lookup("TERMRELAY_VIEWER_URL"); ok {
		f.Agent.ViewerURL = v
	}
	if v, ok := lookup("TERMRELAY_CLIENT_ID"); ok && v != "" {
		f.Agent.ClientID = v
	}
	if v, ok := lookup("TERMRELAY_HOOK_SOCKET"); ok {
		f.Agent.HookSocket = v
	}
	return nil
}

func (c RelayConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.CodeTTL <= 0 {
		return errors.New("code_ttl must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return errors.New("ping_interval must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue_size must be positive")
	}
	if c.MaxSessions < 0 {
		return errors.New("max_sessions must not be negative")
	}
	for _, origin := range c.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed_origins: invalid origin %q", origin)
		}
	}
	return nil
}

func (c AgentConfig) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay_url: unsupported scheme %q (supported: ws, wss)", u.Scheme)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("backoff: need 0 < min_backoff <= max_backoff, got %s and %s", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}
