// Package config loads chatsync settings from defaults, a config file and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. CHATSYNC_SERVER_URL.
const EnvPrefix = "CHATSYNC_"

// Transport names accepted in server.transport.
const (
	TransportWebSocket = "ws"
	TransportTCP       = "tcp"
)

// Config is the full client configuration.
type Config struct {
	Server struct {
		URL       string `koanf:"url"`
		Transport string `koanf:"transport"`
		APIURL    string `koanf:"api_url"`
	} `koanf:"server"`

	Session struct {
		UserID string `koanf:"user_id"`
		Token  string `koanf:"token"`
	} `koanf:"session"`

	Reconnect struct {
		BaseDelay   time.Duration `koanf:"base_delay"`
		MaxDelay    time.Duration `koanf:"max_delay"`
		MaxAttempts int           `koanf:"max_attempts"`
		Jitter      float64       `koanf:"jitter"`
	} `koanf:"reconnect"`

	Connection struct {
		DialTimeout time.Duration `koanf:"dial_timeout"`
		AuthTimeout time.Duration `koanf:"auth_timeout"`
		MaxPending  int           `koanf:"max_pending"`
	} `koanf:"connection"`

	Presence struct {
		TypingTTL     time.Duration `koanf:"typing_ttl"`
		SweepInterval time.Duration `koanf:"sweep_interval"`
	} `koanf:"presence"`

	Typing struct {
		MinInterval time.Duration `koanf:"min_interval"`
	} `koanf:"typing"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Metrics struct {
		Addr string `koanf:"addr"`
	} `koanf:"metrics"`
}

// Defaults returns the built-in settings as flat koanf keys.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.url":              "ws://localhost:8001/ws",
		"server.transport":        TransportWebSocket,
		"reconnect.base_delay":    time.Second,
		"reconnect.max_delay":     30 * time.Second,
		"reconnect.max_attempts":  5,
		"reconnect.jitter":        0.2,
		"connection.dial_timeout": 10 * time.Second,
		"connection.auth_timeout": 10 * time.Second,
		"connection.max_pending":  256,
		"presence.typing_ttl":     8 * time.Second,
		"presence.sweep_interval": time.Second,
		"typing.min_interval":     2 * time.Second,
		"log.level":               "info",
		"log.format":              "auto",
	}
}

// Load reads defaults, then configPath (TOML or YAML by extension) when
// given, then CHATSYNC_ environment variables.
func Load(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), parserFor(configPath)); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	// CHATSYNC_RECONNECT_BASE_DELAY -> reconnect.base_delay
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlParser{}
	default:
		return toml.Parser()
	}
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("server url is required")
	}
	switch cfg.Server.Transport {
	case TransportWebSocket:
		u, err := url.Parse(cfg.Server.URL)
		if err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("websocket server url must use ws or wss, got %q", u.Scheme)
		}
	case TransportTCP:
	default:
		return fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
	if cfg.Server.APIURL != "" {
		if _, err := url.ParseRequestURI(cfg.Server.APIURL); err != nil {
			return fmt.Errorf("invalid api url: %w", err)
		}
	}

	r := cfg.Reconnect
	if r.BaseDelay <= 0 || r.MaxDelay <= 0 {
		return fmt.Errorf("reconnect delays must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("reconnect max_delay %s is below base_delay %s", r.MaxDelay, r.BaseDelay)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must not be negative")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be within [0, 1]")
	}

	c := cfg.Connection
	if c.DialTimeout <= 0 || c.AuthTimeout <= 0 {
		return fmt.Errorf("connection timeouts must be positive")
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("connection max_pending must be positive")
	}

	if cfg.Presence.TypingTTL < 0 {
		return fmt.Errorf("presence typing_ttl must not be negative")
	}
	if cfg.Presence.TypingTTL > 0 && cfg.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep_interval must be positive when typing_ttl is set")
	}
	return nil
}

// InitConfig writes a sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# chatsync configuration

[server]
url = "ws://localhost:8001/ws"
transport = "ws"
# api_url = "http://localhost:8001/api"

[session]
user_id = "your-user-id"
# token = "your-access-token"

[reconnect]
base_delay = "1s"
max_delay = "30s"
max_attempts = 5
jitter = 0.2

[connection]
dial_timeout = "10s"
auth_timeout = "10s"
max_pending = 256

[presence]
typing_ttl = "8s"
sweep_interval = "1s"

[typing]
min_interval = "2s"

[log]
level = "info"
format = "auto"

[metrics]
# addr = "127.0.0.1:9108"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}
