// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// WebSocketConfig holds the WebSocket gateway settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// Path is the URL path that upgrades to a WebSocket.
	Path string `mapstructure:"path"`
	// ReadTimeout is how long a connection may stay silent before it is dropped.
	// Pongs extend the deadline.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive ping period. Must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// TCPConfig holds the newline-delimited JSON TCP gateway settings.
type TCPConfig struct {
	// Enabled turns the TCP gateway on.
	Enabled bool `mapstructure:"enabled"`
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-line read timeout.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-line write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// RelayConfig holds room and coordinator tuning.
type RelayConfig struct {
	// MaxPlayers is the room capacity, 1 to RoomCapacity.
	MaxPlayers int `mapstructure:"max_players"`
	// CodeLength is the number of characters in a generated room code.
	CodeLength int `mapstructure:"code_length"`
	// CodeAttempts bounds the collision retries when allocating a room code.
	CodeAttempts int `mapstructure:"code_attempts"`
	// InboxSize is the coordinator inbound queue depth.
	InboxSize int `mapstructure:"inbox_size"`
	// OutboxSize is the per-connection outbound queue depth.
	OutboxSize int `mapstructure:"outbox_size"`
	// GuessPolicy selects how guesses are classified: "placeholder", "exact" or "lua".
	GuessPolicy string `mapstructure:"guess_policy"`
	// PlaceholderAnswer is the substring the placeholder policy treats as correct.
	PlaceholderAnswer string `mapstructure:"placeholder_answer"`
	// PolicyScript is a Lua file or directory defining is_correct(guess, song).
	// Required when GuessPolicy is "lua".
	PolicyScript string `mapstructure:"policy_script"`
	// ScriptInstructionLimit bounds the Lua opcodes per policy call. 0 uses the scripting default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// Guess policy names accepted by relay.guess_policy.
const (
	PolicyPlaceholder = "placeholder"
	PolicyExact       = "exact"
	PolicyLua         = "lua"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	TCP       TCPConfig       `mapstructure:"tcp"`
	Health    HealthConfig    `mapstructure:"health"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateWebSocket(c.WebSocket),
		validateTCP(c.TCP),
		validateHealth(c.Health),
		validateRelay(c.Relay),
		validateLogging(c.Logging),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.ReadTimeout <= 0 {
		errs = append(errs, "websocket.read_timeout must be positive")
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.ReadTimeout {
		errs = append(errs, "websocket.ping_interval must be positive and shorter than websocket.read_timeout")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTCP(t TCPConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if !validPort(t.Port) {
		errs = append(errs, fmt.Sprintf("tcp.port must be 0-65535, got %d", t.Port))
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "tcp.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "tcp.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.Host == "" {
		return errors.New("health.host must not be empty")
	}
	if !validPort(h.Port) {
		return fmt.Errorf("health.port must be 0-65535, got %d", h.Port)
	}
	return nil
}

// RoomCapacity is the largest room the relay supports.
const RoomCapacity = 4

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.MaxPlayers < 1 || r.MaxPlayers > RoomCapacity {
		errs = append(errs, fmt.Sprintf("relay.max_players must be 1-%d, got %d", RoomCapacity, r.MaxPlayers))
	}
	if r.CodeLength < 4 || r.CodeLength > 12 {
		errs = append(errs, fmt.Sprintf("relay.code_length must be 4-12, got %d", r.CodeLength))
	}
	if r.CodeAttempts < 1 {
		errs = append(errs, fmt.Sprintf("relay.code_attempts must be >= 1, got %d", r.CodeAttempts))
	}
	if r.InboxSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.inbox_size must be >= 1, got %d", r.InboxSize))
	}
	if r.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.outbox_size must be >= 1, got %d", r.OutboxSize))
	}
	switch r.GuessPolicy {
	case PolicyPlaceholder:
		if strings.TrimSpace(r.PlaceholderAnswer) == "" {
			errs = append(errs, "relay.placeholder_answer must not be blank for the placeholder policy")
		}
	case PolicyExact:
	case PolicyLua:
		if strings.TrimSpace(r.PolicyScript) == "" {
			errs = append(errs, "relay.policy_script is required for the lua policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.guess_policy must be one of [placeholder, exact, lua], got %q", r.GuessPolicy))
	}
	if r.ScriptInstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("relay.script_instruction_limit must be >= 0, got %d", r.ScriptInstructionLimit))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadEnvFile exports the KEY=VALUE pairs in a dotenv file into the process
// environment so RELAY_* overrides can live beside the binary. Variables that
// are already set win over the file.
//
// Postcondition: Returns nil when path is empty or the file does not exist.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 3001)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "25s")

	v.SetDefault("tcp.enabled", false)
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 3002)
	v.SetDefault("tcp.read_timeout", "5m")
	v.SetDefault("tcp.write_timeout", "10s")

	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 50061)

	v.SetDefault("relay.max_players", 4)
	v.SetDefault("relay.code_length", 5)
	v.SetDefault("relay.code_attempts", 8)
	v.SetDefault("relay.inbox_size", 256)
	v.SetDefault("relay.outbox_size", 64)
	v.SetDefault("relay.guess_policy", PolicyPlaceholder)
	v.SetDefault("relay.placeholder_answer", "song")
	v.SetDefault("relay.policy_script", "")
	v.SetDefault("relay.script_instruction_limit", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
