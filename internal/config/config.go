package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/gosuda/boardrelay/internal/queue"
)

// Config holds the relay configuration loaded from a document file, with
// selected values overridable from the environment.
type Config struct {
	SocketServer string          `yaml:"socket_server"`
	Token        string          `yaml:"token"` //nolint:gosec // bearer credential
	RoomID       string          `yaml:"room_id"`
	Queue        QueueConfig     `yaml:"queue"`
	DrainTimeout time.Duration   `yaml:"drain_timeout"`
	EventTimeout time.Duration   `yaml:"event_timeout"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	Redis        RedisConfig     `yaml:"redis"`
	Status       StatusConfig    `yaml:"status"`
}

// QueueConfig bounds the event queue. Capacity 0 is unbounded.
type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
}

// ReconnectConfig holds the redial policy. Disabled by default.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// RedisConfig enables the change mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` //nolint:gosec // G117: Redis connection config
	DB       int    `yaml:"db"`
}

// StatusConfig enables the status endpoint when Addr is set.
type StatusConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Option adjusts a loaded Config before validation.
type Option func(*Config)

// WithRoomID overrides room_id when id is non-empty.
func WithRoomID(id string) Option {
	return func(c *Config) {
		if id != "" {
			c.RoomID = id
		}
	}
}

func defaults() *Config {
	return &Config{
		Queue:        QueueConfig{Policy: string(queue.PolicyBlock)},
		DrainTimeout: 10 * time.Second,
		Reconnect:    ReconnectConfig{Interval: 2 * time.Second},
	}
}

// Load reads the configuration document at path and applies environment
// overrides. JSON documents may contain comments and trailing commas.
func Load(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path), opts...)
	if err != nil {
		return nil, fmt.Errorf("config.Load %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. ext selects the format
// (".json", ".jsonc", ".yaml", ".yml"); JSON is also accepted for YAML.
func Parse(data []byte, ext string, opts ...Option) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	case ".yaml", ".yml", "":
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.SocketServer = getEnv("BOARDRELAY_SOCKET_SERVER", c.SocketServer)
	c.Token = getEnv("BOARDRELAY_TOKEN", c.Token)
	c.RoomID = getEnv("BOARDRELAY_ROOM_ID", c.RoomID)
	c.Redis.Addr = getEnv("BOARDRELAY_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BOARDRELAY_REDIS_PASSWORD", c.Redis.Password)
	c.Status.Addr = getEnv("BOARDRELAY_STATUS_ADDR", c.Status.Addr)
	c.Status.CORSOrigins = getEnvList("BOARDRELAY_STATUS_CORS_ORIGINS", c.Status.CORSOrigins)

	redisDB, err := getEnvInt("BOARDRELAY_REDIS_DB", c.Redis.DB)
	if err != nil {
		return err
	}
	c.Redis.DB = redisDB

	drain, err := getEnvDuration("BOARDRELAY_DRAIN_TIMEOUT", c.DrainTimeout)
	if err != nil {
		return err
	}
	c.DrainTimeout = drain

	reconnect, err := getEnvBool("BOARDRELAY_RECONNECT", c.Reconnect.Enabled)
	if err != nil {
		return err
	}
	c.Reconnect.Enabled = reconnect

	return nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.SocketServer == "" {
		return errors.New("socket_server is required")
	}
	u, err := url.Parse(c.SocketServer)
	if err != nil {
		return fmt.Errorf("socket_server: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("socket_server must be a ws:// or wss:// URL, got %q", c.SocketServer)
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.RoomID == "" {
		return errors.New("room_id is required")
	}

	if u.Scheme == "ws" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		log.Warn().Str("socket_server", c.SocketServer).Msg("bearer token will be sent over an unencrypted connection")
	}

	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be >= 0, got %d", c.Queue.Capacity)
	}
	if _, err := queue.ParsePolicy(c.Queue.Policy); err != nil {
		return fmt.Errorf("queue.policy: %w", err)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %s", c.DrainTimeout)
	}
	if c.EventTimeout < 0 {
		return fmt.Errorf("event_timeout must be >= 0, got %s", c.EventTimeout)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.Enabled && c.Reconnect.Interval <= 0 {
		return fmt.Errorf("reconnect.interval must be positive, got %s", c.Reconnect.Interval)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", c.Redis.DB)
	}

	return nil
}

// QueueOptions converts the queue section into queue.Options.
func (c *Config) QueueOptions() queue.Options {
	policy, _ := queue.ParsePolicy(c.Queue.Policy)
	return queue.Options{Capacity: c.Queue.Capacity, Policy: policy}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
