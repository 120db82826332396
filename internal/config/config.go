package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the FireGuard server.
type Config struct {
	HTTPPort        int           `yaml:"http_port"`
	MQTTBindAddress string        `yaml:"mqtt_bind"`
	DatabasePath    string        `yaml:"database_path"`
	GeoJSONDir      string        `yaml:"geojson_dir"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	MDNSEnabled     bool          `yaml:"mdns_enabled"`
	SubscriberQueue int           `yaml:"subscriber_queue"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
}

const (
	defaultHTTPPort        = 4000
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/fireguard.db"
	defaultGeoJSONDir      = "data"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultSubscriberQueue = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		GeoJSONDir:      defaultGeoJSONDir,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		SubscriberQueue: defaultSubscriberQueue,
		WriteTimeout:    defaultWriteTimeout,
		PingInterval:    defaultPingInterval,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing order of precedence. An empty path
// falls back to FIREGUARD_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FIREGUARD_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("FIREGUARD_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIREGUARD_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v, ok := os.LookupEnv("FIREGUARD_MQTT_BIND"); ok {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("FIREGUARD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("FIREGUARD_GEOJSON_DIR"); v != "" {
		cfg.GeoJSONDir = v
	}

	if v := os.Getenv("FIREGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("FIREGUARD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if v := os.Getenv("FIREGUARD_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FIREGUARD_MDNS: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	if v := os.Getenv("FIREGUARD_SUBSCRIBER_QUEUE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIREGUARD_SUBSCRIBER_QUEUE: %w", err)
		}
		cfg.SubscriberQueue = size
	}

	if v := os.Getenv("FIREGUARD_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}

	if v := os.Getenv("FIREGUARD_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FIREGUARD_WRITE_TIMEOUT: %w", err)
		}
		cfg.WriteTimeout = d
	}

	if v := os.Getenv("FIREGUARD_PING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FIREGUARD_PING_INTERVAL: %w", err)
		}
		cfg.PingInterval = d
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTPPort)
	}
	if c.DatabasePath == "" {
		return errors.New("database path is required")
	}
	if c.SubscriberQueue <= 0 {
		return fmt.Errorf("subscriber queue must be positive, got %d", c.SubscriberQueue)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	return nil
}

// OriginAllowed reports whether a browser origin may open the event stream.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
