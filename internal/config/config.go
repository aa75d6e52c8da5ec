package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// JWTSecretEnv overrides auth.jwt_secret when set.
const JWTSecretEnv = "AUCTIOND_JWT_SECRET"

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Hub            HubConfig            `yaml:"hub"`
	Events         EventsConfig         `yaml:"events"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	DBName       string        `yaml:"dbname"`
	SSLMode      string        `yaml:"sslmode"`
	Driver       string        `yaml:"driver"` // "postgres" or "memory"
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	Migrate      bool          `yaml:"migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds connection credential settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// HubConfig holds live connection settings.
type HubConfig struct {
	SendBuffer        int           `yaml:"send_buffer"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadLimit         int64         `yaml:"read_limit"`
}

// EventsConfig holds domain event publishing settings. An empty AMQPURL
// disables publishing.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
	// QueueSize is how many events may wait for the broker before new
	// ones are dropped.
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	LogLevel       string `yaml:"log_level"` // debug, info, warn or error
	// SampleRatio is the fraction of root traces kept; 0 keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			SSLMode:      "disable",
			Driver:       "postgres",
			LockTimeout:  5 * time.Second,
			MaxOpenConns: 20,
		},
		Hub: HubConfig{
			SendBuffer:        64,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReadLimit:         4096,
		},
		Events: EventsConfig{
			Exchange:       "auction.events",
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			RetryDelay:     2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if secret := os.Getenv(JWTSecretEnv); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set %s)", JWTSecretEnv)
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be positive, got %d", c.Hub.SendBuffer)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %g", r)
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive, got %s", c.Hub.WriteTimeout)
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	if c.Events.PublishTimeout <= 0 {
		return fmt.Errorf("events.publish_timeout must be positive, got %s", c.Events.PublishTimeout)
	}
	return nil
}
