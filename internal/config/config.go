// Package config loads the service configuration: defaults, then an
// optional YAML file, then environment overrides for the values that
// differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"mycel/internal/routing"
)

// Config holds all mycel configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Routing       RoutingConfig       `yaml:"routing"`
	Reinforcement ReinforcementConfig `yaml:"reinforcement"`
	Security      SecurityConfig      `yaml:"security"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MailboxCapacity bounds each recipient's pending queue.
	MailboxCapacity int `yaml:"mailbox_capacity"`
}

// StoreConfig configures Postgres.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the shared rate limiter backend. An empty Addr
// selects the in-process limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RoutingConfig mirrors the routing engine tunables.
type RoutingConfig struct {
	Alpha         float64 `yaml:"alpha"`
	Beta          float64 `yaml:"beta"`
	Gamma         float64 `yaml:"gamma"`
	Epsilon       float64 `yaml:"epsilon"`
	EpsilonFloor  float64 `yaml:"epsilon_floor"`
	Lambda        float64 `yaml:"lambda"`
	OverlapCutoff float64 `yaml:"overlap_cutoff"`
}

// Engine converts the section into the routing engine's config.
func (r RoutingConfig) Engine() routing.Config {
	return routing.Config{
		Alpha:         r.Alpha,
		Beta:          r.Beta,
		Gamma:         r.Gamma,
		Epsilon:       r.Epsilon,
		EpsilonFloor:  r.EpsilonFloor,
		Lambda:        r.Lambda,
		OverlapCutoff: r.OverlapCutoff,
	}
}

// ReinforcementConfig mirrors the Hebbian update tunables.
type ReinforcementConfig struct {
	AlphaPos    float64 `yaml:"alpha_pos"`
	AlphaNeg    float64 `yaml:"alpha_neg"`
	ThetaPos    float64 `yaml:"theta_pos"`
	DecayLambda float64 `yaml:"decay_lambda"`
	EMAFactor   float64 `yaml:"ema_factor"`
}

// SecurityConfig configures credentials and crypto.
type SecurityConfig struct {
	// JWTSecret is the HMAC secret for bearer token verification.
	JWTSecret string `yaml:"jwt_secret"`
	// EncryptionMasterKey derives per-tenant envelope keys. Empty disables
	// storing confidential and secret memories.
	EncryptionMasterKey string `yaml:"encryption_master_key"`
	// AuditKeyFile is the hex-encoded Ed25519 seed; empty means an
	// ephemeral development key.
	AuditKeyFile string `yaml:"audit_key_file"`
}

// MaintenanceConfig configures the scheduler.
type MaintenanceConfig struct {
	DecayInterval  time.Duration `yaml:"decay_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RouteRetention time.Duration `yaml:"route_retention"`
	// StaleEdgeBelow and StaleEdgeAfter select edges for deletion during
	// decay.
	StaleEdgeBelow float64       `yaml:"stale_edge_below"`
	StaleEdgeAfter time.Duration `yaml:"stale_edge_after"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the production defaults.
func Default() *Config {
	rc := routing.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MailboxCapacity: 100,
		},
		Routing: RoutingConfig{
			Alpha:         rc.Alpha,
			Beta:          rc.Beta,
			Gamma:         rc.Gamma,
			Epsilon:       rc.Epsilon,
			EpsilonFloor:  rc.EpsilonFloor,
			Lambda:        rc.Lambda,
			OverlapCutoff: rc.OverlapCutoff,
		},
		Reinforcement: ReinforcementConfig{
			AlphaPos:    0.08,
			AlphaNeg:    0.04,
			ThetaPos:    0.6,
			DecayLambda: 0.02,
			EMAFactor:   0.1,
		},
		Maintenance: MaintenanceConfig{
			DecayInterval:  6 * time.Hour,
			SweepInterval:  5 * time.Minute,
			RouteRetention: 7 * 24 * time.Hour,
			StaleEdgeBelow: 0.02,
			StaleEdgeAfter: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MYCEL_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("MYCEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("ENCRYPTION_MASTER_KEY"); v != "" {
		cfg.Security.EncryptionMasterKey = v
	}
	if v := os.Getenv("AUDIT_SIGNING_KEY_FILE"); v != "" {
		cfg.Security.AuditKeyFile = v
	}
	if v := os.Getenv("MYCEL_DECAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.DecayInterval = d
		}
	}
	if v := os.Getenv("MYCEL_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Maintenance.SweepInterval = d
		}
	}
	if v := os.Getenv("MYCEL_DEFAULT_EPSILON"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Routing.Epsilon = f
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (or DATABASE_URL)")
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required (or JWT_SECRET)")
	}
	if c.Routing.Alpha < 0 || c.Routing.Beta < 0 || c.Routing.Gamma < 0 {
		return fmt.Errorf("routing weights must not be negative")
	}
	if c.Routing.Epsilon < 0 || c.Routing.Epsilon > 1 {
		return fmt.Errorf("routing.epsilon must be in [0,1]")
	}
	if c.Routing.Lambda < 0 || c.Routing.Lambda > 1 {
		return fmt.Errorf("routing.lambda must be in [0,1]")
	}
	if c.Reinforcement.ThetaPos <= 0 || c.Reinforcement.ThetaPos >= 1 {
		return fmt.Errorf("reinforcement.theta_pos must be in (0,1)")
	}
	if c.Maintenance.DecayInterval <= 0 || c.Maintenance.SweepInterval <= 0 {
		return fmt.Errorf("maintenance intervals must be positive")
	}
	return nil
}
