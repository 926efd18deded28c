package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default sync epoch: the tracker starts from the beginning of 2023 on a
// fresh database unless configured otherwise.
const defaultEpoch = "2023-01-01T00:00:00Z"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NVD        NVDConfig        `yaml:"nvd"`
	OSV        OSVConfig        `yaml:"osv"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	RunMode    string           `yaml:"run_mode"`
}

// ServerConfig contains the status HTTP server configuration. A port of 0
// disables the server.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig contains PostgreSQL configuration
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	SSLMode     string `yaml:"ssl_mode"`
	MaxConns    int    `yaml:"max_conns"`
	MinConns    int    `yaml:"min_conns"`
	MaxLifetime int    `yaml:"max_lifetime"`  // minutes
	MaxIdleTime int    `yaml:"max_idle_time"` // minutes
}

// NVDConfig contains primary feed client configuration.
type NVDConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	EpochStart    string        `yaml:"epoch_start"`
	MaxWindowDays int           `yaml:"max_window_days"`
	RequestDelay  time.Duration `yaml:"request_delay"`
	ThrottleWait  time.Duration `yaml:"throttle_wait"`
	MaxRetries    int           `yaml:"max_retries"`
}

// OSVConfig contains secondary lookup client configuration.
type OSVConfig struct {
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// SchedulingConfig contains daemon-mode scheduling configuration
type SchedulingConfig struct {
	SyncInterval string `yaml:"sync_interval"`
}

// Load loads configuration from an optional YAML file (CONFIG_FILE) with
// environment variables taking precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// Build DSN if not provided directly
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = buildDSN(cfg.Database)
	}

	// Anonymous NVD access is limited to 5 requests per 30 seconds; a key
	// raises that to 50. Pick the pace accordingly unless overridden.
	if cfg.NVD.RequestDelay == 0 {
		if cfg.NVD.APIKey != "" {
			cfg.NVD.RequestDelay = 700 * time.Millisecond
		} else {
			cfg.NVD.RequestDelay = 6100 * time.Millisecond
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			Database:    "jvulndb",
			Username:    "postgres",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxLifetime: 30,
			MaxIdleTime: 5,
		},
		NVD: NVDConfig{
			BaseURL:       "https://services.nvd.nist.gov/rest/json/cpes/2.0",
			EpochStart:    defaultEpoch,
			MaxWindowDays: 120,
			ThrottleWait:  30 * time.Second,
			MaxRetries:    3,
		},
		OSV: OSVConfig{
			BaseURL:    "https://api.osv.dev",
			MaxRetries: 3,
		},
		Scheduling: SchedulingConfig{
			SyncInterval: "@daily",
		},
		RunMode: "once",
	}
}

// applyEnv overlays environment variables on top of the current values.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)

	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.Username = getEnv("DB_USER", c.Database.Username)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxConns = getEnvInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxLifetime = getEnvInt("DB_MAX_LIFETIME", c.Database.MaxLifetime)
	c.Database.MaxIdleTime = getEnvInt("DB_MAX_IDLE_TIME", c.Database.MaxIdleTime)

	c.NVD.BaseURL = getEnv("NVD_BASE_URL", c.NVD.BaseURL)
	c.NVD.APIKey = getEnv("NVD_API_KEY", c.NVD.APIKey)
	c.NVD.EpochStart = getEnv("NVD_EPOCH_START", c.NVD.EpochStart)
	c.NVD.MaxWindowDays = getEnvInt("NVD_MAX_WINDOW_DAYS", c.NVD.MaxWindowDays)
	c.NVD.RequestDelay = getEnvDuration("NVD_REQUEST_DELAY", c.NVD.RequestDelay)
	c.NVD.ThrottleWait = getEnvDuration("NVD_THROTTLE_WAIT", c.NVD.ThrottleWait)
	c.NVD.MaxRetries = getEnvInt("NVD_MAX_RETRIES", c.NVD.MaxRetries)

	c.OSV.BaseURL = getEnv("OSV_BASE_URL", c.OSV.BaseURL)
	c.OSV.MaxRetries = getEnvInt("OSV_MAX_RETRIES", c.OSV.MaxRetries)

	c.Scheduling.SyncInterval = getEnv("SYNC_INTERVAL", c.Scheduling.SyncInterval)
	c.RunMode = getEnv("RUN_MODE", c.RunMode)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.NVD.BaseURL == "" {
		return fmt.Errorf("NVD base URL is required")
	}

	if c.NVD.MaxWindowDays <= 0 {
		return fmt.Errorf("NVD max window days must be greater than 0")
	}

	if _, err := c.Epoch(); err != nil {
		return fmt.Errorf("invalid epoch start: %w", err)
	}

	if c.RunMode != "once" && c.RunMode != "daemon" {
		return fmt.Errorf("run mode must be \"once\" or \"daemon\", got %q", c.RunMode)
	}

	return nil
}

// Epoch returns the configured sync epoch as a time value.
func (c *Config) Epoch() (time.Time, error) {
	return time.Parse(time.RFC3339, c.NVD.EpochStart)
}

// MaxWindow returns the maximum fetch window span.
func (c *Config) MaxWindow() time.Duration {
	return time.Duration(c.NVD.MaxWindowDays) * 24 * time.Hour
}

// buildDSN builds a PostgreSQL DSN from individual components
func buildDSN(db DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode,
	)
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an environment variable as an integer or a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration returns an environment variable as a duration or a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
