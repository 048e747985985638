package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Dunning       DunningConfig       `mapstructure:"dunning"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// GatewayConfig points at the three processors. Per-merchant credentials live in
// the merchant_gateway_configs table; these are the processor endpoints and the
// shared transport settings.
type GatewayConfig struct {
	InstantTransferURL string        `mapstructure:"instant_transfer_url"`
	BankSlipURL        string        `mapstructure:"bank_slip_url"`
	CardURL            string        `mapstructure:"card_url"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`

	InstantTransferExpiry time.Duration `mapstructure:"instant_transfer_expiry"`
	BankSlipBusinessDays  int           `mapstructure:"bank_slip_business_days"`
}

type DunningConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	GracePeriodDays int           `mapstructure:"grace_period_days"`
	RetrySchedule   []int         `mapstructure:"retry_schedule"`
	BatchWorkers    int           `mapstructure:"batch_workers"`
	RunLockTTL      time.Duration `mapstructure:"run_lock_ttl"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills the global billing constants when the config file leaves
// them out: retry schedule [0,2,5,7], maxRetries 4, grace period 7 days,
// instant-transfer window 30 minutes, bank-slip expiry after 2 business days.
func (c *Config) ApplyDefaults() {
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 15 * time.Second
	}
	if c.Gateway.InstantTransferExpiry <= 0 {
		c.Gateway.InstantTransferExpiry = 30 * time.Minute
	}
	if c.Gateway.BankSlipBusinessDays <= 0 {
		c.Gateway.BankSlipBusinessDays = 2
	}
	if c.Dunning.MaxRetries <= 0 {
		c.Dunning.MaxRetries = 4
	}
	if c.Dunning.GracePeriodDays <= 0 {
		c.Dunning.GracePeriodDays = 7
	}
	if len(c.Dunning.RetrySchedule) == 0 {
		c.Dunning.RetrySchedule = []int{0, 2, 5, 7}
	}
	if c.Dunning.BatchWorkers <= 0 {
		c.Dunning.BatchWorkers = 8
	}
	if c.Dunning.RunLockTTL <= 0 {
		c.Dunning.RunLockTTL = 10 * time.Minute
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds a config from environment variables for container
// deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_SERVER_PORT", 8080),
			BaseURL:           getEnv("HTTP_SERVER_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("HTTP_SERVER_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Source:          getEnv("DATABASE_SOURCE", ""),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Gateway: GatewayConfig{
			InstantTransferURL: getEnv("GATEWAY_INSTANT_TRANSFER_URL", ""),
			BankSlipURL:        getEnv("GATEWAY_BANK_SLIP_URL", ""),
			CardURL:            getEnv("GATEWAY_CARD_URL", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOGGING_LEVEL", "info"),
				Format: getEnv("LOGGING_FORMAT", "json"),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Dunning.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("dunning config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	for name, raw := range map[string]string{
		"instant_transfer_url": c.InstantTransferURL,
		"bank_slip_url":        c.BankSlipURL,
		"card_url":             c.CardURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func (c *DunningConfig) Validate() error {
	// a schedule shorter than max_retries is allowed: the last offset is reused
	// for attempts past the end of the schedule
	for i := 1; i < len(c.RetrySchedule); i++ {
		if c.RetrySchedule[i] < c.RetrySchedule[i-1] {
			return errors.New("retry_schedule must be non-decreasing")
		}
	}
	return nil
}
