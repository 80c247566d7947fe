package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/api"
	"smc-signal-engine/internal/backtest"
	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/circuit"
	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/divergence"
	"smc-signal-engine/internal/heatmap"
	"smc-signal-engine/internal/logging"
	"smc-signal-engine/internal/notification"
	"smc-signal-engine/internal/risk"
	"smc-signal-engine/internal/scanner"
	"smc-signal-engine/internal/sequence"
	"smc-signal-engine/internal/signal"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	ServerConfig         api.ServerConfig      `json:"server" yaml:"server"`
	AuthConfig           AuthConfig            `json:"auth" yaml:"auth"`
	LoggingConfig        logging.Config        `json:"logging" yaml:"logging"`
	DatabaseConfig       database.Config       `json:"database" yaml:"database"`
	RedisConfig          database.RedisConfig  `json:"redis" yaml:"redis"`
	VaultConfig          VaultConfig           `json:"vault" yaml:"vault"`
	ScannerConfig        scanner.Config        `json:"scanner" yaml:"scanner"`
	EngineConfig         EngineConfig          `json:"engine" yaml:"engine"`
	CircuitBreakerConfig circuit.Config        `json:"circuit_breaker" yaml:"circuit_breaker"`
	NotificationConfig   NotificationConfig    `json:"notification" yaml:"notification"`
	WalkForwardConfig    backtest.WalkForwardConfig `json:"walk_forward" yaml:"walk_forward"`
}

// EngineConfig configures every stage of the signal pipeline
type EngineConfig struct {
	Signal      signal.Config      `json:"signal" yaml:"signal"`
	Analysis    analysis.Config    `json:"analysis" yaml:"analysis"`
	Grader      confluence.Config  `json:"grader" yaml:"grader"`
	Sequence    sequence.Config    `json:"sequence" yaml:"sequence"`
	HeatMap     heatmap.Config     `json:"heat_map" yaml:"heat_map"`
	Divergence  divergence.Config  `json:"divergence" yaml:"divergence"`
	Calibration calibration.Config `json:"calibration" yaml:"calibration"`
	Risk        risk.Config        `json:"risk" yaml:"risk"`
}

// BacktestConfig returns a replay of instrument using these stage settings
func (e EngineConfig) BacktestConfig(instrument string) backtest.Config {
	cfg := backtest.DefaultConfig(instrument)
	cfg.Signal = e.Signal
	cfg.Analysis = e.Analysis
	cfg.Grader = e.Grader
	cfg.Sequence = e.Sequence
	cfg.HeatMap = e.HeatMap
	cfg.Divergence = e.Divergence
	cfg.Calibration = e.Calibration
	cfg.Risk = e.Risk
	return cfg
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" default:"true"`
	JWTSecret string        `json:"-" yaml:"jwt_secret"` // may instead come from Vault
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl" default:"24h"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" default:"http://localhost:8200"`
	Token      string `json:"-" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path" default:"secret"`                  // KV v2 mount
	SecretPath string `json:"secret_path" yaml:"secret_path" default:"smc-signal-engine"` // service secrets
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

type NotificationConfig struct {
	Enabled bool                       `json:"enabled" yaml:"enabled" default:"true"`
	Discord notification.DiscordConfig `json:"discord" yaml:"discord"`
	Kafka   notification.KafkaConfig   `json:"kafka" yaml:"kafka"`
	Email   notification.EmailConfig   `json:"email" yaml:"email"`
}

// Default returns every section at its package defaults
func Default() *Config {
	cfg := &Config{
		ServerConfig:   api.DefaultServerConfig(),
		LoggingConfig:  logging.DefaultConfig(),
		ScannerConfig:  scanner.DefaultConfig(),
		EngineConfig:   DefaultEngineConfig(),
		CircuitBreakerConfig: circuit.DefaultConfig(),
		WalkForwardConfig:    backtest.DefaultWalkForwardConfig(),
	}
	if err := defaults.Set(cfg); err != nil {
		// tags are static; a failure here is a programming error
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// DefaultEngineConfig enables every pipeline stage at its defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Signal:      signal.DefaultConfig(),
		Analysis:    analysis.DefaultConfig(),
		Grader:      confluence.DefaultConfig(),
		Sequence:    sequence.DefaultConfig(),
		HeatMap:     heatmap.DefaultConfig(),
		Divergence:  divergence.DefaultConfig(),
		Calibration: calibration.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
	}
}

// Load reads .env, then CONFIG_FILE (default config.yaml) over the
// defaults, then environment overrides, and validates the result. A
// missing config file is not an error.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	path := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags across every section
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the file value.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowOrigins = splitList(origins)
	}

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenTTL = getEnvDurationOrDefault("AUTH_TOKEN_TTL", cfg.AuthConfig.TokenTTL)
	cfg.ServerConfig.AuthEnabled = cfg.AuthConfig.Enabled
	cfg.ServerConfig.TokenTTL = cfg.AuthConfig.TokenTTL

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)

	// Scanner config
	cfg.ScannerConfig.Enabled = getEnvBoolOrDefault("SCANNER_ENABLED", cfg.ScannerConfig.Enabled)
	cfg.ScannerConfig.Interval = getEnvDurationOrDefault("SCANNER_INTERVAL", cfg.ScannerConfig.Interval)
	cfg.ScannerConfig.CandleDir = getEnvOrDefault("CANDLE_DIR", cfg.ScannerConfig.CandleDir)
	if insts := os.Getenv("SCANNER_INSTRUMENTS"); insts != "" {
		cfg.ScannerConfig.Instruments = splitList(strings.ToUpper(insts))
	}

	// Pipeline filters
	cfg.EngineConfig.Signal.MinConfidence = getEnvFloatOrDefault("MIN_CONFIDENCE", cfg.EngineConfig.Signal.MinConfidence)
	if grade := os.Getenv("MIN_GRADE"); grade != "" {
		cfg.EngineConfig.Signal.MinGrade = confluence.Grade(grade)
	}

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.NotificationConfig.Kafka.Enabled)
	cfg.NotificationConfig.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.NotificationConfig.Kafka.Topic)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.NotificationConfig.Kafka.Brokers = splitList(brokers)
	}
	cfg.NotificationConfig.Email.Enabled = getEnvBoolOrDefault("SMTP_ENABLED", cfg.NotificationConfig.Email.Enabled)
	cfg.NotificationConfig.Email.Host = getEnvOrDefault("SMTP_HOST", cfg.NotificationConfig.Email.Host)
	cfg.NotificationConfig.Email.Port = getEnvOrDefault("SMTP_PORT", cfg.NotificationConfig.Email.Port)
	cfg.NotificationConfig.Email.Username = getEnvOrDefault("SMTP_USERNAME", cfg.NotificationConfig.Email.Username)
	cfg.NotificationConfig.Email.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.NotificationConfig.Email.Password)
	cfg.NotificationConfig.Email.From = getEnvOrDefault("SMTP_FROM", cfg.NotificationConfig.Email.From)
	if to := os.Getenv("SMTP_TO"); to != "" {
		cfg.NotificationConfig.Email.To = splitList(to)
	}

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreakerConfig.MaxConsecutiveLosses)
	cfg.CircuitBreakerConfig.MaxInstrumentLosses = getEnvIntOrDefault("CIRCUIT_MAX_INSTRUMENT_LOSSES", cfg.CircuitBreakerConfig.MaxInstrumentLosses)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)
}

// loadFromFile decodes YAML or JSON by extension over cfg
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		err = json.Unmarshal(file, cfg)
	default:
		err = yaml.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults as YAML (or JSON for a .json
// name) with placeholder secrets
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.AuthConfig.JWTSecret = "change-me"
	cfg.DatabaseConfig.Enabled = true
	cfg.ScannerConfig.Peers = map[string]string{"EUR_USD": "GBP_USD", "GBP_USD": "EUR_USD"}

	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(filename)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
