// Package config provides configuration management for the upload scheduler.
// It loads configuration from environment variables and .env files, with an
// optional YAML overlay for destinations and routing.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // slot timezones must resolve on minimal images

	"github.com/joho/godotenv"

	"github.com/gravixrdp/yt-automation/internal/models"
)

// Config holds all application configuration
type Config struct {
	Scheduler SchedulerConfig
	Quota     QuotaConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Notify    NotifyConfig
	OAuth     OAuthConfig
	Server    ServerConfig
	Media     MediaConfig
	Logging   LoggingConfig

	// Routing, usually supplied by the YAML overlay
	Destinations   []models.Destination
	StaticMappings map[string]string

	// UploaderCommands maps a platform to the command that publishes to it
	UploaderCommands map[string]string
}

// SchedulerConfig holds queue and pipeline tuning
type SchedulerConfig struct {
	InstanceID             string
	PollInterval           time.Duration
	MaxWorkers             int
	UploadsPerDayPerDest   int
	UploadSpacing          time.Duration
	SpacingMaxWait         time.Duration // longer waits are deferred instead of slept
	StaleInProgress        time.Duration
	MaxUploadAttempts      int
	RetryBackoffBase       time.Duration
	RetryBackoffGrowth     float64
	DuplicateLookback      time.Duration
	RecordRetentionDays    int
	ReconcileSchedule      string // cron expression
	CleanupSchedule        string // cron expression
	CleanupMaxAttempts     int
	ExternalCallTimeout    time.Duration
	UploadTimeout          time.Duration
	DisplayTimezone        string
	UploadSlots            []string // HH:MM in DisplayTimezone
	SourceRequestsPerSec   float64
	CredentialRefreshAhead time.Duration
}

// QuotaConfig holds per-pool upload cost budgets
type QuotaConfig struct {
	Pools            []string
	DailyLimit       int
	UnitsPerUpload   int
	SafetyMargin     float64
	MeteredPlatforms []string
}

// StoreConfig holds the embedded job store location
type StoreConfig struct {
	SQLitePath string
}

// DatabaseConfig holds external database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds the candidate database configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns a golang-migrate compatible connection URL
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds the analytics sink configuration. Empty Host disables it.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether an event sink is configured
func (c ClickHouseConfig) Enabled() bool { return c.Host != "" }

// RedisConfig holds the lock backend configuration. Empty Host disables it.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool { return c.Host != "" }

// NotifyConfig holds the admin alert channel. Empty URL logs alerts instead.
type NotifyConfig struct {
	AMQPURL    string
	Exchange   string
	RoutingKey string
}

// OAuthConfig holds the token endpoint used to refresh destination credentials.
// Empty TokenURL disables proactive refresh.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// ServerConfig holds the inspection API configuration
type ServerConfig struct {
	Host string
	Port string
	RPS  int
}

// MediaConfig locates the external media tools
type MediaConfig struct {
	WorkDir     string
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Scheduler: SchedulerConfig{
			InstanceID:             getEnv("INSTANCE_ID", "scheduler_01"),
			PollInterval:           getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
			MaxWorkers:             getEnvAsInt("MAX_CONCURRENT_WORKERS", 2),
			UploadsPerDayPerDest:   getEnvAsInt("UPLOADS_PER_DAY_PER_DEST", 2),
			UploadSpacing:          getEnvAsDuration("UPLOAD_SPACING", 600*time.Second),
			SpacingMaxWait:         getEnvAsDuration("UPLOAD_SPACING_MAX_WAIT", 300*time.Second),
			StaleInProgress:        getEnvAsDuration("STALE_IN_PROGRESS", 2*time.Hour),
			MaxUploadAttempts:      getEnvAsInt("MAX_UPLOAD_ATTEMPTS", 3),
			RetryBackoffBase:       getEnvAsDuration("RETRY_BACKOFF_BASE", 2*time.Minute),
			RetryBackoffGrowth:     getEnvAsFloat("RETRY_BACKOFF_GROWTH", 3.0),
			DuplicateLookback:      getEnvAsDuration("DUPLICATE_LOOKBACK", 30*24*time.Hour),
			RecordRetentionDays:    getEnvAsInt("RECORD_RETENTION_DAYS", 90),
			ReconcileSchedule:      getEnv("RECONCILE_SCHEDULE", "@every 1h"),
			CleanupSchedule:        getEnv("CLEANUP_SCHEDULE", "@every 1m"),
			CleanupMaxAttempts:     getEnvAsInt("CLEANUP_MAX_ATTEMPTS", 10),
			ExternalCallTimeout:    getEnvAsDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),
			UploadTimeout:          getEnvAsDuration("UPLOAD_TIMEOUT", 15*time.Minute),
			DisplayTimezone:        getEnv("DISPLAY_TIMEZONE", "Asia/Kolkata"),
			UploadSlots:            getEnvAsList("UPLOAD_SLOTS_LOCAL", "09:00,12:00,15:00,18:00"),
			SourceRequestsPerSec:   getEnvAsFloat("SOURCE_REQUESTS_PER_SEC", 5),
			CredentialRefreshAhead: getEnvAsDuration("CREDENTIAL_REFRESH_AHEAD", 10*time.Minute),
		},
		Quota: QuotaConfig{
			Pools:            getEnvAsList("QUOTA_POOLS", "default"),
			DailyLimit:       getEnvAsInt("YT_QUOTA_LIMIT", 10000),
			UnitsPerUpload:   getEnvAsInt("UNITS_PER_UPLOAD", 1600),
			SafetyMargin:     getEnvAsFloat("QUOTA_SAFETY_MARGIN", 0.8),
			MeteredPlatforms: getEnvAsList("QUOTA_METERED_PLATFORMS", models.PlatformYouTube),
		},
		Store: StoreConfig{
			SQLitePath: getEnv("QUEUE_DB_PATH", "data/queue.db"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "yt_automation"),
				User:           getEnv("POSTGRES_USER", "scheduler"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "yt_automation"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Notify: NotifyConfig{
			AMQPURL:    getEnv("ALERT_AMQP_URL", ""),
			Exchange:   getEnv("ALERT_EXCHANGE", "scheduler.alerts"),
			RoutingKey: getEnv("ALERT_ROUTING_KEY", "admin"),
		},
		OAuth: OAuthConfig{
			TokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
			ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		},
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "127.0.0.1"),
			Port: getEnv("SERVER_PORT", "8090"),
			RPS:  getEnvAsInt("SERVER_RPS", 20),
		},
		Media: MediaConfig{
			WorkDir:     getEnv("MEDIA_WORK_DIR", os.TempDir()),
			YtDlpPath:   getEnv("YTDLP_PATH", "yt-dlp"),
			FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	mappings, err := getEnvAsStringMap("STATIC_MAPPINGS")
	if err != nil {
		return nil, err
	}
	config.StaticMappings = mappings

	uploaders, err := getEnvAsStringMap("UPLOADER_COMMANDS")
	if err != nil {
		return nil, err
	}
	config.UploaderCommands = uploaders

	if path := getEnv("SCHEDULER_CONFIG_FILE", ""); path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate checks invariants the scheduler relies on
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxWorkers < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_WORKERS must be at least 1"))
	}
	if c.Scheduler.UploadsPerDayPerDest < 1 {
		errs = append(errs, errors.New("UPLOADS_PER_DAY_PER_DEST must be at least 1"))
	}
	if c.Scheduler.MaxUploadAttempts < 1 {
		errs = append(errs, errors.New("MAX_UPLOAD_ATTEMPTS must be at least 1"))
	}
	if c.Scheduler.RetryBackoffGrowth < 1 {
		errs = append(errs, errors.New("RETRY_BACKOFF_GROWTH must be >= 1"))
	}
	if _, err := time.LoadLocation(c.Scheduler.DisplayTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DISPLAY_TIMEZONE: %w", err))
	}
	for _, slot := range c.Scheduler.UploadSlots {
		if _, err := time.Parse("15:04", slot); err != nil {
			errs = append(errs, fmt.Errorf("invalid upload slot %q", slot))
		}
	}
	if c.Quota.SafetyMargin <= 0 || c.Quota.SafetyMargin > 1 {
		errs = append(errs, errors.New("QUOTA_SAFETY_MARGIN must be in (0, 1]"))
	}
	if c.Quota.UnitsPerUpload < 0 || c.Quota.DailyLimit < 0 {
		errs = append(errs, errors.New("quota limits cannot be negative"))
	}
	if len(c.Quota.Pools) == 0 {
		errs = append(errs, errors.New("at least one quota pool is required"))
	}
	return errors.Join(errs...)
}

// Location returns the display timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsStringMap parses a JSON object variable such as STATIC_MAPPINGS
func getEnvAsStringMap(key string) (map[string]string, error) {
	out := make(map[string]string)
	raw := getEnv(key, "")
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", key, err)
	}
	return out, nil
}
