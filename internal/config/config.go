package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"sparkles/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Backup        BackupConfig        `yaml:"backup"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	MailAPI       MailAPIConfig       `yaml:"mail_api"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Exports       ExportConfig        `yaml:"exports"`
	Google        GoogleConfig        `yaml:"google"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxTimerDelay time.Duration `yaml:"max_timer_delay"`
	RemoveGrace   time.Duration `yaml:"remove_grace"`
	// Features включённые виды событий, пустой список значит все.
	Features []string `yaml:"features"`
}

type MailAPIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	APIExtra       string        `yaml:"api_extra"`
	Timeout        time.Duration `yaml:"timeout"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type NotificationsConfig struct {
	Enabled         bool           `yaml:"enabled"`
	RateLimit       int            `yaml:"rate_limit"`
	RateLimitWindow time.Duration  `yaml:"rate_limit_window"`
	Telegram        TelegramConfig `yaml:"telegram"`
	Desktop         DesktopConfig  `yaml:"desktop"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

type DesktopConfig struct {
	Enabled bool `yaml:"enabled"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

// Enabled сообщает, хватает ли настроек для зеркала в Sheets.
func (g GoogleConfig) Enabled() bool {
	return g.CredentialsFile != "" && g.SpreadsheetID != ""
}

func Load(configPath string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.MailAPI.BaseURL == "" {
		return errors.New("mail_api base_url is required")
	}
	if c.Scheduler.RemoveGrace < 0 {
		return errors.New("scheduler remove_grace must not be negative")
	}
	if c.Scheduler.MaxTimerDelay > models.MaxTimerDelay {
		return fmt.Errorf("scheduler max_timer_delay exceeds %s", models.MaxTimerDelay)
	}
	return ValidateFeatures(c.Scheduler.Features)
}

// ValidateFeatures отклоняет неизвестные и повторяющиеся виды событий.
func ValidateFeatures(features []string) error {
	seen := make(map[string]bool)
	for _, f := range features {
		if !models.Kind(f).Valid() {
			return fmt.Errorf("unknown scheduler feature %q", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate scheduler feature %q", f)
		}
		seen[f] = true
	}
	return nil
}

// FeatureEnabled сообщает, включён ли вид kind.
func (c *Config) FeatureEnabled(kind models.Kind) bool {
	if len(c.Scheduler.Features) == 0 {
		return true
	}
	for _, f := range c.Scheduler.Features {
		if models.Kind(f) == kind {
			return true
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// при включённом API авторизация включена по умолчанию
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	// Значения планировщика по умолчанию
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = models.DefaultSweepInterval
	}
	if c.Scheduler.MaxTimerDelay == 0 {
		c.Scheduler.MaxTimerDelay = models.MaxTimerDelay
	}
	if c.Scheduler.RemoveGrace == 0 {
		c.Scheduler.RemoveGrace = models.DefaultRemoveGrace
	}

	if c.MailAPI.Timeout == 0 {
		c.MailAPI.Timeout = 10 * time.Second
	}
	if c.MailAPI.IdempotencyTTL == 0 {
		c.MailAPI.IdempotencyTTL = models.MailIdempotencyTTL
	}

	if c.Notifications.RateLimit == 0 {
		c.Notifications.RateLimit = models.NotifyRateLimit
	}
	if c.Notifications.RateLimitWindow == 0 {
		c.Notifications.RateLimitWindow = models.NotifyRateWindow
	}

	if c.Google.SheetName == "" {
		c.Google.SheetName = "Events"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}
