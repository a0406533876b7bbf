package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Locks         LockConfig          `yaml:"locks"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Notify        NotifyConfig        `yaml:"notify"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

type GRPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
	// SinkURL receives warn and above entries as JSON when set.
	SinkURL    string `yaml:"sink_url" validate:"omitempty,url"`
	SinkAPIKey string `yaml:"sink_api_key"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `yaml:"service_name"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type LockConfig struct {
	Backend  string        `yaml:"backend" validate:"oneof=store redis"`
	StartTTL time.Duration `yaml:"start_ttl" validate:"gt=0"`
	StepTTL  time.Duration `yaml:"step_ttl" validate:"gt=0"`
	// WaitTimeout bounds how long resume and recovery wait for the step lock.
	// Stop and pause never wait; they leave a request for the running step.
	WaitTimeout time.Duration `yaml:"wait_timeout" validate:"gt=0"`
}

type SchedulerConfig struct {
	PollSpec            string        `yaml:"poll_spec" validate:"required"`
	BatchSize           int           `yaml:"batch_size" validate:"gt=0"`
	PollConcurrency     int           `yaml:"poll_concurrency" validate:"gt=0"`
	ContentionRetry     time.Duration `yaml:"contention_retry" validate:"gt=0"`
	BaseBackoff         time.Duration `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff          time.Duration `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	DefaultMaxRetries   int           `yaml:"default_max_retries" validate:"gte=0"`
	RecoveryConcurrency int           `yaml:"recovery_concurrency" validate:"gt=0"`
}

type MonitoringConfig struct {
	HealthSpec         string        `yaml:"health_spec" validate:"required"`
	MinSamples         int           `yaml:"min_samples" validate:"gte=0"`
	MaxFailureRate     float64       `yaml:"max_failure_rate" validate:"gte=0,lte=1"`
	MinSuccessRate     float64       `yaml:"min_success_rate" validate:"gte=0,lte=1"`
	MaxAvgExecution    time.Duration `yaml:"max_avg_execution" validate:"gt=0"`
	MaxQueueDepth      int           `yaml:"max_queue_depth" validate:"gt=0"`
	MaxAlerts          int           `yaml:"max_alerts" validate:"gt=0"`
	AlertWebhookURL    string        `yaml:"alert_webhook_url" validate:"omitempty,url"`
	AlertBufferSize    int           `yaml:"alert_buffer_size" validate:"gt=0"`
	AlertFlushInterval time.Duration `yaml:"alert_flush_interval" validate:"gt=0"`
}

type DefinitionsConfig struct {
	Dir       string        `yaml:"dir"`
	CacheTTL  time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	CacheSize int           `yaml:"cache_size" validate:"gt=0"`
}

type CollaboratorsConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	ContentTimeout    time.Duration `yaml:"content_timeout" validate:"gt=0"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" validate:"gt=0"`
	ContinuousTimeout time.Duration `yaml:"continuous_timeout" validate:"gt=0"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	MinRequests      uint32        `yaml:"min_requests"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
}

type NotifyConfig struct {
	EventBusURL string `yaml:"event_bus_url" validate:"omitempty,url"`
	AuditLogURL string `yaml:"audit_log_url" validate:"omitempty,url"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 9114,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "growth-orchestrator",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Locks: LockConfig{
			Backend:     "store",
			StartTTL:    30 * time.Second,
			StepTTL:     5 * time.Minute,
			WaitTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollSpec:            "@every 60s",
			BatchSize:           100,
			PollConcurrency:     8,
			ContentionRetry:     2 * time.Second,
			BaseBackoff:         5 * time.Second,
			MaxBackoff:          5 * time.Minute,
			DefaultMaxRetries:   3,
			RecoveryConcurrency: 8,
		},
		Monitoring: MonitoringConfig{
			HealthSpec:         "@every 5m",
			MinSamples:         10,
			MaxFailureRate:     0.2,
			MinSuccessRate:     0.8,
			MaxAvgExecution:    30 * time.Second,
			MaxQueueDepth:      1000,
			MaxAlerts:          100,
			AlertBufferSize:    64,
			AlertFlushInterval: 10 * time.Second,
		},
		Definitions: DefinitionsConfig{
			CacheTTL:  5 * time.Minute,
			CacheSize: 128,
		},
		Collaborators: CollaboratorsConfig{
			ContentTimeout:    10 * time.Second,
			BatchTimeout:      2 * time.Minute,
			ContinuousTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				MinRequests:      5,
				FailureThreshold: 0.6,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("APP_SERVER_HOST", &cfg.Server.Host)
	envInt("APP_SERVER_PORT", &cfg.Server.Port)
	envString("APP_GRPC_HOST", &cfg.GRPC.Host)
	envInt("APP_GRPC_PORT", &cfg.GRPC.Port)
	envString("APP_LOG_LEVEL", &cfg.Logging.Level)
	envString("APP_LOG_ENCODING", &cfg.Logging.Encoding)
	envString("APP_LOG_SINK_URL", &cfg.Logging.SinkURL)
	envString("APP_LOG_SINK_API_KEY", &cfg.Logging.SinkAPIKey)
	if v := strings.TrimSpace(os.Getenv("APP_TELEMETRY_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = parsed
		}
	}
	envString("APP_TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	envString("APP_DATABASE_DRIVER", &cfg.Database.Driver)
	envString("APP_DATABASE_DSN", &cfg.Database.DSN)
	envString("APP_REDIS_ADDR", &cfg.Redis.Addr)
	envString("APP_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("APP_REDIS_DB", &cfg.Redis.DB)
	envString("APP_LOCK_BACKEND", &cfg.Locks.Backend)
	envString("APP_SCHEDULER_POLL_SPEC", &cfg.Scheduler.PollSpec)
	envInt("APP_SCHEDULER_MAX_RETRIES", &cfg.Scheduler.DefaultMaxRetries)
	envDuration("APP_SCHEDULER_BASE_BACKOFF", &cfg.Scheduler.BaseBackoff)
	envDuration("APP_SCHEDULER_MAX_BACKOFF", &cfg.Scheduler.MaxBackoff)
	envString("APP_MONITORING_HEALTH_SPEC", &cfg.Monitoring.HealthSpec)
	envString("APP_MONITORING_ALERT_WEBHOOK_URL", &cfg.Monitoring.AlertWebhookURL)
	envString("APP_DEFINITIONS_DIR", &cfg.Definitions.Dir)
	envString("APP_COLLABORATORS_BASE_URL", &cfg.Collaborators.BaseURL)
	envString("APP_NOTIFY_EVENT_BUS_URL", &cfg.Notify.EventBusURL)
	envString("APP_NOTIFY_AUDIT_LOG_URL", &cfg.Notify.AuditLogURL)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
