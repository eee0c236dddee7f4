// Copyright 2025 James Ross
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Admission bounds the API-side queue: per-tenant quotas, the global depth
// ceiling and how many bus sends may run at once.
type Admission struct {
	QueueDepthLimit     int            `mapstructure:"queue_depth_limit"`
	DispatchConcurrency int            `mapstructure:"dispatch_concurrency"`
	DefaultQuota        int            `mapstructure:"default_quota"`
	TenantQuotas        map[string]int `mapstructure:"tenant_quotas"`
	TenantQuotasJSON    string         `mapstructure:"tenant_quotas_json"`
}

// Worker bounds the pipeline side: concurrent pipelines and the in-process
// buffer between bus delivery and execution. PendingBuffer is deliberately a
// separate knob from Admission.QueueDepthLimit; the two limits are unrelated.
type Worker struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PendingBuffer     int           `mapstructure:"pending_buffer"`
	JobQueue          string        `mapstructure:"job_queue"`
	ResultQueue       string        `mapstructure:"result_queue"`
	DeadLetterList    string        `mapstructure:"dead_letter_list"`
	ProcessingPattern string        `mapstructure:"processing_pattern"`
	HeartbeatPattern  string        `mapstructure:"heartbeat_pattern"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	ReceiveTimeout    time.Duration `mapstructure:"receive_timeout"`
}

type LLM struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Deployment string        `mapstructure:"deployment"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// UsageEvents configures the worker→admission lifecycle feedback channel.
type UsageEvents struct {
	Endpoint string `mapstructure:"endpoint"`
	Secret   string `mapstructure:"secret"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type API struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	AdminRole       string        `mapstructure:"admin_role"`
	AuthSecret      string        `mapstructure:"auth_secret"`
	AuditEnabled    bool          `mapstructure:"audit_enabled"`
	AuditLogPath    string        `mapstructure:"audit_log_path"`
	AuditRotateSize int           `mapstructure:"audit_rotate_size"`
	AuditMaxBackups int           `mapstructure:"audit_max_backups"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Admission      Admission      `mapstructure:"admission"`
	Worker         Worker         `mapstructure:"worker"`
	LLM            LLM            `mapstructure:"llm"`
	UsageEvents    UsageEvents    `mapstructure:"usage_events"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	API            API            `mapstructure:"api"`

	// Warnings collects non-fatal findings from Load (e.g. a malformed
	// TENANT_HARD_QUOTAS_JSON). The caller logs them once a logger exists.
	Warnings []string `mapstructure:"-"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Admission: Admission{
			QueueDepthLimit:     50,
			DispatchConcurrency: 2,
			DefaultQuota:        5,
		},
		Worker: Worker{
			Concurrency:       4,
			PendingBuffer:     50,
			JobQueue:          "reasoning:jobs",
			ResultQueue:       "reasoning:results",
			DeadLetterList:    "reasoning:dead_letter",
			ProcessingPattern: "reasoning:consumer:%s:processing",
			HeartbeatPattern:  "reasoning:consumer:%s:heartbeat",
			HeartbeatTTL:      30 * time.Second,
			ReceiveTimeout:    1 * time.Second,
		},
		LLM: LLM{
			APIVersion: "2024-02-15-preview",
			Timeout:    60 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		API: API{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			RateLimitBurst:  20,
			AdminRole:       "admin",
			AuditLogPath:    "audit.log",
			AuditRotateSize: 100,
			AuditMaxBackups: 5,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides. The env names
// from the deployment contract (REASONING_*, TENANT_*, USAGE_EVENT_*, LLM_*)
// are bound explicitly on top of viper's automatic mapping.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"admission.queue_depth_limit":     "REASONING_QUEUE_DEPTH_LIMIT",
		"admission.dispatch_concurrency":  "REASONING_DISPATCH_CONCURRENCY",
		"admission.default_quota":         "TENANT_DEFAULT_QUOTA",
		"admission.tenant_quotas_json":    "TENANT_HARD_QUOTAS_JSON",
		"worker.concurrency":              "REASONING_CONCURRENCY",
		"worker.pending_buffer":           "REASONING_PENDING_BUFFER",
		"usage_events.endpoint":           "USAGE_EVENT_ENDPOINT",
		"usage_events.secret":             "USAGE_EVENT_SECRET",
		"llm.endpoint":                    "LLM_ENDPOINT",
		"llm.api_key":                     "LLM_API_KEY",
		"llm.deployment":                  "LLM_DEPLOYMENT",
		"llm.api_version":                 "LLM_API_VERSION",
		"api.auth_secret":                 "API_AUTH_SECRET",
		"redis.addr":                      "REDIS_ADDR",
	} {
		_ = v.BindEnv(key, env)
	}

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("admission.queue_depth_limit", def.Admission.QueueDepthLimit)
	v.SetDefault("admission.dispatch_concurrency", def.Admission.DispatchConcurrency)
	v.SetDefault("admission.default_quota", def.Admission.DefaultQuota)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.pending_buffer", def.Worker.PendingBuffer)
	v.SetDefault("worker.job_queue", def.Worker.JobQueue)
	v.SetDefault("worker.result_queue", def.Worker.ResultQueue)
	v.SetDefault("worker.dead_letter_list", def.Worker.DeadLetterList)
	v.SetDefault("worker.processing_pattern", def.Worker.ProcessingPattern)
	v.SetDefault("worker.heartbeat_pattern", def.Worker.HeartbeatPattern)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.receive_timeout", def.Worker.ReceiveTimeout)

	v.SetDefault("llm.api_version", def.LLM.APIVersion)
	v.SetDefault("llm.timeout", def.LLM.Timeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.rate_limit_per_sec", def.API.RateLimitPerSec)
	v.SetDefault("api.rate_limit_burst", def.API.RateLimitBurst)
	v.SetDefault("api.admin_role", def.API.AdminRole)
	v.SetDefault("api.audit_log_path", def.API.AuditLogPath)
	v.SetDefault("api.audit_rotate_size", def.API.AuditRotateSize)
	v.SetDefault("api.audit_max_backups", def.API.AuditMaxBackups)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyQuotaOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyQuotaOverrides merges TENANT_HARD_QUOTAS_JSON into the quota map.
// Malformed JSON or non-positive quotas are ignored with a warning rather
// than failing boot.
func applyQuotaOverrides(cfg *Config) {
	raw := strings.TrimSpace(cfg.Admission.TenantQuotasJSON)
	if raw == "" {
		return
	}
	parsed := map[string]int{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		cfg.Warnings = append(cfg.Warnings, "ignoring malformed TENANT_HARD_QUOTAS_JSON: "+err.Error())
		return
	}
	if cfg.Admission.TenantQuotas == nil {
		cfg.Admission.TenantQuotas = map[string]int{}
	}
	for tenant, quota := range parsed {
		if tenant == "" || quota <= 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring tenant quota override %q=%d", tenant, quota))
			continue
		}
		cfg.Admission.TenantQuotas[tenant] = quota
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Admission.QueueDepthLimit < 1 {
		return fmt.Errorf("admission.queue_depth_limit must be >= 1")
	}
	if cfg.Admission.DispatchConcurrency < 1 {
		return fmt.Errorf("admission.dispatch_concurrency must be >= 1")
	}
	if cfg.Admission.DefaultQuota < 1 {
		return fmt.Errorf("admission.default_quota must be >= 1")
	}
	for tenant, quota := range cfg.Admission.TenantQuotas {
		if quota < 1 {
			return fmt.Errorf("admission.tenant_quotas[%s] must be >= 1", tenant)
		}
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.PendingBuffer < 1 {
		return fmt.Errorf("worker.pending_buffer must be >= 1")
	}
	if cfg.Worker.JobQueue == "" || cfg.Worker.ResultQueue == "" || cfg.Worker.DeadLetterList == "" {
		return fmt.Errorf("worker queue names must be non-empty")
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.ReceiveTimeout <= 0 || cfg.Worker.ReceiveTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.receive_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.API.RateLimitPerSec < 0 {
		return fmt.Errorf("api.rate_limit_per_sec must be >= 0")
	}
	return nil
}
