package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the home directory.
const FileName = "jobplane.yaml"

// Config is the daemon configuration. Every key can be overridden from the environment with
// the JOBPLANE_ prefix, dots replaced by underscores (JOBPLANE_STALL_INTERVALSECONDS).
type Config struct {
	Cluster   string          `mapstructure:"cluster"`
	Listen    ListenConfig    `mapstructure:"listen"`
	DB        DBConfig        `mapstructure:"db"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Stall     StallConfig     `mapstructure:"stall"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

type ListenConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"apiKey"`
	Pprof  bool   `mapstructure:"pprof"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

type DispatchConfig struct {
	MaxWaitSeconds  int `mapstructure:"maxWaitSeconds"`
	RecheckMillis   int `mapstructure:"recheckMillis"`
	LivenessSeconds int `mapstructure:"livenessSeconds"`
}

type StallConfig struct {
	IntervalSeconds int `mapstructure:"intervalSeconds"`
	Batch           int `mapstructure:"batch"`
}

// PolicyConfig holds the cluster default policy, the lowest precedence layer.
type PolicyConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeoutSeconds"`
	RetryCountOnStall int    `mapstructure:"retryCountOnStall"`
	ApprovalMode      string `mapstructure:"approvalMode"`
}

type AgentConfig struct {
	Provider           string  `mapstructure:"provider"` // openai, grpc, or echo
	BaseURL            string  `mapstructure:"baseURL"`
	APIKey             string  `mapstructure:"apiKey"`
	Model              string  `mapstructure:"model"`
	ReasonerAddr       string  `mapstructure:"reasonerAddr"`
	TimeoutSeconds     int     `mapstructure:"timeoutSeconds"`
	MaxSteps           int     `mapstructure:"maxSteps"`
	MaxRetries         int     `mapstructure:"maxRetries"`
	BackoffMillis      int     `mapstructure:"backoffMillis"`
	ContextBudgetChars int     `mapstructure:"contextBudgetChars"`
	Workers            int     `mapstructure:"workers"`
	SweepSeconds       int     `mapstructure:"sweepSeconds"`
	Temperature        float64 `mapstructure:"temperature"`
}

type BlobConfig struct {
	Backend  string      `mapstructure:"backend"` // ledger or minio
	MaxBytes int64       `mapstructure:"maxBytes"`
	MinIO    MinIOConfig `mapstructure:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

type NotifyConfig struct {
	SlackWebhook string   `mapstructure:"slackWebhook"`
	Webhooks     []string `mapstructure:"webhooks"`
}

type TelemetryConfig struct {
	ServiceName string        `mapstructure:"serviceName"`
	Metrics     bool          `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Exporter    string            `mapstructure:"exporter"` // none, stdout, otlpgrpc, otlphttp
	Endpoint    string            `mapstructure:"endpoint"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
	SampleRatio float64           `mapstructure:"sampleRatio"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster", "default")
	v.SetDefault("listen.addr", "127.0.0.1:3548")
	v.SetDefault("listen.apiKey", "")
	v.SetDefault("listen.pprof", false)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.url", "")
	v.SetDefault("db.maxConns", 10)
	v.SetDefault("dispatch.maxWaitSeconds", 60)
	v.SetDefault("dispatch.recheckMillis", 1000)
	v.SetDefault("dispatch.livenessSeconds", 60)
	v.SetDefault("stall.intervalSeconds", 5)
	v.SetDefault("stall.batch", 100)
	v.SetDefault("policy.timeoutSeconds", 30)
	v.SetDefault("policy.retryCountOnStall", 0)
	v.SetDefault("policy.approvalMode", "none")
	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.baseURL", "https://api.openai.com")
	v.SetDefault("agent.apiKey", "")
	v.SetDefault("agent.model", "gpt-4o-mini")
	v.SetDefault("agent.reasonerAddr", "")
	v.SetDefault("agent.timeoutSeconds", 120)
	v.SetDefault("agent.maxSteps", 20)
	v.SetDefault("agent.maxRetries", 3)
	v.SetDefault("agent.backoffMillis", 500)
	v.SetDefault("agent.contextBudgetChars", 60000)
	v.SetDefault("agent.workers", 4)
	v.SetDefault("agent.sweepSeconds", 30)
	v.SetDefault("agent.temperature", 0.0)
	v.SetDefault("blob.backend", "ledger")
	v.SetDefault("blob.maxBytes", 8<<20)
	v.SetDefault("blob.minio.endpoint", "")
	v.SetDefault("blob.minio.accessKey", "")
	v.SetDefault("blob.minio.secretKey", "")
	v.SetDefault("blob.minio.bucket", "jobplane-blobs")
	v.SetDefault("blob.minio.useSSL", false)
	v.SetDefault("notify.slackWebhook", "")
	v.SetDefault("notify.webhooks", []string{})
	v.SetDefault("telemetry.serviceName", "jobplane")
	v.SetDefault("telemetry.metrics", true)
	v.SetDefault("telemetry.tracing.exporter", "none")
	v.SetDefault("telemetry.tracing.endpoint", "")
	v.SetDefault("telemetry.tracing.insecure", false)
	v.SetDefault("telemetry.tracing.sampleRatio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration with no file and no environment overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads path, or <home>/jobplane.yaml when path is empty, then applies JOBPLANE_*
// environment overrides. A missing default file is not an error; a missing explicit path is.
func Load(home, path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JOBPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit && home != "" {
		path = filepath.Join(home, FileName)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
	case "postgres":
		if c.DB.URL == "" {
			return errors.New("db.url is required when db.driver=postgres")
		}
	default:
		return fmt.Errorf("db.driver: unknown driver %q", c.DB.Driver)
	}
	switch c.Blob.Backend {
	case "ledger", "minio":
	default:
		return fmt.Errorf("blob.backend: unknown backend %q", c.Blob.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.Policy.TimeoutSeconds <= 0 {
		return errors.New("policy.timeoutSeconds must be positive")
	}
	if c.Policy.RetryCountOnStall < 0 {
		return errors.New("policy.retryCountOnStall must not be negative")
	}
	if c.Stall.IntervalSeconds <= 0 || c.Stall.IntervalSeconds >= c.Policy.TimeoutSeconds {
		return fmt.Errorf("stall.intervalSeconds must be positive and below policy.timeoutSeconds (%d)", c.Policy.TimeoutSeconds)
	}
	return nil
}

// Seconds converts a config value in seconds.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a config value in milliseconds.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
