package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".selfopt/config.yaml"

type EngineConfig struct {
	Window         int           `yaml:"window"`
	MinSamples     int           `yaml:"min_samples"`
	SuccessFloor   float64       `yaml:"success_floor"`
	BatchTrigger   int           `yaml:"batch_trigger"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

type MetricsConfig struct {
	Retention           int     `yaml:"retention"`
	BottleneckThreshold float64 `yaml:"bottleneck_threshold_ms"`
}

type RecorderConfig struct {
	Retention int `yaml:"retention"`
}

type QueueConfig struct {
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxBatchBytes int           `yaml:"max_batch_bytes"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
}

type MonitorConfig struct {
	// ImprovementRate caps improvement requests per second. Zero means unlimited.
	ImprovementRate  float64 `yaml:"improvement_rate"`
	ImprovementBurst int     `yaml:"improvement_burst"`
}

type LearnerConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	Platform      string        `yaml:"platform"`
	ClientVersion string        `yaml:"client_version"`
}

type FilterConfig struct {
	IgnoreMethods    []string `yaml:"ignore_methods"`
	IgnoreExtensions []string `yaml:"ignore_extensions"`
	IgnorePaths      []string `yaml:"ignore_paths"`
}

type SanitizeConfig struct {
	ContextKeys []string `yaml:"context_keys"`
	Replacement string   `yaml:"replacement"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CORSOrigin is the allowed origin for browser hosts. Empty allows any.
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Recorder RecorderConfig `yaml:"recorder"`
	Queue    QueueConfig    `yaml:"queue"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Learner  LearnerConfig  `yaml:"learner"`
	Filter   FilterConfig   `yaml:"filter"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Output   OutputConfig   `yaml:"output"`
	Log      LogConfig      `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Engine.Window == 0 {
		c.Engine.Window = 20
	}
	if c.Engine.MinSamples == 0 {
		c.Engine.MinSamples = 10
	}
	if c.Engine.SuccessFloor == 0 {
		c.Engine.SuccessFloor = 0.8
	}
	if c.Engine.BatchTrigger == 0 {
		c.Engine.BatchTrigger = 10
	}
	if c.Engine.DrainInterval == 0 {
		c.Engine.DrainInterval = 5 * time.Minute
	}
	if c.Engine.ExportInterval == 0 {
		c.Engine.ExportInterval = 60 * time.Minute
	}
	if c.Metrics.Retention == 0 {
		c.Metrics.Retention = 1000
	}
	if c.Metrics.BottleneckThreshold == 0 {
		c.Metrics.BottleneckThreshold = 2000
	}
	if c.Recorder.Retention == 0 {
		c.Recorder.Retention = 1000
	}
	if c.Queue.MaxBatchSize == 0 {
		c.Queue.MaxBatchSize = 50
	}
	if c.Queue.MaxBatchBytes == 0 {
		c.Queue.MaxBatchBytes = 1 << 20
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = time.Second
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = 5 * time.Minute
	}
	if c.Monitor.ImprovementBurst == 0 {
		c.Monitor.ImprovementBurst = 1
	}
	if c.Learner.BaseURL == "" {
		c.Learner.BaseURL = "http://127.0.0.1:8000/api"
	}
	if c.Learner.Timeout == 0 {
		c.Learner.Timeout = 30 * time.Second
	}
	if c.Learner.MaxRetries == 0 {
		c.Learner.MaxRetries = 2
	}
	if c.Learner.Platform == "" {
		c.Learner.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if c.Learner.ClientVersion == "" {
		c.Learner.ClientVersion = "dev"
	}
	if len(c.Filter.IgnoreMethods) == 0 {
		c.Filter.IgnoreMethods = []string{"OPTIONS", "HEAD"}
	}
	if len(c.Filter.IgnoreExtensions) == 0 {
		c.Filter.IgnoreExtensions = []string{".js", ".css", ".png", ".jpg", ".gif", ".svg", ".woff", ".woff2", ".ico", ".map"}
	}
	if len(c.Filter.IgnorePaths) == 0 {
		c.Filter.IgnorePaths = []string{"/static/", "/assets/", "/favicon"}
	}
	if len(c.Sanitize.ContextKeys) == 0 {
		c.Sanitize.ContextKeys = []string{"password", "secret", "token", "api_key", "access_token", "refresh_token", "credential", "authorization", "cookie"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, ".selfopt", "selfopt.db")
		} else {
			c.Store.Path = "selfopt.db"
		}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3100
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "./reports"
	}
	if len(c.Output.Formats) == 0 {
		c.Output.Formats = []string{"markdown", "yaml"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Engine.MinSamples > c.Engine.Window {
		return fmt.Errorf("engine.min_samples (%d) cannot exceed engine.window (%d)", c.Engine.MinSamples, c.Engine.Window)
	}
	if c.Engine.SuccessFloor <= 0 || c.Engine.SuccessFloor > 1 {
		return errors.New("engine.success_floor must be in (0, 1]")
	}
	if c.Engine.DrainInterval < time.Second || c.Engine.ExportInterval < time.Second {
		return errors.New("engine intervals must be at least 1s")
	}
	if c.Metrics.Retention < c.Engine.Window {
		return errors.New("metrics.retention cannot be smaller than engine.window")
	}
	if c.Queue.MaxBatchSize <= 0 {
		return errors.New("queue.max_batch_size must be positive")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		return errors.New("queue.backoff_max cannot be smaller than queue.backoff_base")
	}
	if c.Monitor.ImprovementRate < 0 {
		return errors.New("monitor.improvement_rate cannot be negative")
	}
	if strings.TrimSpace(c.Learner.BaseURL) == "" {
		return errors.New("learner.base_url cannot be empty")
	}
	return nil
}

// ValidateReport enforces report-specific requirements.
func (c *Config) ValidateReport() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output.dir cannot be empty")
	}
	if err := ensureWritableDir(c.Output.Dir); err != nil {
		return fmt.Errorf("output.dir not writable: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setFloat(&c.Engine.SuccessFloor, "SELFOPT_ENGINE_SUCCESS_FLOOR")
	setDuration(&c.Engine.DrainInterval, "SELFOPT_ENGINE_DRAIN_INTERVAL")
	setDuration(&c.Engine.ExportInterval, "SELFOPT_ENGINE_EXPORT_INTERVAL")
	setInt(&c.Queue.MaxBatchSize, "SELFOPT_QUEUE_MAX_BATCH_SIZE")
	setFloat(&c.Monitor.ImprovementRate, "SELFOPT_MONITOR_IMPROVEMENT_RATE")
	setString(&c.Learner.BaseURL, "SELFOPT_LEARNER_BASE_URL")
	setString(&c.Learner.APIKey, "SELFOPT_LEARNER_API_KEY")
	setDuration(&c.Learner.Timeout, "SELFOPT_LEARNER_TIMEOUT")
	setString(&c.Learner.ClientVersion, "SELFOPT_LEARNER_CLIENT_VERSION")
	setString(&c.Store.Path, "SELFOPT_STORE_PATH")
	setString(&c.Server.Host, "SELFOPT_SERVER_HOST")
	setInt(&c.Server.Port, "SELFOPT_SERVER_PORT")
	setString(&c.Server.CORSOrigin, "SELFOPT_SERVER_CORS_ORIGIN")
	setString(&c.Output.Dir, "SELFOPT_OUTPUT_DIR")
	setString(&c.Log.Level, "SELFOPT_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
