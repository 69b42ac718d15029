package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"docproc/internal/docstore/postgres"
	"docproc/internal/generation"
	"docproc/internal/guard"
	"docproc/internal/kafka"
	"docproc/internal/keyspace"
	"docproc/internal/observability"
	"docproc/internal/ratelimit"
	"docproc/internal/retry"
	"docproc/internal/worker"
)

const DefaultPath = "config/config.yaml"

type Config struct {
	API             APIConfig                   `yaml:"api"`
	Worker          worker.Config               `yaml:"worker"`
	RetryDispatcher RetryConfig                 `yaml:"retry_dispatcher"`
	Redis           RedisConfig                 `yaml:"redis"`
	Jobs            JobsConfig                  `yaml:"jobs"`
	Postgres        postgres.Config             `yaml:"postgres"`
	Storage         StorageConfig               `yaml:"storage"`
	Generation      generation.Config           `yaml:"generation"`
	Kafka           kafka.Config                `yaml:"kafka"`
	Security        SecurityConfig              `yaml:"security"`
	Tracing         observability.TracingConfig `yaml:"tracing"`
	Log             observability.LogConfig     `yaml:"log"`
}

type APIConfig struct {
	Addr           string        `yaml:"addr"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
}

type RetryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type JobsConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelays are seconds to wait after the 1st, 2nd, ... failed attempt.
	RetryDelays []int         `yaml:"retry_delays"`
	TTL         time.Duration `yaml:"ttl"`
}

func (c JobsConfig) Policy() retry.Policy {
	delays := make([]time.Duration, len(c.RetryDelays))
	for i, s := range c.RetryDelays {
		delays[i] = time.Duration(s) * time.Second
	}
	return retry.Policy{Delays: delays, MaxAttempts: c.MaxAttempts}
}

type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
}

type SecurityConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	ExemptPaths  []string `yaml:"exempt_paths"`
	guard.Config `yaml:",inline"`
	// Rules maps an operation class to the windows it is limited by.
	Rules map[string][]ratelimit.Window `yaml:"rules"`
}

func (c SecurityConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func DefaultRules() map[string][]ratelimit.Window {
	return map[string][]ratelimit.Window{
		"intake": {
			{Size: time.Minute, Limit: 10},
			{Size: time.Hour, Limit: 100},
			{Size: 24 * time.Hour, Limit: 500},
		},
		"status": {
			{Size: time.Minute, Limit: 120},
		},
		"cancel": {
			{Size: time.Minute, Limit: 30},
		},
		"trigger": {
			{Size: time.Minute, Limit: 10},
			{Size: time.Hour, Limit: 60},
		},
	}
}

// Load reads an optional .env file, then the YAML file at path, then applies
// environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = ":8080"
	}
	if c.API.RunTimeout <= 0 {
		c.API.RunTimeout = 5 * time.Minute
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.PollTimeout <= 0 {
		c.Worker.PollTimeout = 5 * time.Second
	}
	if c.Worker.ErrorPause <= 0 {
		c.Worker.ErrorPause = time.Second
	}
	if c.RetryDispatcher.PollInterval <= 0 {
		c.RetryDispatcher.PollInterval = 1 * time.Second
	}
	if strings.TrimSpace(c.Redis.KeyPrefix) == "" {
		c.Redis.KeyPrefix = keyspace.DefaultPrefix
	}

	policy := retry.DefaultPolicy()
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = policy.MaxAttempts
	}
	if len(c.Jobs.RetryDelays) == 0 {
		for _, d := range policy.Delays {
			c.Jobs.RetryDelays = append(c.Jobs.RetryDelays, int(d/time.Second))
		}
	}
	if c.Jobs.TTL <= 0 {
		c.Jobs.TTL = keyspace.JobTTL
	}

	if strings.TrimSpace(c.Storage.UploadsDir) == "" {
		c.Storage.UploadsDir = "uploads"
	}
	if strings.TrimSpace(c.Generation.Model) == "" {
		c.Generation.Model = "gemini-2.5-flash"
	}
	if c.Generation.Timeout <= 0 {
		c.Generation.Timeout = 3 * time.Minute
	}
	if strings.TrimSpace(c.Kafka.EventsTopic) == "" {
		c.Kafka.EventsTopic = "docproc.job-events"
	}
	if strings.TrimSpace(c.Kafka.ClientID) == "" {
		c.Kafka.ClientID = "docproc"
	}

	c.Security.applyDefaults()
	if strings.TrimSpace(c.Tracing.Service) == "" {
		c.Tracing.Service = "docproc"
	}
}

func (s *SecurityConfig) applyDefaults() {
	def := guard.DefaultConfig()
	if s.ExemptPaths == nil {
		s.ExemptPaths = []string{"/health"}
	}
	if s.ViolationThreshold <= 0 {
		s.ViolationThreshold = def.ViolationThreshold
	}
	if s.ViolationWindow <= 0 {
		s.ViolationWindow = def.ViolationWindow
	}
	if s.BlockDuration <= 0 {
		s.BlockDuration = def.BlockDuration
	}
	if s.RequestThreshold <= 0 {
		s.RequestThreshold = def.RequestThreshold
	}
	if s.RequestWindow <= 0 {
		s.RequestWindow = def.RequestWindow
	}
	if len(s.AllowedAgents) == 0 {
		s.AllowedAgents = def.AllowedAgents
	}
	if len(s.BlockedAgents) == 0 {
		s.BlockedAgents = def.BlockedAgents
	}
	defaults := DefaultRules()
	if s.Rules == nil {
		s.Rules = defaults
		return
	}
	for class, windows := range defaults {
		if _, ok := s.Rules[class]; !ok {
			s.Rules[class] = windows
		}
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("POSTGRES_DSN"); ok && v != "" {
		c.Postgres.DSN = v
	}
	if v, ok := lookup("GEMINI_API_KEY"); ok && v != "" {
		c.Generation.APIKey = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

func (c Config) ValidateForAPI() error {
	if strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required")
	}
	if err := c.validateCore(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return c.validateSecurity()
}

func (c Config) ValidateForWorker() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if err := c.validateCore(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c Config) ValidateForRetryDispatcher() error {
	if c.RetryDispatcher.PollInterval <= 0 {
		return fmt.Errorf("retry_dispatcher.poll_interval is required")
	}
	return c.validateCore()
}

func (c Config) ValidateForCLI() error {
	return c.validateCore()
}

func (c Config) validateCore() error {
	if err := validateRedis(c.Redis); err != nil {
		return err
	}
	if err := c.Jobs.Policy().Validate(); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("jobs.ttl must be positive")
	}
	return nil
}

func (c Config) validatePipeline() error {
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.UploadsDir) == "" {
		return fmt.Errorf("storage.uploads_dir is required")
	}
	if err := c.Generation.Validate(); err != nil {
		return err
	}
	if c.Kafka.Enabled() {
		if err := c.Kafka.ValidateEvents(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validateSecurity() error {
	if !c.Security.IsEnabled() {
		return nil
	}
	for class, windows := range c.Security.Rules {
		if len(windows) == 0 {
			return fmt.Errorf("security.rules.%s has no windows", class)
		}
		for _, w := range windows {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("security.rules.%s: %w", class, err)
			}
		}
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
