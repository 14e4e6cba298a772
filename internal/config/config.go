package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	QueueTask    = "evalTask"
	QueueItem    = "evalItem"
	QueueSummary = "evalSummary"
)

// Config models evalflow.yml.
type Config struct {
	Queues   map[string]QueueConfig `yaml:"queues"`
	Items    ItemsConfig            `yaml:"items"`
	Lock     LockConfig             `yaml:"lock"`
	Cleanup  CleanupConfig          `yaml:"cleanup"`
	Summary  SummaryConfig          `yaml:"summary"`
	OpenAI   OpenAIConfig           `yaml:"openai"`
	Log      LogConfig              `yaml:"log"`
	Metrics  MetricsConfig          `yaml:"metrics"`
	Sweep    SweepConfig            `yaml:"sweep"`
	Webhooks []WebhookConfig        `yaml:"webhooks"`
}

type QueueConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	Attempts     int      `yaml:"attempts"`
	Backoff      string   `yaml:"backoff"`
	BackoffDelay Duration `yaml:"backoff_delay"`
	LockDuration Duration `yaml:"lock_duration"`
	PollInterval Duration `yaml:"poll_interval"`
}

type ItemsConfig struct {
	MaxRetry        int      `yaml:"max_retry"`
	SubmitStagger   Duration `yaml:"submit_stagger"`
	DedupTTL        Duration `yaml:"dedup_ttl"`
	GroupEvaluators bool     `yaml:"group_evaluators"`
}

type LockConfig struct {
	Driver       string   `yaml:"driver"`
	TTL          Duration `yaml:"ttl"`
	WaitAttempts int      `yaml:"wait_attempts"`
	WaitInterval Duration `yaml:"wait_interval"`
}

type CleanupConfig struct {
	RetryAttempts        int      `yaml:"retry_attempts"`
	RetryDelay           Duration `yaml:"retry_delay"`
	ForceCleanActiveJobs bool     `yaml:"force_clean_active_jobs"`
}

type SummaryConfig struct {
	Model           string  `yaml:"model"`
	MaxContext      int     `yaml:"max_context"`
	ResponseReserve int     `yaml:"response_reserve"`
	PerfectScore    float64 `yaml:"perfect_score"`
	Temperature     float32 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
}

// TokenBudget is the prompt budget left after reserving room for the response.
func (s SummaryConfig) TokenBudget() int {
	budget := s.MaxContext - s.ResponseReserve
	if budget < 0 {
		return 0
	}
	return budget
}

type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// APIKey resolves the API key from the configured environment variable.
func (o OpenAIConfig) APIKey() string {
	name := o.APIKeyEnv
	if name == "" {
		name = "EVALFLOW_OPENAI_API_KEY"
	}
	return os.Getenv(name)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type SweepConfig struct {
	Schedule  string   `yaml:"schedule"`
	Retention Duration `yaml:"retention"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration decodes YAML strings such as "100ms" or "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Queue returns the queue settings, falling back to defaults for unknown names.
func (c *Config) Queue(name string) QueueConfig {
	if q, ok := c.Queues[name]; ok {
		return q
	}
	return Default().Queues[name]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, name := range []string{QueueTask, QueueItem, QueueSummary} {
		q, ok := c.Queues[name]
		if !ok {
			return fmt.Errorf("config.queues.%s is required", name)
		}
		if q.Concurrency <= 0 {
			return fmt.Errorf("config.queues.%s.concurrency must be positive", name)
		}
		if q.Attempts <= 0 {
			return fmt.Errorf("config.queues.%s.attempts must be positive", name)
		}
		if q.Backoff != "" && q.Backoff != "exponential" && q.Backoff != "fixed" {
			return fmt.Errorf("config.queues.%s.backoff must be exponential or fixed", name)
		}
	}
	if c.Items.MaxRetry <= 0 {
		return fmt.Errorf("config.items.max_retry must be positive")
	}
	if c.Items.SubmitStagger < 0 {
		return fmt.Errorf("config.items.submit_stagger must not be negative")
	}
	switch c.Lock.Driver {
	case "local", "lease":
	default:
		return fmt.Errorf("config.lock.driver must be local or lease")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config.lock.ttl must be positive")
	}
	if c.Cleanup.RetryAttempts <= 0 {
		return fmt.Errorf("config.cleanup.retry_attempts must be positive")
	}
	if c.Summary.MaxContext <= c.Summary.ResponseReserve {
		return fmt.Errorf("config.summary.max_context must exceed response_reserve")
	}
	if c.Summary.PerfectScore <= 0 {
		return fmt.Errorf("config.summary.perfect_score must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "evalflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with evalflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultYAML), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.fillQueueDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillQueueDefaults completes queue entries that only override some fields.
// yaml.v3 decodes map values from scratch.
func (c *Config) fillQueueDefaults() {
	defaults := Default().Queues
	for name, q := range c.Queues {
		d, ok := defaults[name]
		if !ok {
			continue
		}
		if q.Concurrency == 0 {
			q.Concurrency = d.Concurrency
		}
		if q.Attempts == 0 {
			q.Attempts = d.Attempts
		}
		if q.Backoff == "" {
			q.Backoff = d.Backoff
		}
		if q.BackoffDelay == 0 {
			q.BackoffDelay = d.BackoffDelay
		}
		if q.LockDuration == 0 {
			q.LockDuration = d.LockDuration
		}
		if q.PollInterval == 0 {
			q.PollInterval = d.PollInterval
		}
		c.Queues[name] = q
	}
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const DefaultYAML = `queues:
  evalTask:
    concurrency: 2
    attempts: 1
    lock_duration: 60s
    poll_interval: 500ms
  evalItem:
    concurrency: 5
    attempts: 3
    backoff: exponential
    backoff_delay: 1s
    lock_duration: 5m
    poll_interval: 200ms
  evalSummary:
    concurrency: 2
    attempts: 1
    lock_duration: 5m
    poll_interval: 1s

items:
  max_retry: 3
  submit_stagger: 100ms
  dedup_ttl: 5s
  group_evaluators: false

lock:
  driver: local
  ttl: 30s
  wait_attempts: 10
  wait_interval: 100ms

cleanup:
  retry_attempts: 3
  retry_delay: 100ms
  force_clean_active_jobs: false

summary:
  model: gpt-4o-mini
  max_context: 16000
  response_reserve: 4000
  perfect_score: 1
  temperature: 0.3
  max_tokens: 1000

openai:
  api_key_env: EVALFLOW_OPENAI_API_KEY
  model: gpt-4o-mini

log:
  level: info
  format: json

metrics:
  addr: 127.0.0.1:9464

sweep:
  schedule: "@every 1m"
  retention: 24h
`
