package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/filterstream/errors"
)

// Output types
const (
	OutputKafka     = "kafka"
	OutputJetStream = "jetstream"
	OutputFile      = "file"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "FILTERSTREAM"

// Config is the complete connector configuration
type Config struct {
	Twitter           TwitterConfig `json:"twitter"             yaml:"twitter"`
	Batch             BatchConfig   `json:"batch"               yaml:"batch"`
	Output            OutputConfig  `json:"output"              yaml:"output"`
	Metrics           MetricsConfig `json:"metrics"             yaml:"metrics"`
	ShutdownTimeoutMs int           `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" validate:"min=0"`
}

// TwitterConfig holds the remote API settings
type TwitterConfig struct {
	BearerToken     string     `json:"bearer_token"       yaml:"bearer_token"       validate:"required"`
	FilterKeywords  StringList `json:"filter_keywords"    yaml:"filter_keywords"    validate:"required,min=1,dive,required"`
	TweetFields     StringList `json:"tweet_fields"       yaml:"tweet_fields"       validate:"required,min=1,dive,required"`
	Retries         int        `json:"retries"            yaml:"retries"            validate:"min=1,max=50"`
	BaseURL         string     `json:"base_url"           yaml:"base_url"           validate:"required,url"`
	RulesRatePerSec float64    `json:"rules_rate_per_sec" yaml:"rules_rate_per_sec" validate:"gt=0"`
}

// BatchConfig holds the batch queue settings
type BatchConfig struct {
	MaxSize       int `json:"max_size"        yaml:"max_size"        validate:"min=1,max=1000"`
	MaxIntervalMs int `json:"max_interval_ms" yaml:"max_interval_ms" validate:"min=1,max=60000"`
	MaxBuffered   int `json:"max_buffered"    yaml:"max_buffered"    validate:"min=0"`
}

// OutputConfig selects and configures the downstream publisher
type OutputConfig struct {
	Type  string      `json:"type"  yaml:"type"  validate:"oneof=kafka jetstream file"`
	Topic string      `json:"topic" yaml:"topic" validate:"required"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
	NATS  NATSConfig  `json:"nats"  yaml:"nats"`
	File  FileConfig  `json:"file"  yaml:"file"`
}

// KafkaConfig holds the Kafka publisher settings
type KafkaConfig struct {
	Brokers StringList `json:"brokers" yaml:"brokers" validate:"omitempty,dive,hostname_port"`
}

// NATSConfig holds the JetStream publisher settings
type NATSConfig struct {
	URL              string `json:"url"                yaml:"url"                validate:"omitempty,url"`
	Stream           string `json:"stream"             yaml:"stream"`
	Token            string `json:"token"              yaml:"token"`
	User             string `json:"user"               yaml:"user"               validate:"required_with=Password"`
	Password         string `json:"password"           yaml:"password"           validate:"required_with=User"`
	MaxReconnects    int    `json:"max_reconnects"     yaml:"max_reconnects"     validate:"min=-1"`
	ReconnectWaitMs  int    `json:"reconnect_wait_ms"  yaml:"reconnect_wait_ms"  validate:"min=0"`
	PingIntervalMs   int    `json:"ping_interval_ms"   yaml:"ping_interval_ms"   validate:"min=0"`
	DrainTimeoutMs   int    `json:"drain_timeout_ms"   yaml:"drain_timeout_ms"   validate:"min=0"`
	CircuitThreshold int    `json:"circuit_threshold"  yaml:"circuit_threshold"  validate:"min=0"`
	MaxBackoffMs     int    `json:"max_backoff_ms"     yaml:"max_backoff_ms"     validate:"min=0"`
}

// ReconnectWait returns the wait between reconnect attempts
func (n NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitMs) * time.Millisecond
}

// PingInterval returns the connection health ping interval
func (n NATSConfig) PingInterval() time.Duration {
	return time.Duration(n.PingIntervalMs) * time.Millisecond
}

// DrainTimeout returns how long Close drains the connection
func (n NATSConfig) DrainTimeout() time.Duration {
	return time.Duration(n.DrainTimeoutMs) * time.Millisecond
}

// MaxBackoff returns the circuit breaker backoff ceiling
func (n NATSConfig) MaxBackoff() time.Duration {
	return time.Duration(n.MaxBackoffMs) * time.Millisecond
}

// FileConfig holds the file publisher settings
type FileConfig struct {
	Path   string `json:"path"   yaml:"path"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=jsonl raw"`
	Append bool   `json:"append" yaml:"append"`
}

// MetricsConfig holds the metrics and health server settings
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port" validate:"min=0,max=65535"`
	Path string `json:"path" yaml:"path"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Twitter: TwitterConfig{
			Retries:         10,
			BaseURL:         "https://api.twitter.com",
			RulesRatePerSec: 1,
		},
		Batch: BatchConfig{
			MaxSize:       100,
			MaxIntervalMs: 1000,
		},
		Output: OutputConfig{
			Type:  OutputKafka,
			Topic: "twitter-tweets",
			NATS: NATSConfig{
				URL:              "nats://localhost:4222",
				Stream:           "TWEETS",
				MaxReconnects:    -1,
				ReconnectWaitMs:  2000,
				PingIntervalMs:   30000,
				DrainTimeoutMs:   5000,
				CircuitThreshold: 5,
				MaxBackoffMs:     60000,
			},
			File: FileConfig{
				Format: "jsonl",
				Append: true,
			},
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		ShutdownTimeoutMs: 5000,
	}
}

// BatchInterval returns the batch interval as a duration
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Batch.MaxIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	redacted := *c
	redacted.Twitter.BearerToken = mask(c.Twitter.BearerToken)
	redacted.Output.NATS.Token = mask(c.Output.NATS.Token)
	redacted.Output.NATS.Password = mask(c.Output.NATS.Password)
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// StringList accepts either a comma separated string or a list. Entries
// are trimmed and empty ones dropped.
type StringList []string

// ParseStringList splits a comma separated value
func ParseStringList(s string) StringList {
	var out StringList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// UnmarshalYAML implements yaml.Unmarshaler
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = ParseStringList(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = clean(items)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list", node.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = ParseStringList(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected string or list: %w", err)
	}
	*l = clean(items)
	return nil
}

func clean(items []string) StringList {
	var out StringList
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Loader loads configuration from defaults, an optional file and the
// environment, in that order.
type Loader struct {
	path       string
	envPrefix  string
	validation bool
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validation: true,
	}
}

// SetFile sets the config file. YAML or JSON is chosen by extension.
func (l *Loader) SetFile(path string) {
	l.path = path
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// EnableValidation enables or disables validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads path with defaults and environment overrides applied
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	l.SetFile(path)
	return l.Load()
}

// Load builds the configuration
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+l.path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := safeReadFile(l.path)
	if err != nil {
		return err
	}

	switch formatOf(l.path) {
	case "yaml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies PREFIX_SECTION_KEY variables over the loaded
// values
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{"TWITTER_BEARER_TOKEN", setString(&cfg.Twitter.BearerToken)},
		{"TWITTER_FILTER_KEYWORDS", setList(&cfg.Twitter.FilterKeywords)},
		{"TWITTER_TWEET_FIELDS", setList(&cfg.Twitter.TweetFields)},
		{"TWITTER_RETRIES", setInt(&cfg.Twitter.Retries)},
		{"TWITTER_BASE_URL", setString(&cfg.Twitter.BaseURL)},
		{"TWITTER_RULES_RATE_PER_SEC", setFloat(&cfg.Twitter.RulesRatePerSec)},
		{"BATCH_MAX_SIZE", setInt(&cfg.Batch.MaxSize)},
		{"BATCH_MAX_INTERVAL_MS", setInt(&cfg.Batch.MaxIntervalMs)},
		{"BATCH_MAX_BUFFERED", setInt(&cfg.Batch.MaxBuffered)},
		{"OUTPUT_TYPE", setString(&cfg.Output.Type)},
		{"OUTPUT_TOPIC", setString(&cfg.Output.Topic)},
		{"OUTPUT_KAFKA_BROKERS", setList(&cfg.Output.Kafka.Brokers)},
		{"OUTPUT_NATS_URL", setString(&cfg.Output.NATS.URL)},
		{"OUTPUT_NATS_STREAM", setString(&cfg.Output.NATS.Stream)},
		{"OUTPUT_NATS_TOKEN", setString(&cfg.Output.NATS.Token)},
		{"OUTPUT_NATS_USER", setString(&cfg.Output.NATS.User)},
		{"OUTPUT_NATS_PASSWORD", setString(&cfg.Output.NATS.Password)},
		{"OUTPUT_NATS_RECONNECT_WAIT_MS", setInt(&cfg.Output.NATS.ReconnectWaitMs)},
		{"OUTPUT_NATS_DRAIN_TIMEOUT_MS", setInt(&cfg.Output.NATS.DrainTimeoutMs)},
		{"OUTPUT_FILE_PATH", setString(&cfg.Output.File.Path)},
		{"METRICS_PORT", setInt(&cfg.Metrics.Port)},
		{"SHUTDOWN_TIMEOUT_MS", setInt(&cfg.ShutdownTimeoutMs)},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.key
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := o.apply(val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setList(dst *StringList) func(string) error {
	return func(v string) error {
		*dst = ParseStringList(v)
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}
