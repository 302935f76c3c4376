package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mqtt-relay/internal/message"
)

const (
	DefaultUsername       = "anonymous"
	DefaultPassword       = ""
	DefaultSubscribeTopic = "#"
	DefaultBufferSize     = 256

	UnknownDestinationIgnore = "ignore"
	UnknownDestinationError  = "error"

	envPrefix = "MQTTRELAY_"
)

type Config struct {
	Brokers map[string]*BrokerConfig `yaml:"brokers" json:"brokers"`
	Routes  []RouteConfig            `yaml:"routes" json:"routes"`
	Retry   RetryConfig              `yaml:"retry" json:"retry"`
	Stream  StreamConfig             `yaml:"stream" json:"stream"`
	Routing RoutingConfig            `yaml:"routing" json:"routing"`
	Logging LogConfig                `yaml:"logging" json:"logging"`
	Metrics MetricsConfig            `yaml:"metrics" json:"metrics"`
	Notify  NotifyConfig             `yaml:"notify" json:"notify"`
	Indexer IndexerConfig            `yaml:"indexer" json:"indexer"`
}

// BrokerConfig describes one MQTT broker. Name is filled from the map key.
type BrokerConfig struct {
	Name           string    `yaml:"name" json:"name"`
	Host           string    `yaml:"host" json:"host"`
	Port           int       `yaml:"port" json:"port"`
	Username       string    `yaml:"username" json:"username"`
	Password       string    `yaml:"password" json:"password"`
	QoS            byte      `yaml:"qos" json:"qos"`
	TLS            TLSConfig `yaml:"tls" json:"tls"`
	SubscribeTopic string    `yaml:"subscribeTopic" json:"subscribeTopic"`
	InjectFilter   string    `yaml:"injectFilter" json:"injectFilter"`
}

type TLSConfig struct {
	Enable             bool   `yaml:"enable" json:"enable"`
	CertFile           string `yaml:"certFile" json:"certFile"`
	KeyFile            string `yaml:"keyFile" json:"keyFile"`
	CAFile             string `yaml:"caFile" json:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
}

// RouteConfig is the on-disk form of a routing rule. TopicFilter is a
// regular expression that must match the whole topic.
type RouteConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	TopicFilter string `yaml:"topicFilter" json:"topicFilter"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

type RetryConfig struct {
	InitialInterval string  `yaml:"initialInterval" json:"initialInterval"`
	MaxInterval     string  `yaml:"maxInterval" json:"maxInterval"`
	Multiplier      float64 `yaml:"multiplier" json:"multiplier"`
	MaxAttempts     int     `yaml:"maxAttempts" json:"maxAttempts"` // 0 = unlimited
}

type StreamConfig struct {
	BufferSize int `yaml:"bufferSize" json:"bufferSize"`
}

type RoutingConfig struct {
	UnknownDestination string `yaml:"unknownDestination" json:"unknownDestination"` // ignore, error
}

type LogConfig struct {
	Level    string        `yaml:"level" json:"level"`       // debug, info, warn, error
	Encoding string        `yaml:"encoding" json:"encoding"` // json or text
	Output   string        `yaml:"output" json:"output"`     // stdout, stderr or file
	File     LogFileConfig `yaml:"file" json:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSize    int    `yaml:"maxSize" json:"maxSize"` // megabytes
	MaxAge     int    `yaml:"maxAge" json:"maxAge"`   // days
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// NotifyConfig controls mirroring of hub events onto NATS subjects.
type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	Name          string `yaml:"name" json:"name"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix"`
}

type IndexerConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Influx  InfluxConfig `yaml:"influx" json:"influx"`
}

type InfluxConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	Token         string `yaml:"token" json:"token"`
	Org           string `yaml:"org" json:"org"`
	Bucket        string `yaml:"bucket" json:"bucket"`
	Measurement   string `yaml:"measurement" json:"measurement"`
	BatchSize     uint   `yaml:"batchSize" json:"batchSize"`
	FlushInterval string `yaml:"flushInterval" json:"flushInterval"`
}

// Load reads the configuration file, applies defaults and environment
// overrides, then validates the result. Files ending in .json are decoded
// as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path) == ".json")
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes raw configuration bytes and fills defaults. It does not validate.
func Parse(data []byte, isJSON bool) (*Config, error) {
	var cfg Config
	if isJSON {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for name, b := range c.Brokers {
		if b == nil {
			continue
		}
		b.Name = name
		if b.Port == 0 {
			if b.TLS.Enable {
				b.Port = 8883
			} else {
				b.Port = 1883
			}
		}
		if b.SubscribeTopic == "" {
			b.SubscribeTopic = DefaultSubscribeTopic
		}
	}

	if c.Retry.InitialInterval == "" {
		c.Retry.InitialInterval = "1s"
	}
	if c.Retry.MaxInterval == "" {
		c.Retry.MaxInterval = "30s"
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}

	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = DefaultBufferSize
	}
	if c.Routing.UnknownDestination == "" {
		c.Routing.UnknownDestination = UnknownDestinationIgnore
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.File.MaxSize == 0 {
		c.Logging.File.MaxSize = 100
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Notify.Name == "" {
		c.Notify.Name = "mqtt-relay"
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = "relay"
	}

	if c.Indexer.Influx.Measurement == "" {
		c.Indexer.Influx.Measurement = "relay_messages"
	}
	if c.Indexer.Influx.BatchSize == 0 {
		c.Indexer.Influx.BatchSize = 100
	}
	if c.Indexer.Influx.FlushInterval == "" {
		c.Indexer.Influx.FlushInterval = "1s"
	}
}

// applyEnv overrides selected values from MQTTRELAY_* environment variables.
// Per-broker values use MQTTRELAY_BROKER_<NAME>_<FIELD>.
func (c *Config) applyEnv() {
	for name, b := range c.Brokers {
		if b == nil {
			continue
		}
		key := envPrefix + "BROKER_" + envName(name) + "_"
		if v := os.Getenv(key + "HOST"); v != "" {
			b.Host = v
		}
		if v := os.Getenv(key + "PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				b.Port = port
			}
		}
		if v := os.Getenv(key + "USERNAME"); v != "" {
			b.Username = v
		}
		if v := os.Getenv(key + "PASSWORD"); v != "" {
			b.Password = v
		}
	}

	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
	if v := os.Getenv(envPrefix + "NOTIFY_URL"); v != "" {
		c.Notify.URL = v
	}
	if v := os.Getenv(envPrefix + "INFLUX_TOKEN"); v != "" {
		c.Indexer.Influx.Token = v
	}
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker must be configured")
	}

	for _, name := range c.BrokerNames() {
		b := c.Brokers[name]
		if b == nil {
			return fmt.Errorf("broker %s: configuration is empty", name)
		}
		if err := b.validate(); err != nil {
			return fmt.Errorf("broker %s: %w", name, err)
		}
	}

	for i, r := range c.Routes {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}

	if _, _, err := c.Retry.Intervals(); err != nil {
		return err
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts cannot be negative")
	}

	if c.Stream.BufferSize < 1 {
		return fmt.Errorf("stream buffer size must be greater than 0")
	}

	switch c.Routing.UnknownDestination {
	case UnknownDestinationIgnore, UnknownDestinationError:
	default:
		return fmt.Errorf("invalid unknown destination policy: %s", c.Routing.UnknownDestination)
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify url is required when notify is enabled")
	}

	if c.Indexer.Influx.Enabled {
		in := c.Indexer.Influx
		if in.URL == "" || in.Org == "" || in.Bucket == "" {
			return fmt.Errorf("influx url, org and bucket are required when influx is enabled")
		}
		if _, err := time.ParseDuration(in.FlushInterval); err != nil {
			return fmt.Errorf("invalid influx flush interval: %w", err)
		}
	}

	return nil
}

func (b *BrokerConfig) validate() error {
	if b.Host == "" {
		return fmt.Errorf("host is required")
	}
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("invalid port: %d", b.Port)
	}
	if b.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1, or 2")
	}
	if err := message.ValidateTopicFilter(b.SubscribeTopic); err != nil {
		return fmt.Errorf("invalid subscribe topic: %w", err)
	}
	if b.InjectFilter != "" {
		if _, err := CompileFullMatch(b.InjectFilter); err != nil {
			return fmt.Errorf("invalid inject filter: %w", err)
		}
	}
	if b.TLS.Enable && (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert file and key file must be set together")
	}
	return nil
}

// Validate checks a single route.
func (r RouteConfig) Validate() error {
	if r.Broker == "" {
		return fmt.Errorf("route broker is required")
	}
	if r.TopicFilter == "" {
		return fmt.Errorf("route topic filter is required")
	}
	if _, err := CompileFullMatch(r.TopicFilter); err != nil {
		return fmt.Errorf("invalid topic filter: %w", err)
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	switch l.Encoding {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log encoding: %s", l.Encoding)
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.File.Path == "" {
			return fmt.Errorf("log file path is required when output is file")
		}
	default:
		return fmt.Errorf("invalid log output: %s", l.Output)
	}
	return nil
}

// Intervals parses the retry backoff bounds.
func (r RetryConfig) Intervals() (initial, max time.Duration, err error) {
	initial, err = time.ParseDuration(r.InitialInterval)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid retry initial interval: %w", err)
	}
	max, err = time.ParseDuration(r.MaxInterval)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid retry max interval: %w", err)
	}
	if max < initial {
		return 0, 0, fmt.Errorf("retry max interval must not be less than initial interval")
	}
	return initial, max, nil
}

// BrokerNames returns the configured broker names in sorted order.
func (c *Config) BrokerNames() []string {
	names := make([]string, 0, len(c.Brokers))
	for name := range c.Brokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(logLevel, metricsAddr string, bufferSize int) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if bufferSize > 0 {
		c.Stream.BufferSize = bufferSize
	}
}

// CompileFullMatch compiles expr so that it only matches an entire string.
func CompileFullMatch(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + expr + ")$")
}
