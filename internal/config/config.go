// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"github.com/skolhustick/mdwnio/internal/cache"
	"github.com/skolhustick/mdwnio/internal/extract"
	"github.com/skolhustick/mdwnio/internal/fetcher"
	"github.com/skolhustick/mdwnio/internal/logging"
	"github.com/skolhustick/mdwnio/internal/policy/ratelimit"
	"github.com/skolhustick/mdwnio/internal/progress"
	"github.com/skolhustick/mdwnio/internal/telemetry"
)

// Publisher providers accepted by events.publisher.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	RequestTimeoutSeconds    int `mapstructure:"request_timeout_seconds"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int `mapstructure:"shutdown_timeout_seconds"`
}

// FetchConfig bounds outbound requests.
type FetchConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxContentLength int64  `mapstructure:"max_content_length"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	UserAgent        string `mapstructure:"user_agent"`

	// PerHostRPS paces fetches to each upstream host; zero disables pacing.
	PerHostRPS      float64 `mapstructure:"per_host_rps"`
	PerHostBurst    int     `mapstructure:"per_host_burst"`
	MaxTrackedHosts int     `mapstructure:"max_tracked_hosts"`
}

// CacheConfig controls result memoization.
type CacheConfig struct {
	TTLSeconds            int `mapstructure:"ttl_seconds"`
	MaxEntries            int `mapstructure:"max_entries"`
	SweepIntervalSeconds  int `mapstructure:"sweep_interval_seconds"`
	ComputeTimeoutSeconds int `mapstructure:"compute_timeout_seconds"`
}

// ExtractConfig tunes HTML extraction.
type ExtractConfig struct {
	// ShellMaxWords rejects pages with at most this many visible words.
	ShellMaxWords int `mapstructure:"shell_max_words"`
	MaxElements   int `mapstructure:"max_elements"`
	MaxDepth      int `mapstructure:"max_depth"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EventsConfig controls the resolution event hub and its sinks.
type EventsConfig struct {
	BufferSize         int    `mapstructure:"buffer_size"`
	MaxBatchEvents     int    `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int    `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int    `mapstructure:"sink_timeout_seconds"`
	Log                bool   `mapstructure:"log"`
	Prometheus         bool   `mapstructure:"prometheus"`
	Publisher          string `mapstructure:"publisher"`
	Topic              string `mapstructure:"topic"`
	IncludeHits        bool   `mapstructure:"include_hits"`
}

// PubSubConfig holds the Google Cloud Pub/Sub destination for resolution notices.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// legacyEnv maps keys to the unprefixed variable names of earlier deployments.
var legacyEnv = map[string]string{
	"server.port":              "PORT",
	"cache.ttl_seconds":        "CACHE_TTL",
	"fetch.timeout_seconds":    "REQUEST_TIMEOUT",
	"fetch.max_content_length": "MAX_CONTENT_LENGTH",
	"fetch.max_redirects":      "MAX_REDIRECTS",
	"fetch.user_agent":         "USER_AGENT",
}

// Load builds a Config from defaults, an optional file, and the environment.
// With an empty path, mdwn.yaml is looked up in ., /etc/mdwn and $HOME/.mdwn;
// a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MDWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "MDWN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("mdwn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mdwn/")
		v.AddConfigPath("$HOME/.mdwn")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.max_content_length", fetcher.DefaultMaxContentLength)
	v.SetDefault("fetch.max_redirects", fetcher.DefaultMaxRedirects)
	v.SetDefault("fetch.user_agent", fetcher.DefaultUserAgent)
	v.SetDefault("fetch.per_host_rps", 10.0)
	v.SetDefault("fetch.per_host_burst", 20)
	v.SetDefault("fetch.max_tracked_hosts", ratelimit.DefaultMaxHosts)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("cache.compute_timeout_seconds", 30)
	v.SetDefault("extract.shell_max_words", extract.DefaultShellMaxWords)
	v.SetDefault("extract.max_elements", extract.DefaultMaxElements)
	v.SetDefault("extract.max_depth", extract.DefaultMaxDepth)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.sink_timeout_seconds", 5)
	v.SetDefault("events.log", true)
	v.SetDefault("events.prometheus", true)
	v.SetDefault("events.publisher", PublisherNone)
	v.SetDefault("events.topic", "mdwn-resolutions")
	v.SetDefault("events.include_hits", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "mdwn")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Fetch),
		validation.Field(&c.Cache),
		validation.Field(&c.Extract),
		validation.Field(&c.Events),
		validation.Field(&c.Telemetry),
		validation.Field(&c.PubSub,
			validation.When(c.Events.Publisher == PublisherPubSub, validation.By(requirePubSubIDs)),
		),
	)
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.RequestTimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&s.ReadHeaderTimeoutSeconds, validation.Min(0)),
		validation.Field(&s.ShutdownTimeoutSeconds, validation.Min(0)),
	)
}

// Validate checks the fetch section.
func (f FetchConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.TimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&f.MaxContentLength, validation.Required, validation.Min(1)),
		validation.Field(&f.MaxRedirects, validation.Min(0)),
		validation.Field(&f.UserAgent, validation.Required, validation.By(notBlank)),
		validation.Field(&f.PerHostRPS, validation.Min(0.0)),
		validation.Field(&f.PerHostBurst, validation.Min(0)),
		validation.Field(&f.MaxTrackedHosts, validation.Min(0)),
	)
}

// Validate checks the cache section.
func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TTLSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxEntries, validation.Required, validation.Min(1)),
		validation.Field(&c.SweepIntervalSeconds, validation.Min(0)),
		validation.Field(&c.ComputeTimeoutSeconds, validation.Min(0)),
	)
}

// Validate checks the extract section.
func (e ExtractConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.ShellMaxWords, validation.Min(0)),
		validation.Field(&e.MaxElements, validation.Min(0)),
		validation.Field(&e.MaxDepth, validation.Min(0)),
	)
}

// Validate checks the events section.
func (e EventsConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Publisher, validation.Required,
			validation.In(PublisherNone, PublisherMemory, PublisherPubSub)),
		validation.Field(&e.BufferSize, validation.Min(0)),
		validation.Field(&e.MaxBatchEvents, validation.Min(0)),
		validation.Field(&e.MaxBatchWaitMs, validation.Min(0)),
		validation.Field(&e.SinkTimeoutSeconds, validation.Min(0)),
	)
}

// Validate checks the telemetry section.
func (t TelemetryConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	)
}

func notBlank(value any) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

func requirePubSubIDs(value any) error {
	p, _ := value.(PubSubConfig)
	if p.ProjectID == "" || p.TopicID == "" {
		return errors.New("project_id and topic_id are required when events.publisher is pubsub")
	}
	return nil
}

// RequestTimeout is the per-request budget applied by the HTTP server.
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeoutSeconds)
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return seconds(c.Server.ShutdownTimeoutSeconds)
}

// SweepInterval is how often expired cache entries are removed.
func (c Config) SweepInterval() time.Duration {
	return seconds(c.Cache.SweepIntervalSeconds)
}

// FetcherOptions converts the fetch section. A configured zero redirect cap
// disables redirects.
func (c Config) FetcherOptions() fetcher.Config {
	redirects := c.Fetch.MaxRedirects
	if redirects == 0 {
		redirects = -1
	}
	return fetcher.Config{
		UserAgent:        c.Fetch.UserAgent,
		Timeout:          seconds(c.Fetch.TimeoutSeconds),
		MaxContentLength: c.Fetch.MaxContentLength,
		MaxRedirects:     redirects,
	}
}

// LimiterOptions converts the per-host pacing settings of the fetch section.
func (c Config) LimiterOptions() ratelimit.Config {
	return ratelimit.Config{
		RPS:      c.Fetch.PerHostRPS,
		Burst:    c.Fetch.PerHostBurst,
		MaxHosts: c.Fetch.MaxTrackedHosts,
	}
}

// TelemetryOptions converts the telemetry section. Traces go to the Pub/Sub
// project unless telemetry.project_id says otherwise.
func (c Config) TelemetryOptions() telemetry.Config {
	project := c.Telemetry.ProjectID
	if project == "" {
		project = c.PubSub.ProjectID
	}
	return telemetry.Config{
		Enabled:     c.Telemetry.TracingEnabled,
		ServiceName: c.Telemetry.ServiceName,
		ProjectID:   project,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// CacheOptions converts the cache section.
func (c Config) CacheOptions() cache.Config {
	return cache.Config{
		TTL:            seconds(c.Cache.TTLSeconds),
		MaxEntries:     c.Cache.MaxEntries,
		ComputeTimeout: seconds(c.Cache.ComputeTimeoutSeconds),
	}
}

// ExtractorOptions converts the extract section.
func (c Config) ExtractorOptions() extract.Config {
	return extract.Config{
		ShellMaxWords: c.Extract.ShellMaxWords,
		MaxElements:   c.Extract.MaxElements,
		MaxDepth:      c.Extract.MaxDepth,
	}
}

// LoggerOptions converts the logging section.
func (c Config) LoggerOptions() logging.Config {
	return logging.Config{Development: c.Logging.Development, Level: c.Logging.Level}
}

// HubOptions converts the events section.
func (c Config) HubOptions() progress.Config {
	return progress.Config{
		BufferSize:     c.Events.BufferSize,
		MaxBatchEvents: c.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(c.Events.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    seconds(c.Events.SinkTimeoutSeconds),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
