// Package config loads and validates harvester configuration via Viper.
package config

import (
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Backend names accepted by the queue, store, and blob sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Resolve   ResolveConfig   `mapstructure:"resolve"`
	Search    SearchConfig    `mapstructure:"search"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WorkersConfig sizes the dispatcher pool.
type WorkersConfig struct {
	Count       int `mapstructure:"count"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// QueueConfig selects the work unit queue.
type QueueConfig struct {
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the Redis stream queue.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Stream     string        `mapstructure:"stream"`
	Group      string        `mapstructure:"group"`
	Consumer   string        `mapstructure:"consumer"`
	DelayedKey string        `mapstructure:"delayed_key"`
	Block      time.Duration `mapstructure:"block"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BlobConfig selects where raw documents are archived.
type BlobConfig struct {
	Backend      string `mapstructure:"backend"`
	BaseDir      string `mapstructure:"base_dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	DigestLength int    `mapstructure:"digest_length"`
}

// PubSubConfig holds lifecycle event delivery settings.
type PubSubConfig struct {
	ProjectID    string        `mapstructure:"project_id"`
	TopicName    string        `mapstructure:"topic_name"`
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
}

// GuardConfig tunes account cooldowns.
type GuardConfig struct {
	CooldownBase time.Duration `mapstructure:"cooldown_base"`
	CooldownMax  time.Duration `mapstructure:"cooldown_max"`
}

// JobsConfig tunes the job machine.
type JobsConfig struct {
	BusyDelay          time.Duration `mapstructure:"busy_delay"`
	MaxThrottleWait    time.Duration `mapstructure:"max_throttle_wait"`
	ResolveMaxAttempts int           `mapstructure:"resolve_max_attempts"`
	ClassifyBatchSize  int           `mapstructure:"classify_batch_size"`
	EventsTopic        string        `mapstructure:"events_topic"`
}

// ResolveConfig tunes name resolution.
type ResolveConfig struct {
	CanonicalPattern string  `mapstructure:"canonical_pattern"`
	SearchRPS        float64 `mapstructure:"search_rps"`
	SearchBurst      int     `mapstructure:"search_burst"`
}

// SearchConfig addresses the public search endpoint.
type SearchConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	SiteFilter    string `mapstructure:"site_filter"`
	Location      string `mapstructure:"location"`
	MaxCandidates int    `mapstructure:"max_candidates"`
	// AccountEndpoint is the signed-in company search tried for elevated accounts when the
	// public search finds nothing. Empty disables the fallback.
	AccountEndpoint string `mapstructure:"account_endpoint"`
}

// ExtractConfig tunes page pacing and retries.
type ExtractConfig struct {
	MinSpacing     time.Duration `mapstructure:"min_spacing"`
	Jitter         time.Duration `mapstructure:"jitter"`
	PageSize       int           `mapstructure:"page_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// AnthropicConfig enables assisted classification.
type AnthropicConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// SchedulerConfig controls recurring launches.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// OnceRetryDelay spaces relaunches of a ONCE job whose run failed.
	OnceRetryDelay time.Duration `mapstructure:"once_retry_delay"`
}

// FetchConfig configures the Colly fetcher.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CursorParam   string        `mapstructure:"cursor_param"`
}

// HeadlessConfig configures browser promotion.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	// PromotionThreshold is the body size in bytes under which a script-heavy page is re-fetched headless.
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// SessionConfig adds headers to every authenticated request.
type SessionConfig struct {
	ExtraHeaders map[string]string `mapstructure:"extra_headers"`
}

// Load builds a Config from disk/environment. Environment variables use the
// HARVEST_ prefix with dots replaced by underscores (HARVEST_STORE_DSN).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", false)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max_attempts", 0)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.stream", "harvest:units")
	v.SetDefault("queue.redis.group", "harvesters")
	v.SetDefault("queue.redis.delayed_key", "harvest:units:delayed")
	v.SetDefault("queue.redis.block", "2s")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("store.migrate", true)
	v.SetDefault("blob.backend", BackendNone)
	v.SetDefault("blob.base_dir", "./data/raw")
	v.SetDefault("blob.prefix", "raw")
	v.SetDefault("pubsub.buffer_size", 1024)
	v.SetDefault("pubsub.max_batch_wait", "500ms")
	v.SetDefault("guard.cooldown_base", "1m")
	v.SetDefault("guard.cooldown_max", "30m")
	v.SetDefault("jobs.busy_delay", "2s")
	v.SetDefault("jobs.max_throttle_wait", "30m")
	v.SetDefault("jobs.resolve_max_attempts", 8)
	v.SetDefault("jobs.classify_batch_size", 25)
	v.SetDefault("jobs.events_topic", "job-events")
	v.SetDefault("resolve.search_rps", 0.5)
	v.SetDefault("resolve.search_burst", 1)
	v.SetDefault("search.max_candidates", 5)
	v.SetDefault("search.account_endpoint", "https://www.linkedin.com/voyager/api/search/blended")
	v.SetDefault("extract.min_spacing", "2s")
	v.SetDefault("extract.jitter", "3s")
	v.SetDefault("extract.page_size", 10)
	v.SetDefault("extract.max_retries", 3)
	v.SetDefault("extract.backoff_initial", "1s")
	v.SetDefault("extract.backoff_max", "30s")
	v.SetDefault("anthropic.enabled", false)
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.once_retry_delay", "1h")
	v.SetDefault("fetch.user_agent", "roster-harvester/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.cursor_param", "start")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "25s")
	v.SetDefault("headless.promotion_threshold", 2048)
}

// Validate enforces required values and reasonable limits. Errors name the offending key.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return errors.New("server.port must be > 0")
	case c.Server.Auth.Enabled && c.Server.Auth.APIKey == "":
		return errors.New("server.auth.api_key must be set when auth is enabled")
	case c.Workers.Count <= 0:
		return errors.New("workers.count must be > 0")
	case c.Workers.MaxAttempts < 0:
		return errors.New("workers.max_attempts must be >= 0")
	case !slices.Contains([]string{BackendMemory, BackendRedis}, c.Queue.Backend):
		return errors.Newf("queue.backend must be %q or %q", BackendMemory, BackendRedis)
	case c.Queue.Backend == BackendRedis && c.Queue.Redis.Addr == "":
		return errors.New("queue.redis.addr is required for the redis backend")
	case !slices.Contains([]string{BackendMemory, BackendPostgres}, c.Store.Backend):
		return errors.Newf("store.backend must be %q or %q", BackendMemory, BackendPostgres)
	case c.Store.Backend == BackendPostgres && c.Store.DSN == "":
		return errors.New("store.dsn is required for the postgres backend")
	case !slices.Contains([]string{BackendNone, BackendMemory, BackendLocal, BackendGCS}, c.Blob.Backend):
		return errors.Newf("blob.backend must be one of none, memory, local, gcs")
	case c.Blob.Backend == BackendLocal && c.Blob.BaseDir == "":
		return errors.New("blob.base_dir is required for the local backend")
	case c.Blob.Backend == BackendGCS && c.Blob.Bucket == "":
		return errors.New("blob.bucket is required for the gcs backend")
	case c.PubSub.TopicName != "" && c.PubSub.ProjectID == "":
		return errors.New("pubsub.project_id is required when pubsub.topic_name is set")
	case c.Guard.CooldownBase <= 0 || c.Guard.CooldownMax < c.Guard.CooldownBase:
		return errors.New("guard.cooldown_max must be >= guard.cooldown_base > 0")
	case c.Extract.MinSpacing <= 0:
		return errors.New("extract.min_spacing must be > 0")
	case c.Extract.Jitter < 0:
		return errors.New("extract.jitter must be >= 0")
	case c.Resolve.SearchRPS < 0:
		return errors.New("resolve.search_rps must be >= 0")
	case c.Anthropic.Enabled && c.Anthropic.APIKey == "":
		return errors.New("anthropic.api_key must be set when anthropic is enabled")
	case c.Scheduler.Enabled && c.Scheduler.Interval <= 0:
		return errors.New("scheduler.interval must be > 0 when the scheduler is enabled")
	case c.Fetch.Timeout <= 0:
		return errors.New("fetch.timeout must be > 0")
	case c.Headless.Enabled && c.Headless.MaxParallel <= 0:
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}
