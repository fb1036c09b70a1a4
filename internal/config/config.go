// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/internal/credentials"
	"github.com/YaganovValera/tick-saver/internal/publisher"
	"github.com/YaganovValera/tick-saver/internal/scheduler"
	"github.com/YaganovValera/tick-saver/internal/session"
	"github.com/YaganovValera/tick-saver/pkg/httpserver"
	"github.com/YaganovValera/tick-saver/pkg/kafka"
	"github.com/YaganovValera/tick-saver/pkg/logger"
	"github.com/YaganovValera/tick-saver/pkg/redis"
	"github.com/YaganovValera/tick-saver/pkg/telemetry"
)

// EnvPrefix - префикс переменных окружения.
const EnvPrefix = "TICKSAVER"

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config - все настройки сервиса.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Logging        logger.Config     `mapstructure:"logging"`
	Redis          redis.Config      `mapstructure:"redis"`
	Feed           session.Config    `mapstructure:"feed"`
	Catalog        CatalogConfig     `mapstructure:"catalog"`
	Accounts       AccountsConfig    `mapstructure:"accounts"`
	Partition      PartitionConfig   `mapstructure:"partition"`
	Candles        CandlesConfig     `mapstructure:"candles"`
	Scheduler      scheduler.Config  `mapstructure:"scheduler"`
	Publisher      publisher.Config  `mapstructure:"publisher"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	HTTP           httpserver.Config `mapstructure:"http"`
}

// CatalogConfig - шаблоны ключей справочника инструментов.
type CatalogConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

// AccountsConfig - где лежат учётные записи и какие брать.
// Если Names пуст, используются TS<range_start>..TS<range_end>.
type AccountsConfig struct {
	HashKey    string   `mapstructure:"hash_key"`
	Names      []string `mapstructure:"names"`
	RangeStart int      `mapstructure:"range_start"`
	RangeEnd   int      `mapstructure:"range_end"`
}

// AccountNames - итоговый список имён.
func (a AccountsConfig) AccountNames() []string {
	if len(a.Names) > 0 {
		return a.Names
	}
	return credentials.AccountNames(a.RangeStart, a.RangeEnd)
}

// PartitionConfig - ёмкость соединений.
type PartitionConfig struct {
	TokensPerConnection   int `mapstructure:"tokens_per_connection"`
	ConnectionsPerAccount int `mapstructure:"connections_per_account"`
}

// CandlesConfig - хранение свечей и окно торговой сессии.
type CandlesConfig struct {
	KeyPrefix         string `mapstructure:"key_prefix"`
	aggregator.Config `mapstructure:",squash"`
}

// KafkaConfig - необязательный экспорт свечей в Kafka.
type KafkaConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Topic        string `mapstructure:"topic"`
	kafka.Config `mapstructure:",squash"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Порядок: defaults, legacy REDIS_*,
// файл path (если задан), ENV с префиксом TICKSAVER. Перед этим
// подхватывается envFile, если он существует.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	applyLegacyRedisEnv(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "tick-saver")
	v.SetDefault("service_version", "v1.0.0")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)
	v.SetDefault("logging.output", "stderr")

	// Redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.ping_timeout", "2s")
	v.SetDefault("redis.backoff.initial_interval", "1s")
	v.SetDefault("redis.backoff.max_interval", "10s")
	v.SetDefault("redis.backoff.max_elapsed_time", "2m")

	// Feed
	v.SetDefault("feed.url", session.DefaultURL)
	v.SetDefault("feed.ping_interval", "5s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.reconnect_delay", "0s")
	v.SetDefault("feed.read_buffer", 0)

	// Catalog / accounts / partition
	v.SetDefault("catalog.patterns", []string{"CT:*"})
	v.SetDefault("accounts.hash_key", credentials.DefaultHashKey)
	v.SetDefault("accounts.names", []string{})
	v.SetDefault("accounts.range_start", 1)
	v.SetDefault("accounts.range_end", 2)
	v.SetDefault("partition.tokens_per_connection", 3000)
	v.SetDefault("partition.connections_per_account", 3)

	// Candles
	v.SetDefault("candles.key_prefix", "MINUTE_CANDLES")
	v.SetDefault("candles.session_start", "09:14")
	v.SetDefault("candles.session_end", "15:31")
	v.SetDefault("candles.timezone", "Asia/Kolkata")

	// Scheduler
	v.SetDefault("scheduler.poll_interval", "10s")
	v.SetDefault("scheduler.flush_delay", "1s")
	v.SetDefault("scheduler.flush_timeout", "50s")

	// Publisher
	v.SetDefault("publisher.enabled", true)
	v.SetDefault("publisher.ratio", publisher.DefaultRatio)
	v.SetDefault("publisher.channel", publisher.DefaultChannel)
	v.SetDefault("publisher.key_prefix", publisher.DefaultKeyPrefix)
	v.SetDefault("publisher.structured", []string{"depth"})
	v.SetDefault("publisher.workers", 8)
	v.SetDefault("publisher.queue_size", 4096)
	v.SetDefault("publisher.batch_size", 256)

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "candles.1m")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "tick-saver")
	v.SetDefault("kafka.required_acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.backoff.initial_interval", "500ms")
	v.SetDefault("kafka.backoff.max_interval", "5s")
	v.SetDefault("kafka.backoff.max_elapsed_time", "30s")
	v.SetDefault("kafka.backoff.per_attempt_timeout", "10s")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// HTTP
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")
}

// applyLegacyRedisEnv переносит REDIS_HOST/PORT/PASSWORD/DB_NO в defaults,
// поэтому файл и TICKSAVER_* имеют приоритет.
func applyLegacyRedisEnv(v *viper.Viper) {
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "6379"
		}
		v.SetDefault("redis.addr", net.JoinHostPort(host, port))
	}
	if pw, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		v.SetDefault("redis.password", pw)
	}
	if db := os.Getenv("REDIS_DB_NO"); db != "" {
		v.SetDefault("redis.db", db)
	}
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if _, err := session.FeedURL(c.Feed.URL, "", ""); err != nil {
		return fmt.Errorf("feed.url: %w", err)
	}
	if c.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed.ping_interval must be > 0")
	}
	if c.Feed.ReconnectDelay < 0 {
		return fmt.Errorf("feed.reconnect_delay must be >= 0")
	}

	if len(c.Catalog.Patterns) == 0 {
		return fmt.Errorf("catalog.patterns must contain at least one entry")
	}
	if len(c.Accounts.AccountNames()) == 0 {
		return fmt.Errorf("accounts: names or a valid range_start..range_end is required")
	}
	if c.Partition.TokensPerConnection <= 0 || c.Partition.ConnectionsPerAccount <= 0 {
		return fmt.Errorf("partition.tokens_per_connection and partition.connections_per_account must be > 0")
	}

	if c.Candles.KeyPrefix == "" {
		return fmt.Errorf("candles.key_prefix is required")
	}
	if _, err := c.Candles.Window(); err != nil {
		return fmt.Errorf("candles: %w", err)
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.PollInterval >= time.Minute {
		return fmt.Errorf("scheduler.poll_interval must be in (0, 1m)")
	}
	if c.Scheduler.FlushTimeout <= 0 || c.Scheduler.FlushTimeout >= time.Minute {
		return fmt.Errorf("scheduler.flush_timeout must be in (0, 1m)")
	}

	if c.Publisher.Ratio <= 0 {
		return fmt.Errorf("publisher.ratio must be > 0")
	}
	if c.Publisher.Channel == "" || c.Publisher.KeyPrefix == "" {
		return fmt.Errorf("publisher.channel and publisher.key_prefix are required")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka.enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka.enabled")
		}
		if c.Kafka.Backoff.MaxElapsedTime <= 0 || c.Kafka.Backoff.MaxElapsedTime >= c.Scheduler.FlushTimeout {
			return fmt.Errorf("kafka.backoff.max_elapsed_time must be in (0, scheduler.flush_timeout)")
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required when telemetry.enabled")
	}

	return validateHTTP(&c.HTTP)
}

func validateHTTP(h *httpserver.Config) error {
	if h.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит конфиг в JSON без секретов.
func (c *Config) Print(w io.Writer) error {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = "******"
	}
	b, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
