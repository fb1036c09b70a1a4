// pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var tracer = otel.Tracer("tick-saver/redis")

// Config хранит параметры подключения к Redis.
type Config struct {
	Addr        string         `mapstructure:"addr"` // "host:port"
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	PoolSize    int            `mapstructure:"pool_size"`
	DialTimeout time.Duration  `mapstructure:"dial_timeout"`
	PingTimeout time.Duration  `mapstructure:"ping_timeout"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis: db must be >= 0")
	}
	return nil
}

// Connect создаёт клиента и проверяет соединение PING'ом с ретраями.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", cfg.Addr)))
	defer span.End()

	op := func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ctxConn, "redis_connect", cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}

	log.Info("redis: connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// Pinger - минимальный интерфейс для readiness-проверки.
type Pinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// Ready возвращает ReadyChecker-совместимую функцию.
func Ready(p Pinger, timeout time.Duration) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return p.Ping(ctx).Err()
	}
}
