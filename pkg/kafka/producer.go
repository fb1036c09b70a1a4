// pkg/kafka/producer.go
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tick_saver", Subsystem: "kafka", Name: "publish_total",
		Help: "Kafka publishes by topic and outcome",
	}, []string{"topic", "outcome"})

	publishSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tick_saver", Subsystem: "kafka", Name: "publish_seconds",
		Help:    "Publish latency including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
)

var tracer = otel.Tracer("tick-saver/kafka")

var (
	acksByName = map[string]sarama.RequiredAcks{
		"all":    sarama.WaitForAll,
		"leader": sarama.WaitForLocal,
		"none":   sarama.NoResponse,
	}
	codecByName = map[string]sarama.CompressionCodec{
		"none":   sarama.CompressionNone,
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
	}
)

// Ретраи публикации всегда ограничены: брокер, лежащий дольше
// DefaultMaxElapsedTime, не должен подвешивать flush минуты.
const (
	DefaultMaxElapsedTime    = 30 * time.Second
	DefaultPerAttemptTimeout = 10 * time.Second
)

// Producer публикует сообщения в Kafka.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// Config - синхронный продьюсер. Сообщения с одним ключом попадают
// в одну партицию, поэтому свечи символа сохраняют порядок.
type Config struct {
	Brokers      []string       `mapstructure:"brokers"`
	ClientID     string         `mapstructure:"client_id"`
	RequiredAcks string         `mapstructure:"required_acks"` // all | leader | none
	Timeout      time.Duration  `mapstructure:"timeout"`
	Compression  string         `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	Backoff      backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "tick-saver"
	}
	c.RequiredAcks = strings.ToLower(c.RequiredAcks)
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	c.Compression = strings.ToLower(c.Compression)
	if c.Compression == "" {
		c.Compression = "none"
	}
	c.Backoff = bounded(c.Backoff)
}

func bounded(bo backoff.Config) backoff.Config {
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = DefaultMaxElapsedTime
	}
	if bo.PerAttemptTimeout <= 0 {
		bo.PerAttemptTimeout = DefaultPerAttemptTimeout
	}
	return bo
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: brokers required")
	}
	if _, ok := acksByName[c.RequiredAcks]; !ok {
		return fmt.Errorf("kafka: unknown required_acks %q", c.RequiredAcks)
	}
	if _, ok := codecByName[c.Compression]; !ok {
		return fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}
	return nil
}

func saramaConfig(c Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = c.ClientID
	sc.Producer.RequiredAcks = acksByName[c.RequiredAcks]
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	sc.Producer.Compression = codecByName[c.Compression]
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc
}

type syncProducer struct {
	prod sarama.SyncProducer
	bo   backoff.Config
	log  *logger.Logger
}

// New подключается к брокерам (с ретраями) и оборачивает продьюсер
// otelsarama, чтобы контекст трейса уходил в заголовки сообщений.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka")
	sc := saramaConfig(cfg)

	ctx, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var prod sarama.SyncProducer
	err := backoff.Retry(ctx, "kafka_connect", cfg.Backoff, log, func(context.Context) error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		prod = p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka: connect: %w", err)
	}

	log.Info("producer ready", zap.Strings("brokers", cfg.Brokers), zap.String("acks", cfg.RequiredAcks))
	return NewFromSyncProducer(otelsarama.WrapSyncProducer(sc, prod), cfg.Backoff, log), nil
}

// NewFromSyncProducer оборачивает готовый sarama.SyncProducer (в тестах - mocks).
// Нулевые MaxElapsedTime и PerAttemptTimeout заменяются умолчаниями.
func NewFromSyncProducer(p sarama.SyncProducer, bo backoff.Config, log *logger.Logger) Producer {
	return &syncProducer{prod: p, bo: bounded(bo), log: log}
}

// Publish отправляет одно сообщение, повторяя временные ошибки брокера
// не дольше MaxElapsedTime и не позже дедлайна ctx.
func (p *syncProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	start := time.Now()
	msg := &sarama.ProducerMessage{Topic: topic, Key: sarama.ByteEncoder(key), Value: sarama.ByteEncoder(value)}
	err := backoff.Retry(ctx, "kafka_publish", p.bo, p.log, func(context.Context) error {
		_, _, err := p.prod.SendMessage(msg)
		return err
	})
	publishSeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	if err != nil {
		publishTotal.WithLabelValues(topic, "error").Inc()
		span.RecordError(err)
		return err
	}
	publishTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *syncProducer) Close() error {
	if err := p.prod.Close(); err != nil {
		p.log.Error("producer close failed", zap.Error(err))
		return err
	}
	p.log.Info("producer closed")
	return nil
}
