// Package publisher хранит текущие значения полей инструмента в redis
// hash и рассылает уведомления только об изменившихся полях.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var tracer = otel.Tracer("tick-saver/publisher")

const (
	DefaultRatio     = 0.66
	DefaultChannel   = "TICK:CHANGES"
	DefaultKeyPrefix = "TICKS"

	// referenceFields - число полей полного тика, от которого считается порог.
	referenceFields = 15
)

// Config - параметры паблишера и его fanout'а.
type Config struct {
	Enabled    bool     `mapstructure:"enabled"`
	Ratio      float64  `mapstructure:"ratio"`
	Channel    string   `mapstructure:"channel"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
	Structured []string `mapstructure:"structured"`
	Workers    int      `mapstructure:"workers"`
	QueueSize  int      `mapstructure:"queue_size"`
	BatchSize  int      `mapstructure:"batch_size"`
}

func (c *Config) applyDefaults() {
	if c.Ratio == 0 {
		c.Ratio = DefaultRatio
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Structured == nil {
		c.Structured = []string{"depth"}
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
}

func (c Config) validate() error {
	if c.Ratio < 0 {
		return fmt.Errorf("publisher: ratio must be positive, got %v", c.Ratio)
	}
	return nil
}

// Threshold - минимальное число изменённых полей для полной замены.
func (c Config) Threshold() int {
	t := int(referenceFields * c.Ratio)
	if t < 1 {
		t = 1
	}
	return t
}

// Kind - решение паблишера для одного вызова.
type Kind int

const (
	Noop Kind = iota
	Partial
	Full
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "noop"
	}
}

// Event - уведомление в канале изменений.
type Event struct {
	Symbol      string         `json:"symbol"`
	FullReplace bool           `json:"full_replace"`
	Changes     map[string]any `json:"changes,omitempty"`
}

// Result описывает, что было поставлено в pipeline.
type Result struct {
	Kind    Kind
	Written map[string]any
	Event   *Event
}

type entry struct {
	hashes      map[string]string
	initialized bool
}

// Publisher владеет кешем хешей полей. Кеш живёт до конца процесса и
// не откатывается при ошибке записи.
type Publisher struct {
	client     goredis.Cmdable
	cfg        Config
	threshold  int
	structured map[string]struct{}
	log        *logger.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

// New создаёт паблишер.
func New(client goredis.Cmdable, cfg Config, log *logger.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	structured := make(map[string]struct{}, len(cfg.Structured))
	for _, f := range cfg.Structured {
		structured[f] = struct{}{}
	}
	return &Publisher{
		client:     client,
		cfg:        cfg,
		threshold:  cfg.Threshold(),
		structured: structured,
		log:        log.Named("publisher"),
		cache:      make(map[string]*entry),
	}, nil
}

// Key - hash-ключ текущих значений символа.
func (p *Publisher) Key(symbol string) string { return p.cfg.KeyPrefix + ":" + symbol }

// Channel - канал уведомлений.
func (p *Publisher) Channel() string { return p.cfg.Channel }

// Publish сравнивает fields с кешем и при необходимости пишет их в redis
// одним pipeline.
func (p *Publisher) Publish(ctx context.Context, symbol string, fields map[string]any) (Result, error) {
	ctx, span := tracer.Start(ctx, "Publisher.Publish")
	defer span.End()

	pipe := p.client.Pipeline()
	res, err := p.Stage(ctx, pipe, symbol, fields)
	if err != nil || res.Kind == Noop {
		return res, err
	}
	span.SetAttributes(attribute.String("kind", res.Kind.String()), attribute.Int("written", len(res.Written)))
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PublishErrors.Inc()
		span.RecordError(err)
		return res, fmt.Errorf("publisher: %s: %w", symbol, err)
	}
	return res, nil
}

// Stage принимает решение и ставит команды в pipe, не выполняя его.
// Кеш обновляется сразу.
func (p *Publisher) Stage(ctx context.Context, pipe goredis.Pipeliner, symbol string, fields map[string]any) (Result, error) {
	hashes := make(map[string]string, len(fields))
	for f, v := range fields {
		hashes[f] = Hash(v)
	}

	p.mu.Lock()
	e, ok := p.cache[symbol]
	if !ok {
		e = &entry{hashes: make(map[string]string, len(fields))}
		p.cache[symbol] = e
	}
	var changed []string
	for f, h := range hashes {
		if e.hashes[f] != h || !e.initialized {
			changed = append(changed, f)
		}
	}

	res := Result{}
	switch {
	case !e.initialized || len(changed) >= p.threshold:
		res.Kind = Full
		e.hashes = hashes
		e.initialized = true
	case len(changed) > 0:
		res.Kind = Partial
		for _, f := range changed {
			e.hashes[f] = hashes[f]
		}
	}
	p.mu.Unlock()

	metrics.PublishOps.WithLabelValues(res.Kind.String()).Inc()
	if res.Kind == Noop {
		return res, nil
	}

	key := p.Key(symbol)
	switch res.Kind {
	case Full:
		res.Written = make(map[string]any, len(fields))
		for f, v := range fields {
			res.Written[f] = encode(v)
		}
		if p.notifiable(changed) {
			res.Event = &Event{Symbol: symbol, FullReplace: true}
		}
	case Partial:
		res.Written = make(map[string]any, len(changed))
		changes := make(map[string]any, len(changed))
		for _, f := range changed {
			res.Written[f] = encode(fields[f])
			if _, skip := p.structured[f]; !skip {
				changes[f] = fields[f]
			}
		}
		if len(changes) > 0 {
			res.Event = &Event{Symbol: symbol, Changes: changes}
		}
	}
	if len(res.Written) > 0 {
		pipe.HSet(ctx, key, res.Written)
	}

	if res.Event != nil {
		msg, err := json.Marshal(res.Event)
		if err != nil {
			return res, fmt.Errorf("publisher: %s: marshal event: %w", symbol, err)
		}
		pipe.Publish(ctx, p.cfg.Channel, msg)
	}
	p.log.Debug("staged",
		zap.String("symbol", symbol),
		zap.Stringer("kind", res.Kind),
		zap.Int("changed", len(changed)),
	)
	return res, nil
}

func (p *Publisher) notifiable(changed []string) bool {
	for _, f := range changed {
		if _, skip := p.structured[f]; !skip {
			return true
		}
	}
	return false
}
