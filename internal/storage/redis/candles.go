// internal/storage/redis/candles.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var tracer = otel.Tracer("tick-saver/storage/redis")

// DefaultCandlePrefix - префикс hash-ключа свечей символа.
const DefaultCandlePrefix = "MINUTE_CANDLES"

// CandleStore пишет свечи в hash <prefix>:<symbol>, поле "HH:MM".
type CandleStore struct {
	client goredis.Cmdable
	prefix string
	loc    *time.Location
	log    *logger.Logger
}

// NewCandleStore создаёт хранилище. loc задаёт зону для минуты дня.
func NewCandleStore(client goredis.Cmdable, prefix string, loc *time.Location, log *logger.Logger) *CandleStore {
	if prefix == "" {
		prefix = DefaultCandlePrefix
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CandleStore{client: client, prefix: prefix, loc: loc, log: log.Named("candle-store")}
}

// Key - hash-ключ свечей символа.
func (s *CandleStore) Key(symbol string) string { return s.prefix + ":" + symbol }

// Field - поле минуты в hash'е.
func (s *CandleStore) Field(bucket time.Time) string { return bucket.In(s.loc).Format("15:04") }

// SaveCandles пишет пачку одним pipeline. Ошибки отдельных команд
// собираются по символам и не отменяют остальные записи.
func (s *CandleStore) SaveCandles(ctx context.Context, candles []aggregator.Candle) error {
	ctx, span := tracer.Start(ctx, "CandleStore.SaveCandles")
	defer span.End()

	type row struct {
		candle aggregator.Candle
		cmd    *goredis.IntCmd
	}
	var (
		errs []error
		rows = make([]row, 0, len(candles))
		pipe = s.client.Pipeline()
	)
	for _, c := range candles {
		data, err := json.Marshal(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("candle %s %s: marshal: %w", c.Symbol, s.Field(c.Bucket), err))
			continue
		}
		rows = append(rows, row{candle: c, cmd: pipe.HSet(ctx, s.Key(c.Symbol), s.Field(c.Bucket), data)})
	}
	span.SetAttributes(attribute.Int("candles", len(rows)))
	if len(rows) == 0 {
		return errors.Join(errs...)
	}

	_, execErr := pipe.Exec(ctx)
	failed := 0
	for _, r := range rows {
		if err := r.cmd.Err(); err != nil {
			failed++
			errs = append(errs, fmt.Errorf("candle %s %s: %w", r.candle.Symbol, s.Field(r.candle.Bucket), err))
		}
	}
	if execErr != nil && (failed == 0 || failed == len(rows)) {
		// redis недоступен целиком: ошибка только у Exec, команды пустые.
		// Считаем упавшими все строки пачки.
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "pipeline failed")
		s.log.Warn("candle pipeline failed", zap.Int("count", len(rows)), zap.Error(execErr))
		return fmt.Errorf("redis candle store: %d writes failed: %w", len(rows), execErr)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partial failure")
		return err
	}
	s.log.Debug("candles saved", zap.Int("count", len(rows)))
	return nil
}
