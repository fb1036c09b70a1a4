// Package aggregator собирает тики в минутные свечи и отдаёт
// завершённые свечи в хранилище на каждом flush.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/market"
	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var tracer = otel.Tracer("tick-saver/aggregator")

// Sink принимает пачку завершённых свечей. Ошибка по одному символу
// не должна мешать записи остальных.
type Sink interface {
	SaveCandles(ctx context.Context, candles []Candle) error
}

// Config - параметры торговой сессии.
type Config struct {
	SessionStart string `mapstructure:"session_start"`
	SessionEnd   string `mapstructure:"session_end"`
	Timezone     string `mapstructure:"timezone"`
}

// Window строит окно сессии из конфига.
func (c Config) Window() (Window, error) {
	if c.SessionStart == "" && c.SessionEnd == "" {
		return Window{}, nil
	}
	return ParseWindow(c.SessionStart, c.SessionEnd, c.Timezone)
}

type key struct {
	symbol string
	bucket int64 // unix seconds начала минуты
}

// FlushReport - итог одного flush. Persisted считает свечи, принятые
// хотя бы одним sink'ом.
type FlushReport struct {
	Expired      int
	Persisted    int
	Flat         int
	Unpriced     int
	OutOfSession int
	Err          error
}

// Aggregator владеет таблицей живых свечей. Безопасен для конкурентного
// использования из нескольких сессий.
type Aggregator struct {
	mu      sync.Mutex
	live    map[key]*building
	horizon time.Time

	window Window
	sinks  []Sink
	log    *logger.Logger
}

// New создаёт агрегатор. sinks получают каждую пачку по порядку.
func New(window Window, log *logger.Logger, sinks ...Sink) *Aggregator {
	return &Aggregator{
		live:   make(map[key]*building),
		window: window,
		sinks:  sinks,
		log:    log.Named("aggregator"),
	}
}

// Observe применяет тик к его минутной свече. Возвращает false, если
// тик пустой или пришёл для уже сброшенной минуты.
func (a *Aggregator) Observe(t market.Tick) bool {
	if t.Empty() {
		metrics.TicksDropped.WithLabelValues("empty").Inc()
		return false
	}
	bucket := t.EventTime.Truncate(Bucket)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.horizon.IsZero() && bucket.Add(Bucket).Before(a.horizon) {
		metrics.TicksDropped.WithLabelValues("late").Inc()
		return false
	}

	k := key{symbol: t.Symbol, bucket: bucket.Unix()}
	b, ok := a.live[k]
	if !ok {
		b = newBuilding()
		a.live[k] = b
		metrics.LiveCandles.Inc()
	}
	if t.LTP != nil && *t.LTP > 0 {
		b.price(*t.LTP)
	}
	if t.ATP != nil && *t.ATP > 0 {
		b.atp = *t.ATP
	}
	if t.Volume != nil && *t.Volume > 0 {
		b.volume = *t.Volume
	}
	if t.OI != nil && *t.OI > 0 {
		b.oi = *t.OI
	}
	return true
}

// Len - число живых свечей.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Flush снимает с таблицы все свечи, чья минута закончилась строго до now,
// и передаёт пригодные в sinks.
func (a *Aggregator) Flush(ctx context.Context, now time.Time) FlushReport {
	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "Aggregator.Flush")
	defer span.End()

	ready, rep := a.drain(now)
	span.SetAttributes(
		attribute.Int("candles.expired", rep.Expired),
		attribute.Int("candles.ready", len(ready)),
	)

	metrics.CandlesTotal.WithLabelValues("flat").Add(float64(rep.Flat))
	metrics.CandlesTotal.WithLabelValues("unpriced").Add(float64(rep.Unpriced))
	metrics.CandlesTotal.WithLabelValues("out_of_session").Add(float64(rep.OutOfSession))
	if rep.OutOfSession > 0 {
		a.log.Info("candles outside trading session discarded",
			zap.Int("count", rep.OutOfSession),
			zap.Time("now", now),
		)
	}
	if len(ready) == 0 {
		return rep
	}

	var (
		errs  []error
		saved bool
	)
	for _, s := range a.sinks {
		if err := s.SaveCandles(ctx, ready); err != nil {
			metrics.CandlesTotal.WithLabelValues("sink_error").Inc()
			errs = append(errs, err)
			continue
		}
		saved = true
	}
	if saved {
		rep.Persisted = len(ready)
		metrics.CandlesTotal.WithLabelValues("persisted").Add(float64(len(ready)))
	}

	if rep.Err = errors.Join(errs...); rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, "sink failed")
		a.log.WithContext(ctx).Error("candle persistence failed",
			zap.Int("candles", len(ready)),
			zap.Error(rep.Err),
		)
		return rep
	}
	a.log.Debug("candles flushed", zap.Int("count", len(ready)), zap.Time("now", now))
	return rep
}

func (a *Aggregator) drain(now time.Time) ([]Candle, FlushReport) {
	var (
		rep   FlushReport
		ready []Candle
	)

	a.mu.Lock()
	if now.After(a.horizon) {
		a.horizon = now
	}
	for k, b := range a.live {
		bucket := time.Unix(k.bucket, 0)
		if !bucket.Add(Bucket).Before(now) {
			continue
		}
		delete(a.live, k)
		rep.Expired++

		c := b.freeze(k.symbol, bucket)
		switch {
		case !b.priced:
			rep.Unpriced++
		case c.Flat():
			rep.Flat++
		case !a.window.Contains(bucket):
			rep.OutOfSession++
			a.log.Debug("candle outside session",
				zap.String("symbol", k.symbol),
				zap.Time("bucket", bucket),
			)
		default:
			ready = append(ready, c)
		}
	}
	metrics.LiveCandles.Set(float64(len(a.live)))
	a.mu.Unlock()

	slices.SortFunc(ready, func(x, y Candle) int {
		if c := cmp.Compare(x.Symbol, y.Symbol); c != 0 {
			return c
		}
		return x.Bucket.Compare(y.Bucket)
	})
	return ready, rep
}

// String для логов планировщика.
func (r FlushReport) String() string {
	return fmt.Sprintf("expired=%d persisted=%d flat=%d unpriced=%d out_of_session=%d",
		r.Expired, r.Persisted, r.Flat, r.Unpriced, r.OutOfSession)
}
