// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// ErrExhausted - операция так и не удалась за отведённое время.
var ErrExhausted = errors.New("backoff: retries exhausted")

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tick_saver", Subsystem: "backoff", Name: "attempts_total",
		Help: "Retried operation attempts by outcome",
	}, []string{"op", "outcome"})

	delaySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tick_saver", Subsystem: "backoff", Name: "delay_seconds",
		Help:    "Pause before the next attempt",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
	}, []string{"op"})
)

// Collectors - метрики пакета для регистрации вызывающей стороной.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{attemptsTotal, delaySeconds}
}

// Config - параметры экспоненциальной паузы между попытками.
// Нулевые значения заменяются умолчаниями; MaxElapsedTime = 0 - без лимита.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`

	// PerAttemptTimeout ограничивает одну попытку.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) withDefaults() (Config, error) {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	switch {
	case c.RandomizationFactor < 0 || c.RandomizationFactor > 1:
		return c, fmt.Errorf("backoff: randomization_factor %v not in [0,1]", c.RandomizationFactor)
	case c.Multiplier < 1:
		return c, fmt.Errorf("backoff: multiplier %v < 1", c.Multiplier)
	}
	return c, nil
}

func (c Config) policy(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.RandomizationFactor = c.RandomizationFactor
	bo.Multiplier = c.Multiplier
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsedTime
	return backoff.WithContext(bo, ctx)
}

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error { return backoff.Permanent(err) }

// Retry выполняет fn, пока она не вернёт nil, ошибку Permanent, или пока
// не истечёт MaxElapsedTime либо ctx. op - метка в логах и метриках.
func Retry(ctx context.Context, op string, cfg Config, log *logger.Logger, fn func(ctx context.Context) error) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}

	attempt := 0
	try := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}
		defer cancel()
		return fn(actx)
	}
	onRetry := func(err error, pause time.Duration) {
		attemptsTotal.WithLabelValues(op, "retry").Inc()
		delaySeconds.WithLabelValues(op).Observe(pause.Seconds())
		log.Warn("retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("pause", pause),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(try, cfg.policy(ctx), onRetry); err != nil {
		attemptsTotal.WithLabelValues(op, "gave_up").Inc()
		log.Error("giving up", zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
		return fmt.Errorf("%s: %w after %d attempt(s): %w", op, ErrExhausted, attempt, err)
	}
	attemptsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}
