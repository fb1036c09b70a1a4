// Package scheduler запускает flush агрегатора ровно один раз на каждую
// границу минуты, независимо от частоты опроса.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// Flusher - то, что сбрасывается на границе минуты.
type Flusher interface {
	Flush(ctx context.Context, now time.Time) aggregator.FlushReport
}

// Clock абстрагирует время для тестов.
type Clock interface {
	Now() time.Time
	// AfterFunc вызывает f через d; stop возвращает false, если f уже запущена.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Config - параметры планировщика.
// FlushTimeout ограничивает один flush: ретраи стоков не должны
// дотягиваться до следующей границы.
type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FlushDelay   time.Duration `mapstructure:"flush_delay"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// DefaultFlushTimeout - дедлайн flush'а по умолчанию.
const DefaultFlushTimeout = 50 * time.Second

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
}

func (c Config) validate() error {
	if c.PollInterval >= time.Minute {
		return fmt.Errorf("scheduler: poll_interval %s must be shorter than a minute", c.PollInterval)
	}
	if c.FlushDelay < 0 || c.FlushDelay >= time.Minute {
		return fmt.Errorf("scheduler: flush_delay %s out of range", c.FlushDelay)
	}
	if c.FlushTimeout <= 0 || c.FlushTimeout >= time.Minute {
		return fmt.Errorf("scheduler: flush_timeout %s must be in (0, 1m)", c.FlushTimeout)
	}
	return nil
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithClock подменяет часы.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// Scheduler ставит flush на следующую границу минуты.
type Scheduler struct {
	cfg     Config
	flusher Flusher
	clock   Clock
	log     *logger.Logger

	mu      sync.Mutex
	last    time.Time
	pending map[time.Time]func() bool
	wg      sync.WaitGroup
}

// New создаёт планировщик.
func New(cfg Config, flusher Flusher, log *logger.Logger, opts ...Option) (*Scheduler, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if flusher == nil {
		return nil, fmt.Errorf("scheduler: flusher is nil")
	}
	s := &Scheduler{
		cfg:     cfg,
		flusher: flusher,
		clock:   realClock{},
		log:     log.Named("scheduler"),
		pending: make(map[time.Time]func() bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Poll ставит flush на ближайшую будущую границу, если она ещё не стоит.
// Возвращает границу и признак того, что она поставлена сейчас. Граница
// считается от now, задержка таймера - от часов планировщика.
func (s *Scheduler) Poll(ctx context.Context, now time.Time) (time.Time, bool) {
	next := now.Truncate(time.Minute).Add(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !next.After(s.last) {
		return next, false
	}
	s.last = next

	flushCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	s.pending[next] = s.clock.AfterFunc(next.Sub(s.clock.Now())+s.cfg.FlushDelay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, next)
		s.mu.Unlock()
		s.fire(flushCtx, next)
	})
	metrics.ScheduledFlushes.Inc()
	s.log.Debug("flush scheduled", zap.Time("boundary", next))
	return next, true
}

func (s *Scheduler) fire(ctx context.Context, boundary time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()
	now := s.clock.Now()
	rep := s.flusher.Flush(ctx, now)
	fields := []zap.Field{
		zap.Time("boundary", boundary),
		zap.Int("expired", rep.Expired),
		zap.Int("persisted", rep.Persisted),
		zap.Int("flat", rep.Flat),
		zap.Int("out_of_session", rep.OutOfSession),
	}
	if rep.Err != nil {
		s.log.Warn("flush finished with errors", append(fields, zap.Error(rep.Err))...)
		return
	}
	s.log.Info("flush done", fields...)
}

// Run опрашивает часы каждые PollInterval до отмены ctx. При выходе
// снимает ещё не запущенные flush'и и ждёт уже идущие.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.Poll(ctx, s.clock.Now())
	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Poll(ctx, s.clock.Now())
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for at, stop := range s.pending {
		if stop() {
			s.wg.Done()
		}
		delete(s.pending, at)
	}
}

// Wait ждёт завершения запущенных flush'ей.
func (s *Scheduler) Wait() { s.wg.Wait() }
