// Package app собирает сервис: справочник, учётные записи, сессии,
// агрегатор, планировщик, паблишер и HTTP-сервер метрик.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/internal/catalog"
	"github.com/YaganovValera/tick-saver/internal/config"
	"github.com/YaganovValera/tick-saver/internal/credentials"
	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/internal/publisher"
	"github.com/YaganovValera/tick-saver/internal/scheduler"
	"github.com/YaganovValera/tick-saver/internal/session"
	"github.com/YaganovValera/tick-saver/internal/storage/kafkasink"
	candlestore "github.com/YaganovValera/tick-saver/internal/storage/redis"
	"github.com/YaganovValera/tick-saver/pkg/httpserver"
	"github.com/YaganovValera/tick-saver/pkg/kafka"
	"github.com/YaganovValera/tick-saver/pkg/logger"
	"github.com/YaganovValera/tick-saver/pkg/redis"
	"github.com/YaganovValera/tick-saver/pkg/safe"
	"github.com/YaganovValera/tick-saver/pkg/telemetry"
)

const readyTimeout = 2 * time.Second

// Run запускает сервис и блокируется до отмены ctx или фатальной ошибки.
// Пустой справочник и отсутствие учётных записей - ошибки старта.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	client, err := redis.Connect(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	universe, err := catalog.NewRedis(client, log).Universe(ctx, cfg.Catalog.Patterns)
	if err != nil {
		return err
	}
	accounts, err := credentials.NewRedisStore(client, cfg.Accounts.HashKey, log).
		Accounts(ctx, cfg.Accounts.AccountNames())
	if err != nil {
		return err
	}

	window, err := cfg.Candles.Window()
	if err != nil {
		return err
	}
	sinks := []aggregator.Sink{
		candlestore.NewCandleStore(client, cfg.Candles.KeyPrefix, window.Location(), log),
	}
	if cfg.Kafka.Enabled {
		producer, err := kafka.New(ctx, cfg.Kafka.Config, log)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		sink, err := kafkasink.New(producer, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}
	agg := aggregator.New(window, log, sinks...)

	var (
		live   Submitter
		fanout *publisher.Fanout
	)
	if cfg.Publisher.Enabled {
		pub, err := publisher.New(client, cfg.Publisher, log)
		if err != nil {
			return err
		}
		fanout = publisher.NewFanout(pub, client, log)
		live = fanout
	}
	pipeline := NewPipeline(agg, live)

	sessions, err := buildSessions(cfg, universe, accounts, pipeline, log)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.Scheduler, agg, log)
	if err != nil {
		return err
	}

	var started atomic.Bool
	srv, err := httpserver.New(cfg.HTTP, readiness(client, &started), log)
	if err != nil {
		return err
	}

	g := safe.New(ctx, log)
	g.Go("http", srv.Run)
	g.Go("scheduler", sched.Run)
	if fanout != nil {
		g.Go("fanout", fanout.Run)
	}
	for _, s := range sessions {
		g.Go("session "+s.Name(), s.Run)
	}
	started.Store(true)
	log.Info("service started",
		zap.Int("sessions", len(sessions)),
		zap.Int("accounts", len(accounts)),
		zap.Int("instruments", len(universe.Tokens)),
	)

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.FlushTimeout)
	rep := agg.Flush(flushCtx, time.Now())
	cancel()
	log.Info("final flush", zap.Stringer("report", rep), zap.Int("pending", agg.Len()))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildSessions(cfg *config.Config, u catalog.Universe, accounts []credentials.Account,
	handler session.TickHandler, log *logger.Logger) ([]*session.Session, error) {

	perConn, perAccount := cfg.Partition.TokensPerConnection, cfg.Partition.ConnectionsPerAccount
	if c := Capacity(len(accounts), perConn, perAccount); len(u.Tokens) > c {
		log.Warn("instrument universe exceeds capacity, surplus not streamed",
			zap.Int("instruments", len(u.Tokens)),
			zap.Int("capacity", c),
		)
	}

	var sessions []*session.Session
	for _, a := range Partition(u.Tokens, accounts, perConn, perAccount) {
		name := fmt.Sprintf("%s-%d", a.Account.Name, a.Conn+1)
		s, err := session.New(name,
			session.Credentials{APIKey: a.Account.APIKey, AccessToken: a.Account.AccessToken},
			a.Tokens, u.Symbols, handler, cfg.Feed, log)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func readiness(client *goredis.Client, started *atomic.Bool) httpserver.ReadyChecker {
	ping := redis.Ready(client, readyTimeout)
	return func() error {
		if !started.Load() {
			return errors.New("sessions not started")
		}
		return ping()
	}
}
