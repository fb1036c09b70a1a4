package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/kafka"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

var bucket = time.Date(2026, 10, 14, 4, 30, 0, 0, time.UTC)

func TestSaveCandles_PublishesPerSymbol(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	check := func(val []byte) error {
		var m map[string]any
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m["symbol"] != "CT:1" || m["open"] != 1.0 || m["close"] != 2.0 {
			return fmt.Errorf("unexpected message %s", val)
		}
		if m["minute"] != "2026-10-14T04:30:00Z" {
			return fmt.Errorf("minute = %v", m["minute"])
		}
		return nil
	}
	mockProd.ExpectSendMessageWithCheckerFunctionAndSucceed(check)

	p := kafka.NewFromSyncProducer(mockProd, backoff.Config{}, logger.NewNop())
	sink, err := New(p, "candles.1m", logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	err = sink.SaveCandles(context.Background(), []aggregator.Candle{
		{Symbol: "CT:1", Bucket: bucket, Open: 1, High: 3, Low: 1, Close: 2},
	})
	if err != nil {
		t.Fatalf("SaveCandles: %v", err)
	}
	if err := mockProd.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

type failingProducer struct {
	fail map[string]bool
	sent []string
}

func (f *failingProducer) Publish(_ context.Context, _ string, key, _ []byte) error {
	if f.fail[string(key)] {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, string(key))
	return nil
}

func (f *failingProducer) Close() error { return nil }

func TestSaveCandles_FailureDoesNotStopBatch(t *testing.T) {
	p := &failingProducer{fail: map[string]bool{"A": true}}
	sink, _ := New(p, "t", logger.NewNop())

	err := sink.SaveCandles(context.Background(), []aggregator.Candle{
		{Symbol: "A", Bucket: bucket},
		{Symbol: "B", Bucket: bucket},
	})
	if err == nil {
		t.Fatal("expected error for A")
	}
	if len(p.sent) != 1 || p.sent[0] != "B" {
		t.Errorf("sent = %v; want [B]", p.sent)
	}
}

// deadBroker - каждая отправка падает с ErrOutOfBrokers.
type deadBroker struct {
	sarama.SyncProducer
	sends atomic.Int32
}

func (d *deadBroker) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	d.sends.Add(1)
	return 0, 0, sarama.ErrOutOfBrokers
}

func (d *deadBroker) Close() error { return nil }

func TestSaveCandles_BrokerDownReturns(t *testing.T) {
	broker := &deadBroker{}
	bo := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxElapsedTime: 30 * time.Millisecond}
	sink, err := New(kafka.NewFromSyncProducer(broker, bo, logger.NewNop()), "candles.1m", logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	candles := []aggregator.Candle{
		{Symbol: "A", Bucket: bucket},
		{Symbol: "B", Bucket: bucket},
		{Symbol: "C", Bucket: bucket},
	}

	done := make(chan error, 1)
	go func() { done <- sink.SaveCandles(context.WithoutCancel(context.Background()), candles) }()
	select {
	case err := <-done:
		if !errors.Is(err, backoff.ErrExhausted) {
			t.Fatalf("err = %v; want ErrExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SaveCandles hangs while the broker is down")
	}
	if n := broker.sends.Load(); n < 2 {
		t.Errorf("sends = %d; want retries before giving up", n)
	}
}

func TestSaveCandles_StopsAtDeadline(t *testing.T) {
	broker := &deadBroker{}
	// бюджет ретраев по умолчанию длиннее дедлайна
	bo := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond}
	sink, _ := New(kafka.NewFromSyncProducer(broker, bo, logger.NewNop()), "candles.1m", logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := sink.SaveCandles(ctx, []aggregator.Candle{{Symbol: "A", Bucket: bucket}, {Symbol: "B", Bucket: bucket}})
	if err == nil {
		t.Fatal("expected error")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("SaveCandles returned after %v", d)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "t", logger.NewNop()); err == nil {
		t.Error("nil producer accepted")
	}
	if _, err := New(&failingProducer{}, "", logger.NewNop()); err == nil {
		t.Error("empty topic accepted")
	}
}
