package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

func TestConfig_DefaultsAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Config
		wantErr bool
	}{
		{"no brokers", Config{}, true},
		{"defaults", Config{Brokers: []string{"b1"}}, false},
		{"mixed case", Config{Brokers: []string{"b1"}, RequiredAcks: "LeAdEr", Compression: "ZSTD"}, false},
		{"bad acks", Config{Brokers: []string{"b1"}, RequiredAcks: "some"}, true},
		{"bad codec", Config{Brokers: []string{"b1"}, Compression: "brotli"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.in
			cfg.applyDefaults()
			if err := cfg.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaramaConfig(t *testing.T) {
	tests := []struct {
		acks, codec string
		want        sarama.RequiredAcks
		idempotent  bool
	}{
		{"all", "none", sarama.WaitForAll, true},
		{"leader", "gzip", sarama.WaitForLocal, false},
		{"none", "zstd", sarama.NoResponse, false},
	}
	for _, tt := range tests {
		t.Run(tt.acks+"/"+tt.codec, func(t *testing.T) {
			cfg := Config{Brokers: []string{"x"}, RequiredAcks: tt.acks, Compression: tt.codec}
			cfg.applyDefaults()
			sc := saramaConfig(cfg)
			if sc.Producer.RequiredAcks != tt.want || sc.Producer.Idempotent != tt.idempotent {
				t.Errorf("acks = %v idempotent = %v", sc.Producer.RequiredAcks, sc.Producer.Idempotent)
			}
			if sc.ClientID != "tick-saver" {
				t.Errorf("client id = %q", sc.ClientID)
			}
			if err := sc.Validate(); err != nil {
				t.Errorf("sarama config invalid: %v", err)
			}
		})
	}
}

func TestPublish_RetriesTransientError(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	mockProd.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mockProd.ExpectSendMessageAndSucceed()

	bo := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxElapsedTime: 100 * time.Millisecond}
	p := NewFromSyncProducer(mockProd, bo, logger.NewNop())
	if err := p.Publish(context.Background(), "candles.1m", []byte("CT:1"), []byte("{}")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, logger.NewNop()); err == nil {
		t.Fatal("empty config accepted")
	}
	cfg := Config{Brokers: []string{"dummy"}, RequiredAcks: "invalid"}
	if _, err := New(context.Background(), cfg, logger.NewNop()); err == nil {
		t.Fatal("invalid required_acks accepted")
	}
}

// downProducer - брокер недоступен на каждой попытке.
type downProducer struct {
	sarama.SyncProducer
	sends atomic.Int32
}

func (d *downProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	d.sends.Add(1)
	return 0, 0, sarama.ErrOutOfBrokers
}

func (d *downProducer) Close() error { return nil }

func TestNewFromSyncProducer_BoundsRetries(t *testing.T) {
	p := NewFromSyncProducer(&downProducer{}, backoff.Config{}, logger.NewNop()).(*syncProducer)
	if p.bo.MaxElapsedTime != DefaultMaxElapsedTime {
		t.Errorf("max_elapsed_time = %v; want %v", p.bo.MaxElapsedTime, DefaultMaxElapsedTime)
	}
	if p.bo.PerAttemptTimeout != DefaultPerAttemptTimeout {
		t.Errorf("per_attempt_timeout = %v; want %v", p.bo.PerAttemptTimeout, DefaultPerAttemptTimeout)
	}

	cfg := Config{Brokers: []string{"b1"}}
	cfg.applyDefaults()
	if cfg.Backoff.MaxElapsedTime != DefaultMaxElapsedTime {
		t.Errorf("config max_elapsed_time = %v", cfg.Backoff.MaxElapsedTime)
	}
}

func TestPublish_BrokerDownGivesUp(t *testing.T) {
	down := &downProducer{}
	bo := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxElapsedTime: 50 * time.Millisecond}
	p := NewFromSyncProducer(down, bo, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Publish(context.Background(), "candles.1m", []byte("CT:1"), []byte("{}")) }()
	select {
	case err := <-done:
		if !errors.Is(err, backoff.ErrExhausted) {
			t.Fatalf("err = %v; want ErrExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Publish still retrying against a dead broker")
	}
	if down.sends.Load() < 2 {
		t.Errorf("sends = %d; want retries", down.sends.Load())
	}
}

func TestPublish_StopsAtContextDeadline(t *testing.T) {
	down := &downProducer{}
	// лимит по времени из умолчаний (30s), но дедлайн ctx короче
	bo := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond}
	p := NewFromSyncProducer(down, bo, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Publish(ctx, "candles.1m", []byte("CT:1"), []byte("{}")); err == nil {
		t.Fatal("Publish succeeded against a dead broker")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Publish returned after %v", d)
	}
}
