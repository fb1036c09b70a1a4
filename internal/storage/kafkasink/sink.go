// Package kafkasink экспортирует завершённые свечи в Kafka-топик.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/aggregator"
	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/kafka"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// Message - сообщение в топике; ключ сообщения = символ.
type Message struct {
	Symbol string    `json:"symbol"`
	Minute time.Time `json:"minute"`
	aggregator.Candle
}

// Sink реализует aggregator.Sink поверх kafka.Producer.
type Sink struct {
	producer kafka.Producer
	topic    string
	log      *logger.Logger
}

// New создаёт sink с заданным топиком.
func New(producer kafka.Producer, topic string, log *logger.Logger) (*Sink, error) {
	if producer == nil {
		return nil, fmt.Errorf("kafkasink: producer is nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafkasink: topic is required")
	}
	return &Sink{producer: producer, topic: topic, log: log.Named("kafka-sink")}, nil
}

// SaveCandles публикует каждую свечу отдельным сообщением. Ошибка одной
// свечи не останавливает пачку, исчерпанные ретраи и дедлайн ctx - да.
func (s *Sink) SaveCandles(ctx context.Context, candles []aggregator.Candle) error {
	var errs []error
	for _, c := range candles {
		value, err := json.Marshal(Message{Symbol: c.Symbol, Minute: c.Bucket.UTC(), Candle: c})
		if err != nil {
			errs = append(errs, fmt.Errorf("candle %s: marshal: %w", c.Symbol, err))
			continue
		}
		if err := s.producer.Publish(ctx, s.topic, []byte(c.Symbol), value); err != nil {
			errs = append(errs, fmt.Errorf("candle %s: %w", c.Symbol, err))
			// брокер не ответил за весь бюджет ретраев: остаток пачки не ждём
			if ctx.Err() != nil || errors.Is(err, backoff.ErrExhausted) {
				break
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("kafka export incomplete", zap.Int("failed", len(errs)), zap.Int("total", len(candles)), zap.Error(err))
		return err
	}
	return nil
}
