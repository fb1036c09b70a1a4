package publisher

import (
	"context"
	"hash/fnv"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/metrics"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

type update struct {
	symbol string
	fields map[string]any
}

// Fanout раскладывает обновления по воркерам по хешу символа: порядок
// внутри символа сохраняется, воркер пишет накопленную пачку одним pipeline.
type Fanout struct {
	pub    *Publisher
	client goredis.Cmdable
	shards []chan update
	batch  int
	log    *logger.Logger

	once sync.Once
	wg   sync.WaitGroup
}

// NewFanout создаёт fanout по параметрам Config паблишера.
func NewFanout(pub *Publisher, client goredis.Cmdable, log *logger.Logger) *Fanout {
	cfg := pub.cfg
	f := &Fanout{
		pub:    pub,
		client: client,
		shards: make([]chan update, cfg.Workers),
		batch:  cfg.BatchSize,
		log:    log.Named("publisher-fanout"),
	}
	for i := range f.shards {
		f.shards[i] = make(chan update, cfg.QueueSize)
	}
	return f
}

// Submit ставит обновление в очередь воркера. Не блокирует: при полной
// очереди обновление отбрасывается и возвращается false.
func (f *Fanout) Submit(symbol string, fields map[string]any) bool {
	select {
	case f.shards[f.shard(symbol)] <- update{symbol: symbol, fields: fields}:
		return true
	default:
		metrics.FanoutDrops.Inc()
		return false
	}
}

func (f *Fanout) shard(symbol string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(f.shards)))
}

// Run запускает воркеры и ждёт их завершения после отмены ctx.
func (f *Fanout) Run(ctx context.Context) error {
	f.once.Do(func() {
		for i, ch := range f.shards {
			f.wg.Add(1)
			go func(id int, ch <-chan update) {
				defer f.wg.Done()
				f.worker(ctx, id, ch)
			}(i, ch)
		}
	})
	f.log.Info("publisher fanout started", zap.Int("workers", len(f.shards)))
	<-ctx.Done()
	f.wg.Wait()
	f.log.Info("publisher fanout stopped")
	return nil
}

func (f *Fanout) worker(ctx context.Context, id int, ch <-chan update) {
	batch := make([]update, 0, f.batch)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ch:
			batch = append(batch[:0], u)
		}
	drain:
		for len(batch) < f.batch {
			select {
			case u := <-ch:
				batch = append(batch, u)
			default:
				break drain
			}
		}
		f.flush(ctx, id, batch)
	}
}

func (f *Fanout) flush(ctx context.Context, id int, batch []update) {
	pipe := f.client.Pipeline()
	staged := 0
	for _, u := range batch {
		res, err := f.pub.Stage(ctx, pipe, u.symbol, u.fields)
		if err != nil {
			f.log.Warn("stage failed", zap.String("symbol", u.symbol), zap.Error(err))
			continue
		}
		if res.Kind != Noop {
			staged++
		}
	}
	if staged == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PublishErrors.Inc()
		f.log.Warn("publish pipeline failed",
			zap.Int("worker", id),
			zap.Int("updates", staged),
			zap.Error(err),
		)
	}
}
