// pkg/safe/safe.go
package safe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/pkg/logger"
)

// Group - errgroup с именованными задачами и перехватом panic.
// Первая ошибка (или паника) отменяет общий контекст.
type Group struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelCauseFunc
	log    *logger.Logger

	once sync.Once
	err  error
}

// New создаёт группу, производную от ctx.
func New(ctx context.Context, log *logger.Logger) *Group {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Group{ctx: ctx, cancel: cancel, log: log.Named("safe")}
}

// Context - общий контекст задач группы.
func (g *Group) Context() context.Context { return g.ctx }

// Go запускает fn под именем name.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("panic recovered", zap.String("task", name), zap.Any("panic", r))
				g.fail(fmt.Errorf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(g.ctx); err != nil {
			if g.ctx.Err() == nil {
				g.log.Error("task failed", zap.String("task", name), zap.Error(err))
			}
			g.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (g *Group) fail(err error) {
	g.once.Do(func() {
		g.err = err
		g.cancel(err)
	})
}

// Wait ждёт все задачи и возвращает первую ошибку.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel(nil)
	return g.err
}
