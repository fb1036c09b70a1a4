package app

import (
	"context"

	"github.com/YaganovValera/tick-saver/internal/market"
)

// Observer - точка входа агрегатора свечей.
type Observer interface {
	Observe(t market.Tick) bool
}

// Submitter - очередь паблишера текущих значений.
type Submitter interface {
	Submit(symbol string, fields map[string]any) bool
}

// Pipeline раздаёт тик сессии агрегатору и, если задан, паблишеру.
type Pipeline struct {
	candles Observer
	live    Submitter
}

// NewPipeline создаёт обработчик тиков; live может быть nil.
func NewPipeline(candles Observer, live Submitter) *Pipeline {
	return &Pipeline{candles: candles, live: live}
}

// HandleTick реализует session.TickHandler.
func (p *Pipeline) HandleTick(_ context.Context, t market.Tick) {
	p.candles.Observe(t)
	if p.live == nil || t.Empty() {
		return
	}
	p.live.Submit(t.Symbol, t.Fields())
}
