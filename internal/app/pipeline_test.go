package app

import (
	"context"
	"testing"
	"time"

	"github.com/YaganovValera/tick-saver/internal/market"
)

type fakeObserver struct{ ticks []market.Tick }

func (f *fakeObserver) Observe(t market.Tick) bool {
	f.ticks = append(f.ticks, t)
	return true
}

type fakeSubmitter struct{ symbols []string }

func (f *fakeSubmitter) Submit(symbol string, _ map[string]any) bool {
	f.symbols = append(f.symbols, symbol)
	return true
}

func TestPipeline_FansOut(t *testing.T) {
	obs, sub := &fakeObserver{}, &fakeSubmitter{}
	p := NewPipeline(obs, sub)

	ts := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	p.HandleTick(context.Background(), market.Tick{Symbol: "NIFTY", LTP: market.Float(101.5), EventTime: ts})
	p.HandleTick(context.Background(), market.Tick{Symbol: "EMPTY", EventTime: ts})

	if len(obs.ticks) != 2 {
		t.Errorf("observer got %d ticks, want 2", len(obs.ticks))
	}
	if len(sub.symbols) != 1 || sub.symbols[0] != "NIFTY" {
		t.Errorf("submitter got %v", sub.symbols)
	}
}

func TestPipeline_WithoutLive(t *testing.T) {
	obs := &fakeObserver{}
	p := NewPipeline(obs, nil)
	p.HandleTick(context.Background(), market.Tick{Symbol: "NIFTY", LTP: market.Float(1)})
	if len(obs.ticks) != 1 {
		t.Errorf("observer got %d ticks", len(obs.ticks))
	}
}
