package aggregator

import (
	"math"
	"time"
)

// Bucket - ширина свечи.
const Bucket = time.Minute

// Candle - финализированная минутная свеча, передаваемая в хранилище.
type Candle struct {
	Symbol string    `json:"-"`
	Bucket time.Time `json:"-"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	ATP    float64 `json:"atp"`
	Volume uint32  `json:"volume"`
	OI     uint32  `json:"oi"`
}

// Flat - open == high == low == close.
func (c Candle) Flat() bool {
	return c.Open == c.High && c.High == c.Low && c.Low == c.Close
}

// End - конец интервала свечи (исключительно).
func (c Candle) End() time.Time { return c.Bucket.Add(Bucket) }

// building - изменяемое состояние свечи до flush.
type building struct {
	priced                 bool
	open, high, low, close float64
	atp                    float64
	volume, oi             uint32
}

func newBuilding() *building {
	return &building{high: math.Inf(-1), low: math.Inf(1)}
}

func (b *building) price(p float64) {
	if !b.priced {
		b.open = p
		b.priced = true
	}
	if p > b.high {
		b.high = p
	}
	if p < b.low {
		b.low = p
	}
	b.close = p
}

func (b *building) freeze(symbol string, bucket time.Time) Candle {
	return Candle{
		Symbol: symbol,
		Bucket: bucket,
		Open:   b.open,
		High:   b.high,
		Low:    b.low,
		Close:  b.close,
		ATP:    b.atp,
		Volume: b.volume,
		OI:     b.oi,
	}
}
