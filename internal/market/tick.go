// Package market содержит доменный тик, который проходит от сессии
// к агрегатору свечей и к паблишеру изменений.
package market

import (
	"time"

	"github.com/YaganovValera/tick-saver/internal/decoder"
)

// Tick - одно наблюдение по инструменту. Поля-указатели отсутствуют,
// если upstream их не прислал для данной формы пакета.
type Tick struct {
	Symbol    string
	Token     uint32
	Divisor   float64
	LTP       *float64
	ATP       *float64
	Volume    *uint32
	OI        *uint32
	EventTime time.Time

	// HasExchangeTime - EventTime взят из пакета, а не из времени приёма.
	HasExchangeTime bool
}

// FromPacket переводит пакет декодера в Tick. Если в пакете нет
// биржевого времени, используется received.
func FromPacket(symbol string, p decoder.Packet, received time.Time) Tick {
	t := Tick{
		Symbol:    symbol,
		Token:     p.Token,
		Divisor:   p.Divisor,
		EventTime: received,
	}
	if v, ok := p.LTP(); ok {
		t.LTP = &v
	}
	if v, ok := p.ATP(); ok {
		t.ATP = &v
	}
	if v, ok := p.Volume(); ok {
		t.Volume = &v
	}
	if v, ok := p.OI(); ok {
		t.OI = &v
	}
	if ts, ok := p.Timestamp(); ok {
		t.EventTime = time.Unix(int64(ts), 0)
		t.HasExchangeTime = true
	}
	return t
}

// Empty - все измеряемые поля отсутствуют или равны нулю.
func (t Tick) Empty() bool {
	return f64(t.LTP) == 0 && f64(t.ATP) == 0 && u32(t.Volume) == 0 && u32(t.OI) == 0
}

// Fields возвращает набор полей для публикации текущих значений.
func (t Tick) Fields() map[string]any {
	out := make(map[string]any, 5)
	if t.LTP != nil {
		out["ltp"] = *t.LTP
	}
	if t.ATP != nil {
		out["atp"] = *t.ATP
	}
	if t.Volume != nil {
		out["volume"] = *t.Volume
	}
	if t.OI != nil {
		out["oi"] = *t.OI
	}
	if t.HasExchangeTime {
		out["timestamp"] = t.EventTime.Unix()
	}
	return out
}

func f64(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func u32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

// Float и Uint - конструкторы указателей для тестов и фикстур.
func Float(v float64) *float64 { return &v }
func Uint(v uint32) *uint32    { return &v }
