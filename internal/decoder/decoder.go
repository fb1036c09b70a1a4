// Package decoder разбирает бинарные фреймы тикерного фида.
//
// Фрейм: 2 байта (big-endian) - число пакетов n, далее n sub-packet'ов,
// каждый с 2-байтовым префиксом длины. Все целые - беззнаковые big-endian.
// Разбор нестрогий: обрезанный фрейм даёт меньше пакетов, но не ошибку.
package decoder

import (
	"encoding/binary"
	"iter"
)

const (
	lenLTP         = 8
	lenIndexQuote  = 28
	lenIndexFull   = 32
	lenQuote       = 44
	lenFull        = 184
	frameHeaderLen = 2
)

// Decode возвращает ленивую последовательность пакетов фрейма.
// Пакеты неизвестной длины пропускаются.
func Decode(frame []byte) iter.Seq[Packet] {
	return func(yield func(Packet) bool) {
		for raw := range split(frame) {
			p, ok := decodePacket(raw)
			if !ok {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// DecodeAll - то же, что Decode, но собирает пакеты в слайс.
func DecodeAll(frame []byte) []Packet {
	var out []Packet
	for p := range Decode(frame) {
		out = append(out, p)
	}
	return out
}

// split режет фрейм на sub-packet'ы. Останавливается, если заголовок
// или тело очередного пакета обрезаны.
func split(frame []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if len(frame) < frameHeaderLen {
			return
		}
		n := int(binary.BigEndian.Uint16(frame))
		off := frameHeaderLen
		for i := 0; i < n; i++ {
			if off+2 > len(frame) {
				return
			}
			size := int(binary.BigEndian.Uint16(frame[off:]))
			off += 2
			if off+size > len(frame) {
				return
			}
			if !yield(frame[off : off+size]) {
				return
			}
			off += size
		}
	}
}

func decodePacket(b []byte) (Packet, bool) {
	var p Packet
	switch len(b) {
	case lenLTP:
		p.Kind = KindLTP
	case lenIndexQuote, lenIndexFull:
		p.Kind = KindIndex
	case lenQuote, lenFull:
		if len(b) == lenFull {
			p.Kind = KindFull
		} else {
			p.Kind = KindQuote
		}
	default:
		return Packet{}, false
	}

	p.Token = u32(b, 0)
	p.Divisor = DivisorFor(SegmentOf(p.Token))
	p.ltp = float64(u32(b, 4)) / p.Divisor
	p.present = FieldLTP

	switch len(b) {
	case lenIndexFull:
		p.setTimestamp(u32(b, 28))
	case lenQuote, lenFull:
		p.atp = float64(u32(b, 12)) / p.Divisor
		p.volume = u32(b, 16)
		p.present |= FieldATP | FieldVolume
		if len(b) == lenFull {
			p.oi = u32(b, 48)
			p.present |= FieldOI
			p.setTimestamp(u32(b, 60))
		}
	}
	return p, true
}

// нулевой timestamp означает, что биржа его не прислала
func (p *Packet) setTimestamp(ts uint32) {
	if ts == 0 {
		return
	}
	p.timestamp = ts
	p.present |= FieldTimestamp
}

func u32(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off : off+4]) }
