// Package decodertest собирает бинарные фреймы фида для тестов.
package decodertest

import "encoding/binary"

// Frame склеивает sub-packet'ы в фрейм с заголовком-счётчиком.
func Frame(packets ...[]byte) []byte {
	size := 2
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 2, size)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// LTP - 8-байтовый пакет: token + ltp.
func LTP(token, ltp uint32) []byte {
	b := make([]byte, 8)
	put(b, 0, token)
	put(b, 4, ltp)
	return b
}

// Index - 32-байтовый индексный пакет c timestamp (0 - без него).
func Index(token, ltp, ts uint32) []byte {
	b := make([]byte, 32)
	put(b, 0, token)
	put(b, 4, ltp)
	put(b, 28, ts)
	return b
}

// Quote - 44-байтовый пакет: ltp, atp, volume.
func Quote(token, ltp, atp, volume uint32) []byte {
	b := make([]byte, 44)
	put(b, 0, token)
	put(b, 4, ltp)
	put(b, 12, atp)
	put(b, 16, volume)
	return b
}

// Full - 184-байтовый пакет: ltp, atp, volume, oi, timestamp. Глубина заполнена нулями.
func Full(token, ltp, atp, volume, oi, ts uint32) []byte {
	b := make([]byte, 184)
	put(b, 0, token)
	put(b, 4, ltp)
	put(b, 12, atp)
	put(b, 16, volume)
	put(b, 48, oi)
	put(b, 60, ts)
	return b
}

func put(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }
