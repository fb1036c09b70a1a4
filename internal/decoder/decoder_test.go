package decoder_test

import (
	"math"
	"testing"

	"github.com/YaganovValera/tick-saver/internal/decoder"
	"github.com/YaganovValera/tick-saver/internal/decoder/decodertest"
)

func TestDecode_LTPPacket(t *testing.T) {
	frame := []byte{
		0x00, 0x01, // один пакет
		0x00, 0x08, // длина 8
		0x00, 0x00, 0x00, 0x01, // token 1
		0x00, 0x00, 0x27, 0x10, // 10000
	}
	got := decoder.DecodeAll(frame)
	if len(got) != 1 {
		t.Fatalf("packets = %d; want 1", len(got))
	}
	p := got[0]
	if p.Token != 1 || p.Kind != decoder.KindLTP {
		t.Errorf("token/kind = %d/%v; want 1/ltp", p.Token, p.Kind)
	}
	if ltp, ok := p.LTP(); !ok || ltp != 100.00 {
		t.Errorf("ltp = %v,%v; want 100,true", ltp, ok)
	}
	if p.Has(decoder.FieldATP) || p.Has(decoder.FieldTimestamp) {
		t.Error("ltp packet must not carry atp or timestamp")
	}
}

func TestDivisorBySegment(t *testing.T) {
	cases := []struct {
		name    string
		token   uint32
		raw     uint32
		divisor float64
	}{
		{"nse", 0x0100 | uint32(decoder.SegmentNSE), 123456, 100},
		{"cds", 0x0200 | uint32(decoder.SegmentCDS), 823456789, 10_000_000},
		{"bcd", 0x0300 | uint32(decoder.SegmentBCD), 823456, 10_000},
		{"indices", 0x0400 | uint32(decoder.SegmentIndices), 2250000, 100},
		{"unknown segment", 0x05ff, 777, 100},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := decoder.DecodeAll(decodertest.Frame(decodertest.LTP(c.token, c.raw)))
			if len(got) != 1 {
				t.Fatalf("packets = %d; want 1", len(got))
			}
			if got[0].Divisor != c.divisor {
				t.Errorf("divisor = %v; want %v", got[0].Divisor, c.divisor)
			}
			ltp, _ := got[0].LTP()
			if want := float64(c.raw) / c.divisor; math.Abs(ltp-want) > 1e-12 {
				t.Errorf("ltp = %v; want %v", ltp, want)
			}
		})
	}
}

func TestDecode_Shapes(t *testing.T) {
	index28 := make([]byte, 28)
	copy(index28, decodertest.LTP(256265, 2250010))

	frame := decodertest.Frame(
		decodertest.Index(256265, 2250000, 1700000000),
		index28,
		decodertest.Quote(408065, 150000, 149950, 1200),
		decodertest.Full(408065, 150100, 149960, 1300, 55, 1700000060),
	)
	got := decoder.DecodeAll(frame)
	if len(got) != 4 {
		t.Fatalf("packets = %d; want 4", len(got))
	}

	if ts, ok := got[0].Timestamp(); !ok || ts != 1700000000 {
		t.Errorf("index32 timestamp = %v,%v", ts, ok)
	}
	if got[1].Kind != decoder.KindIndex || got[1].Has(decoder.FieldTimestamp) {
		t.Errorf("index28 must have no timestamp: %+v", got[1])
	}

	q := got[2]
	atp, _ := q.ATP()
	vol, _ := q.Volume()
	if q.Kind != decoder.KindQuote || atp != 1499.50 || vol != 1200 || q.Has(decoder.FieldOI) {
		t.Errorf("quote decoded wrong: kind=%v atp=%v vol=%v", q.Kind, atp, vol)
	}

	f := got[3]
	oi, okOI := f.OI()
	ts, okTS := f.Timestamp()
	ltp, _ := f.LTP()
	if f.Kind != decoder.KindFull || ltp != 1501 || oi != 55 || !okOI || ts != 1700000060 || !okTS {
		t.Errorf("full decoded wrong: %+v", f)
	}
}

func TestDecode_Lenient(t *testing.T) {
	good := decodertest.LTP(1, 100)
	cases := []struct {
		name  string
		frame []byte
		want  int
	}{
		{"nil", nil, 0},
		{"one byte", []byte{0x01}, 0},
		{"count without packets", []byte{0x00, 0x05}, 0},
		{"trailing byte ignored", append(decodertest.Frame(good), 0x00), 1},
		{"unknown length skipped", decodertest.Frame(make([]byte, 12), good), 1},
		{"shorter than token", decodertest.Frame([]byte{0x01, 0x02}, good), 1},
		{"empty sub-packet", decodertest.Frame([]byte{}, good), 1},
		{"truncated body", decodertest.Frame(good, good)[:14], 1},
		{"count larger than content", func() []byte {
			f := decodertest.Frame(good, good)
			f[1] = 9
			return f
		}(), 2},
		{"count smaller than content", func() []byte {
			f := decodertest.Frame(good, good, good)
			f[1] = 1
			return f
		}(), 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := len(decoder.DecodeAll(c.frame)); got != c.want {
				t.Errorf("packets = %d; want %d", got, c.want)
			}
		})
	}
}

func TestDecode_EarlyStop(t *testing.T) {
	frame := decodertest.Frame(decodertest.LTP(1, 1), decodertest.LTP(2, 2), decodertest.LTP(3, 3))
	var seen []uint32
	for p := range decoder.Decode(frame) {
		seen = append(seen, p.Token)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v; want [1 2]", seen)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(decodertest.Frame(decodertest.LTP(1, 10000)))
	f.Add(decodertest.Frame(decodertest.Full(2, 1, 2, 3, 4, 5), decodertest.Quote(3, 1, 2, 3)))
	f.Add([]byte{0xff, 0xff, 0x00})
	f.Fuzz(func(t *testing.T, frame []byte) {
		for p := range decoder.Decode(frame) {
			if p.Divisor == 0 {
				t.Fatalf("zero divisor for %+v", p)
			}
		}
	})
}
