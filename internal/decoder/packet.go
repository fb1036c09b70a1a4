package decoder

// Segment - код рынка в младшем байте instrument token.
type Segment uint8

const (
	SegmentNSE     Segment = 1
	SegmentNFO     Segment = 2
	SegmentCDS     Segment = 3
	SegmentBSE     Segment = 4
	SegmentBFO     Segment = 5
	SegmentBCD     Segment = 6
	SegmentMCX     Segment = 7
	SegmentMCXSX   Segment = 8
	SegmentIndices Segment = 9
	SegmentBSECDS  Segment = 6
)

const (
	divisorCDS     = 10_000_000.0
	divisorBCD     = 10_000.0
	divisorDefault = 100.0
)

// SegmentOf извлекает сегмент из токена.
func SegmentOf(token uint32) Segment { return Segment(token & 0xff) }

// DivisorFor возвращает делитель fixed-point цены для сегмента.
func DivisorFor(s Segment) float64 {
	switch s {
	case SegmentCDS:
		return divisorCDS
	case SegmentBCD:
		return divisorBCD
	default:
		return divisorDefault
	}
}

// Kind - форма sub-packet'а, определяется его длиной:
// 8 байт - LTP, 28/32 - индекс, 44 - quote, 184 - full.
type Kind uint8

const (
	KindLTP Kind = iota + 1
	KindIndex
	KindQuote
	KindFull
)

func (k Kind) String() string {
	switch k {
	case KindLTP:
		return "ltp"
	case KindIndex:
		return "index"
	case KindQuote:
		return "quote"
	case KindFull:
		return "full"
	default:
		return "unknown"
	}
}

// Field - битовая маска присутствующих в пакете значений.
type Field uint8

const (
	FieldLTP Field = 1 << iota
	FieldATP
	FieldVolume
	FieldOI
	FieldTimestamp
)

// Packet - один декодированный sub-packet. Поля, которых нет в данной
// форме пакета, отсутствуют (см. Has и аксессоры с ok-флагом).
type Packet struct {
	Token   uint32
	Kind    Kind
	Divisor float64

	present   Field
	ltp       float64
	atp       float64
	volume    uint32
	oi        uint32
	timestamp uint32
}

// Segment возвращает сегмент токена.
func (p Packet) Segment() Segment { return SegmentOf(p.Token) }

// Has сообщает, присутствует ли поле f.
func (p Packet) Has(f Field) bool { return p.present&f != 0 }

func (p Packet) LTP() (float64, bool)      { return p.ltp, p.Has(FieldLTP) }
func (p Packet) ATP() (float64, bool)      { return p.atp, p.Has(FieldATP) }
func (p Packet) Volume() (uint32, bool)    { return p.volume, p.Has(FieldVolume) }
func (p Packet) OI() (uint32, bool)        { return p.oi, p.Has(FieldOI) }
func (p Packet) Timestamp() (uint32, bool) { return p.timestamp, p.Has(FieldTimestamp) }
