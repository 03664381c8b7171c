package depack

// V0 frame header: 8 bytes, fields packed little-endian at bit granularity.
const (
	HeaderSize = 8
	TailSize   = 1

	Version0 = 0

	FrameNoBits = 12
	FragNoBits  = 24

	FrameNoMask = 1<<FrameNoBits - 1
	// FragMax is the reserved fragment number that forces end of frame.
	FragMax = 1<<FragNoBits - 1

	tailEOFBit = 7
	tUsr1SOF   = 1 << 1
)

type field struct {
	off  uint
	bits uint
}

var (
	fVersion = field{0, 4}
	fFrameNo = field{4, FrameNoBits}
	fFragNo  = field{16, FragNoBits}
	fTDest   = field{40, 8}
	fTID     = field{48, 8}
	fTUsr1   = field{56, 8}
)

// Header is the decoded frame header.
type Header struct {
	Version uint8
	FrameNo uint16
	FragNo  uint32
	TDest   uint8
	TID     uint8
	TUsr1   uint8
}

func (h Header) SOF() bool {
	return h.TUsr1&tUsr1SOF != 0
}

// getNum extracts a field that may straddle byte boundaries.
func getNum(b []byte, f field) uint64 {
	var v uint64
	for i := uint(0); i < f.bits; {
		bit := f.off + i
		idx, sh := bit/8, bit%8
		take := 8 - sh
		if take > f.bits-i {
			take = f.bits - i
		}
		chunk := uint64(b[idx]>>sh) & (1<<take - 1)
		v |= chunk << i
		i += take
	}
	return v
}

func setNum(b []byte, f field, v uint64) {
	for i := uint(0); i < f.bits; {
		bit := f.off + i
		idx, sh := bit/8, bit%8
		take := 8 - sh
		if take > f.bits-i {
			take = f.bits - i
		}
		msk := byte((1<<take - 1) << sh)
		b[idx] = b[idx]&^msk | byte(v>>i<<sh)&msk
		i += take
	}
}

// ParseHeader decodes b; ok is false when b is short or not version 0.
func ParseHeader(b []byte) (Header, bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		Version: uint8(getNum(b, fVersion)),
		FrameNo: uint16(getNum(b, fFrameNo)),
		FragNo:  uint32(getNum(b, fFragNo)),
		TDest:   uint8(getNum(b, fTDest)),
		TID:     uint8(getNum(b, fTID)),
		TUsr1:   uint8(getNum(b, fTUsr1)),
	}
	if h.Version != Version0 {
		return Header{}, false
	}
	return h, true
}

// PutHeader encodes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	setNum(b, fVersion, uint64(h.Version))
	setNum(b, fFrameNo, uint64(h.FrameNo))
	setNum(b, fFragNo, uint64(h.FragNo))
	setNum(b, fTDest, uint64(h.TDest))
	setNum(b, fTID, uint64(h.TID))
	setNum(b, fTUsr1, uint64(h.TUsr1))
}

// NewHeader returns an encoded start-of-frame header for tdest.
func NewHeader(tdest uint8) []byte {
	out := make([]byte, HeaderSize)
	PutHeader(out, Header{TDest: tdest, TUsr1: tUsr1SOF})
	return out
}

func TailEOF(tail byte) bool {
	return tail&(1<<tailEOFBit) != 0
}

func SetTailEOF(tail byte, eof bool) byte {
	if eof {
		return tail | 1<<tailEOFBit
	}
	return tail &^ (1 << tailEOFBit)
}

// frameDiff is a-b as a signed distance in the 12-bit frame number space.
func frameDiff(a, b uint16) int {
	d := int(a-b) & FrameNoMask
	if d >= 1<<(FrameNoBits-1) {
		d -= 1 << FrameNoBits
	}
	return d
}

func nextFrame(f uint16) uint16 {
	return (f + 1) & FrameNoMask
}
