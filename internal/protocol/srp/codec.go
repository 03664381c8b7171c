package srp

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Version selects the SRP wire layout.
type Version int

const (
	VersionNone Version = 0
	V1          Version = 1
	V2          Version = 2
	V3          Version = 3
)

const (
	// MaxWords bounds the payload of one transaction.
	MaxWords = 256 - 11 - 4

	cmdRead  uint32 = 0x00000000
	cmdWrite uint32 = 0x40000000

	cmdReadV3     uint32 = 0x000
	cmdWriteV3    uint32 = 0x100
	protoVersion3 uint32 = 3
	ignoreMemResp uint32 = 0x4000

	addrMask uint32 = 0x3fffffff
)

func ParseVersion(raw string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "0":
		return VersionNone, nil
	case "v1", "1":
		return V1, nil
	case "v2", "2":
		return V2, nil
	case "v3", "3":
		return V3, nil
	}
	return VersionNone, fmt.Errorf("srp: unknown protocol version %q", raw)
}

func (v Version) String() string {
	if v == VersionNone {
		return "none"
	}
	return fmt.Sprintf("v%d", int(v))
}

// ByteOrder of header and status words: network order for V1, little-endian
// otherwise.
func (v Version) ByteOrder() binary.ByteOrder {
	if v == V1 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// overheadWords counts the non-payload words of a response including the
// status word.
func (v Version) overheadWords() int {
	switch v {
	case V1:
		return 4
	case V3:
		return 6
	default:
		return 3
	}
}

// tidOffset is the byte offset of the transaction id in requests and
// responses.
func (v Version) tidOffset() int {
	if v == V2 {
		return 0
	}
	return 4
}

// TIDOffset is exported for the virtual-channel mux.
func (v Version) TIDOffset() int {
	return v.tidOffset()
}

type request struct {
	version  Version
	vc       uint8
	tid      uint32
	off      uint64
	byteRes  bool
	ignore   bool
	totbytes int
	nWords   int
}

func (r request) putWords(words []uint32) []byte {
	out := make([]byte, 4*len(words))
	order := r.version.ByteOrder()
	for i, w := range words {
		order.PutUint32(out[4*i:], w)
	}
	return out
}

func (r request) v3Command(cmd uint32) uint32 {
	w := cmd | protoVersion3
	if r.ignore {
		w |= ignoreMemResp
	}
	return w
}

func (r request) v3Words(cmd uint32) []uint32 {
	lo := uint32(r.off)
	size := uint32(r.nWords*4 - 1)
	if r.byteRes {
		size = uint32(r.totbytes - 1)
	} else {
		lo &^= 3
	}
	return []uint32{r.v3Command(cmd), r.tid, lo, uint32(r.off >> 32), size}
}

func (r request) wordAddr(cmd uint32) uint32 {
	return uint32(r.off>>2)&addrMask | cmd
}

// readHeader encodes a complete read request.
func (r request) readHeader() []byte {
	switch r.version {
	case V1:
		return r.putWords([]uint32{uint32(r.vc) << 24, r.tid, r.wordAddr(cmdRead), uint32(r.nWords - 1), 0})
	case V3:
		return r.putWords(r.v3Words(cmdReadV3))
	default:
		return r.putWords([]uint32{r.tid, r.wordAddr(cmdRead), uint32(r.nWords - 1), 0})
	}
}

// writeHeader encodes the words preceding the write payload.
func (r request) writeHeader() []byte {
	switch r.version {
	case V1:
		return r.putWords([]uint32{uint32(r.vc) << 24, r.tid, r.wordAddr(cmdWrite)})
	case V3:
		return r.putWords(r.v3Words(cmdWriteV3))
	default:
		return r.putWords([]uint32{r.tid, r.wordAddr(cmdWrite)})
	}
}

// writeTrailer follows the write payload: a zero word for V1/V2, alignment
// padding for byte-resolution V3.
func (r request) writeTrailer() []byte {
	if r.version < V3 {
		return make([]byte, 4)
	}
	if r.byteRes && r.totbytes&3 != 0 {
		return make([]byte, 4-r.totbytes&3)
	}
	return nil
}

// swapWords reverses the bytes of every 32-bit word in place, converting
// between network-order V1 payload words and little-endian register layout.
func swapWords(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

// responseTID reads the transaction id; short responses yield zero.
func responseTID(v Version, rsp []byte) uint32 {
	off := v.tidOffset()
	if len(rsp) < off+4 {
		return 0
	}
	return v.ByteOrder().Uint32(rsp[off:])
}

// ResponseVC extracts the virtual channel a response belongs to.
func ResponseVC(v Version, rsp []byte) (uint8, bool) {
	switch v {
	case V1:
		if len(rsp) < 1 {
			return 0, false
		}
		return rsp[0], true
	default:
		off := v.tidOffset()
		if len(rsp) < off+4 {
			return 0, false
		}
		return rsp[off+3], true
	}
}
