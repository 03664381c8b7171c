package porttest

import (
	"encoding/binary"
	"sync"
)

// RegisterDevice answers SRP V2 read and write requests against a small
// little-endian memory. Responses echo the request header, so a virtual
// channel stamped into the transaction id comes back unchanged.
type RegisterDevice struct {
	mu  sync.Mutex
	mem []byte
}

func NewRegisterDevice(size int) *RegisterDevice {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = byte(i)
	}
	return &RegisterDevice{mem: mem}
}

func (d *RegisterDevice) Peek(off, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.mem[off:off+n]...)
}

// Serve is an OnPush script.
func (d *RegisterDevice) Serve(req []byte) [][]byte {
	if len(req) < 12 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	aw := binary.LittleEndian.Uint32(req[4:])
	off := int(aw&0x3fffffff) << 2
	var data []byte
	if aw&0x40000000 != 0 {
		payload := req[8 : len(req)-4]
		if off+len(payload) > len(d.mem) {
			return nil
		}
		copy(d.mem[off:], payload)
		data = payload
	} else {
		n := 4 * (int(binary.LittleEndian.Uint32(req[8:])) + 1)
		if off+n > len(d.mem) {
			return nil
		}
		data = d.mem[off : off+n]
	}
	rsp := make([]byte, 0, 8+len(data)+4)
	rsp = append(rsp, req[:8]...)
	rsp = append(rsp, data...)
	rsp = append(rsp, 0, 0, 0, 0)
	return [][]byte{rsp}
}
