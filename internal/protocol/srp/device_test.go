package srp

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/testutil/porttest"
)

// device is a register file answering SRP requests of one version.
type device struct {
	mu     sync.Mutex
	v      Version
	mem    []byte
	status uint32
	drop   int
	stale  bool
	short  bool
}

func newDevice(v Version) *device {
	mem := make([]byte, 256)
	for i := range mem {
		mem[i] = byte(i)
	}
	return &device{v: v, mem: mem}
}

func (d *device) snapshot(off, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.mem[off:off+n]...)
}

func (d *device) serve(req []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.drop > 0 {
		d.drop--
		return nil
	}
	order := d.v.ByteOrder()
	word := func(i int) uint32 { return order.Uint32(req[4*i:]) }

	var (
		hdr     []byte
		off, n  int
		write   bool
		payload []byte
	)
	switch d.v {
	case V1:
		hdr = req[:12]
		aw := word(2)
		off, write = int(aw&addrMask)<<2, aw&cmdWrite != 0
		if write {
			payload = req[12 : len(req)-4]
		} else {
			n = 4 * (int(word(3)) + 1)
		}
	case V2:
		hdr = req[:8]
		aw := word(1)
		off, write = int(aw&addrMask)<<2, aw&cmdWrite != 0
		if write {
			payload = req[8 : len(req)-4]
		} else {
			n = 4 * (int(word(2)) + 1)
		}
	case V3:
		hdr = req[:20]
		off = int(uint64(word(2)) | uint64(word(3))<<32)
		size := int(word(4)) + 1
		write = word(0)&cmdWriteV3 != 0
		if write {
			payload = req[20 : 20+size]
		} else {
			n = size
		}
	}

	var data []byte
	if write {
		p := append([]byte(nil), payload...)
		if d.v == V1 {
			swapWords(p)
		}
		copy(d.mem[off:], p)
		data = append([]byte(nil), payload...)
	} else {
		data = append([]byte(nil), d.mem[off:off+n]...)
		if d.v == V1 {
			swapWords(data)
		}
	}
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	if d.short {
		data = nil
	}
	status := make([]byte, 4)
	order.PutUint32(status, d.status)

	rsp := make([]byte, 0, len(hdr)+len(data)+4)
	rsp = append(rsp, hdr...)
	rsp = append(rsp, data...)
	rsp = append(rsp, status...)

	var out [][]byte
	if d.stale {
		old := append([]byte(nil), rsp...)
		at := d.v.tidOffset()
		order.PutUint32(old[at:], order.Uint32(old[at:])-1)
		out = append(out, old)
	}
	return append(out, rsp)
}

func testConfig(v Version) Config {
	cfg := DefaultConfig()
	cfg.Version = v
	cfg.Timeout = 20 * time.Millisecond
	cfg.DynTimeout = false
	cfg.RetryCount = 2
	cfg.Cacheable = WTCacheable
	return cfg
}

func newTestAddress(t *testing.T, cfg Config, d *device) (*Address, *porttest.Wire) {
	t.Helper()
	w := porttest.NewWire("wire", 16)
	if d != nil {
		w.OnPush(d.serve)
	}
	a, err := NewAddress("dev", w, cfg)
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	return a, w
}
