package porttest

import (
	"errors"
	"sync"

	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/transport"
)

// Factory stands in for sockets when building stacks. Every UDP transport
// is a Wire; Setup runs on each one before it is returned.
type Factory struct {
	Setup func(w *Wire)

	mu   sync.Mutex
	made []*Wire
}

func (f *Factory) UDP(name string, cfg transport.UDPConfig) (port.Port, error) {
	w := NewWire(name, max(cfg.QueueDepth, 8))
	w.DestPort = cfg.Port
	if f.Setup != nil {
		f.Setup(w)
	}
	f.mu.Lock()
	f.made = append(f.made, w)
	f.mu.Unlock()
	return w, nil
}

func (f *Factory) TCP(name string, cfg transport.TCPConfig) (port.Port, error) {
	return nil, errors.New("porttest: tcp transport not available")
}

func (f *Factory) Made() []*Wire {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Wire(nil), f.made...)
}
