package admin

import (
	"github.com/danmuck/cpsw/internal/netio"
)

type PortInfo struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Modules []string `json:"modules"`
}

func (s *Server) ListPorts() []PortInfo {
	entries := s.dev.Entries()
	list := make([]PortInfo, 0, len(entries))
	for _, e := range entries {
		mods := e.Modules()
		names := make([]string, 0, len(mods))
		for _, m := range mods {
			names = append(names, m.Name())
		}
		list = append(list, PortInfo{Name: e.Name, Kind: e.Kind(), Modules: names})
	}
	return list
}

// portStats keys the address counters under the port name and every module
// under its own name.
func portStats(e *netio.Entry) map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	if e.SRP != nil {
		out[e.Name] = e.SRP.Stats()
	} else {
		out[e.Name] = e.Stream.Stats()
	}
	for _, m := range e.Modules() {
		out[m.Name()] = m.Stats()
	}
	return out
}
