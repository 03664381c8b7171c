package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that reports named counters, such as a protocol
// module or an SRP address.
type StatsSource interface {
	Stats() map[string]uint64
}

var moduleStats = newStatsCollector()

// statsCollector exports registered sources at scrape time as
// cpsw_module_stat{source,stat}.
type statsCollector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource
	desc    *prometheus.Desc
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		sources: make(map[string]StatsSource),
		desc: prometheus.NewDesc(
			"cpsw_module_stat",
			"Protocol module and address counters.",
			[]string{"source", "stat"},
			nil,
		),
	}
}

// RegisterStatsSource exposes src under name; a later call with the same
// name replaces it.
func RegisterStatsSource(name string, src StatsSource) {
	RegisterMetrics()
	moduleStats.mu.Lock()
	moduleStats.sources[name] = src
	moduleStats.mu.Unlock()
}

func UnregisterStatsSource(name string) {
	moduleStats.mu.Lock()
	delete(moduleStats.sources, name)
	moduleStats.mu.Unlock()
}

// StatsSnapshot returns the current counters of every registered source.
func StatsSnapshot() map[string]map[string]uint64 {
	moduleStats.mu.RLock()
	defer moduleStats.mu.RUnlock()
	out := make(map[string]map[string]uint64, len(moduleStats.sources))
	for name, src := range moduleStats.sources {
		out[name] = src.Stats()
	}
	return out
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := StatsSnapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for stat, v := range snap[name] {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.UntypedValue, float64(v), name, stat)
		}
	}
}
