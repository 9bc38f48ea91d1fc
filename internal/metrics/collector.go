// Package metrics exposes counters, gauges, and histograms in
// Prometheus text exposition format without pulling in
// prometheus/client_golang.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry backing the /metrics endpoint.
var Collector = NewMetricsCollector()

type MetricsCollector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	order      []string // registration order, for stable output
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing value.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks a distribution over fixed cumulative buckets. The
// implicit +Inf bucket is the observation count.
type Histogram struct {
	name string
	help string

	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Counter registers (or returns the already-registered) counter.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help}
	c.counters[name] = ctr
	c.order = append(c.order, name)
	return ctr
}

// Gauge registers (or returns the already-registered) gauge.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	c.gauges[name] = g
	c.order = append(c.order, name)
	return g
}

// Histogram registers (or returns the already-registered) histogram.
func (c *MetricsCollector) Histogram(name, help string, buckets []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[name]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{name: name, help: help, bounds: bounds, buckets: make([]int64, len(bounds))}
	c.histograms[name] = h
	c.order = append(c.order, name)
	return h
}

// Handler serves the registry in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.render(w)
	}
}

func (c *MetricsCollector) render(w io.Writer) {
	fmt.Fprintf(w, "# HELP zapbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE zapbot_uptime_seconds gauge\n")
	fmt.Fprintf(w, "zapbot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	names := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, name := range names {
		c.mu.Lock()
		ctr := c.counters[name]
		g := c.gauges[name]
		h := c.histograms[name]
		c.mu.Unlock()

		switch {
		case ctr != nil:
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", ctr.name, ctr.help, ctr.name, ctr.name, ctr.Value())
		case g != nil:
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", g.name, g.help, g.name, g.name, g.Value())
		case h != nil:
			writeHistogram(w, h)
		}
	}
}

func writeHistogram(w io.Writer, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for i, le := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, le, h.buckets[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %f\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

// Metrics used across the application.
var (
	EventsTotal    = Collector.Counter("zapbot_webhook_events_total", "Total webhook events received")
	TurnsTotal     = Collector.Counter("zapbot_turns_total", "Total consolidated turns dispatched")
	EventsMerged   = Collector.Counter("zapbot_events_merged_total", "Events folded into an open merge window")
	EventsDropped  = Collector.Counter("zapbot_events_dropped_total", "Events dropped while a turn was in flight")
	PaceDrops      = Collector.Counter("zapbot_pace_drops_total", "Outbound texts suppressed by the pacing buffer")
	MenuDedups     = Collector.Counter("zapbot_menu_dedups_total", "Menus degraded to text by dedup")
	HandoffsTotal  = Collector.Counter("zapbot_handoffs_total", "Handoffs requested by the model")
	Transcriptions = Collector.Counter("zapbot_transcriptions_total", "Voice notes transcribed")
	PendingWindows = Collector.Gauge("zapbot_pending_windows", "Open merge windows")

	LLMLatency = Collector.Histogram("zapbot_llm_latency_seconds", "LLM request latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
