package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Opts names a metric for the Prometheus text exposition.
type Opts struct {
	Name string
	Help string
}

type metric interface {
	metricName() string
	write(*strings.Builder)
}

// Registry holds the metrics a process exposes on /metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

func NewRegistry() *Registry {
	return &Registry{metrics: map[string]metric{}}
}

func (r *Registry) MustRegister(items ...metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.metricName()
		if _, exists := r.metrics[name]; exists {
			panic("metrics: already registered: " + name)
		}
		r.metrics[name] = item
	}
}

// Handler renders every registered metric in the Prometheus text
// format, sorted by name for stable scrapes.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.mu.RLock()
		items := make([]metric, 0, len(r.metrics))
		for _, item := range r.metrics {
			items = append(items, item)
		}
		r.mu.RUnlock()
		sort.Slice(items, func(i, j int) bool {
			return items[i].metricName() < items[j].metricName()
		})

		var sb strings.Builder
		for _, item := range items {
			item.write(&sb)
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(sb.String()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

// Gauge is a single settable value.
type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) metricName() string { return g.opts.Name }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) write(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeHead(sb, g.opts, "gauge")
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, formatValue(v))
}

// GaugeFunc samples its value at scrape time.
type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) metricName() string { return g.opts.Name }

func (g *GaugeFunc) write(sb *strings.Builder) {
	writeHead(sb, g.opts, "gauge")
	var v float64
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, formatValue(v))
}

// labelSep joins label values into a map key; it cannot occur in UTF-8
// label values.
const labelSep = "\xff"

// CounterVec is a monotonically increasing counter partitioned by a
// fixed set of label names.
type CounterVec struct {
	opts       Opts
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	names := make([]string, len(labelNames))
	copy(names, labelNames)
	return &CounterVec{opts: opts, labelNames: names, values: map[string]float64{}}
}

func (c *CounterVec) metricName() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

func (c *CounterVec) add(labelValues []string, delta float64) {
	if len(labelValues) != len(c.labelNames) {
		return
	}
	key := strings.Join(labelValues, labelSep)
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) write(sb *strings.Builder) {
	writeHead(sb, c.opts, "counter")

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	snapshot := make(map[string]float64, len(c.values))
	for key, value := range c.values {
		snapshot[key] = value
	}
	c.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		sb.WriteString(c.opts.Name)
		sb.WriteString("{")
		for i, value := range strings.Split(key, labelSep) {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(sb, "%s=%q", c.labelNames[i], value)
		}
		sb.WriteString("} ")
		sb.WriteString(formatValue(snapshot[key]))
		sb.WriteString("\n")
	}
}

// Counter is one labeled series of a CounterVec.
type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

func writeHead(sb *strings.Builder, opts Opts, metricType string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", opts.Name, opts.Help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", opts.Name, metricType)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_alloc_bytes",
			Help: "Allocated heap bytes.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Alloc)
		}),
		NewGaugeFunc(Opts{
			Name: "go_memstats_sys_bytes",
			Help: "Bytes obtained from the OS.",
		}, func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(mem.Sys)
		}),
	)
}
