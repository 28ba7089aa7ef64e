package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric is one recorded observation.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Aggregate summarises all observations sharing a name and label set.
type Aggregate struct {
	Name   string
	Type   MetricType
	Labels map[string]string
	Count  int
	Sum    float64
	Max    float64
}

// Collector buffers metrics in memory until flushed to the log. A disabled
// collector drops everything.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
}

func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter adds value to a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration in milliseconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Timestamp: time.Now(), Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if c == nil || !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Summary aggregates buffered metrics, ordered by name then labels.
func (c *Collector) Summary() []Aggregate {
	byKey := map[string]*Aggregate{}
	for _, m := range c.GetMetrics() {
		k := key(m.Name, m.Labels)
		a, ok := byKey[k]
		if !ok {
			a = &Aggregate{Name: m.Name, Type: m.Type, Labels: m.Labels}
			byKey[k] = a
		}
		a.Count++
		a.Sum += m.Value
		if m.Value > a.Max {
			a.Max = m.Value
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Aggregate, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// Flush logs the aggregated metrics and clears the buffer.
func (c *Collector) Flush() {
	if c == nil || !c.enabled {
		return
	}
	for _, a := range c.Summary() {
		log.Info().
			Str("name", a.Name).
			Str("type", string(a.Type)).
			Int("count", a.Count).
			Float64("sum", a.Sum).
			Float64("max", a.Max).
			Interface("labels", a.Labels).
			Msg("telemetry_metric")
	}
	c.mu.Lock()
	c.metrics = c.metrics[:0]
	c.mu.Unlock()
}

func key(name string, labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector and returns it.
func InitGlobal(enabled bool) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(enabled)
	return globalCollector
}

// GetGlobal returns the global collector, disabled until InitGlobal runs.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown flushes the global collector.
func Shutdown() {
	GetGlobal().Flush()
}
