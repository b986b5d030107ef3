package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector accumulates metrics in memory until they are flushed to the log.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
}

// NewCollector creates a new telemetry collector
func NewCollector() *Collector {
	return &Collector{metrics: make([]Metric, 0)}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{
		Name:      name,
		Type:      Counter,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Microseconds()) / 1000,
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) add(metric Metric) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, metric)
	c.mu.Unlock()
}

// Metrics returns a copy of current metrics
func (c *Collector) Metrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Summary is the aggregate of all samples sharing a metric name.
type Summary struct {
	Name  string
	Type  MetricType
	Count int
	Sum   float64
	Unit  string
}

// Flush aggregates the pending metrics by name, logs one line per name and
// clears the buffer.
func (c *Collector) Flush(log zerolog.Logger) []Summary {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = make([]Metric, 0, len(metrics))
	c.mu.Unlock()

	byName := map[string]*Summary{}
	for _, m := range metrics {
		s, ok := byName[m.Name]
		if !ok {
			s = &Summary{Name: m.Name, Type: m.Type, Unit: m.Unit}
			byName[m.Name] = s
		}
		s.Count++
		s.Sum += m.Value
	}
	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	for _, s := range out {
		log.Debug().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Int("count", s.Count).
			Float64("sum", s.Sum).
			Str("unit", s.Unit).
			Msg("telemetry_metric")
	}
	return out
}
