package telemetry

import (
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

// Metric represents one recorded measurement
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector accumulates metrics and flushes them to the structured log.
// Each engine instance carries its own collector; there is no process-wide
// instance.
type Collector struct {
	mu      sync.Mutex
	metrics []Metric
	enabled bool
	log     zerolog.Logger
	done    chan struct{}
	once    sync.Once
}

// NewCollector creates a collector. With interval > 0 a background flusher
// runs until Shutdown.
func NewCollector(enabled bool, interval time.Duration, log zerolog.Logger) *Collector {
	c := &Collector{
		enabled: enabled,
		log:     log,
		done:    make(chan struct{}),
	}
	if enabled && interval > 0 {
		go c.periodicFlush(interval)
	}
	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Metric{Name: name, Type: Timer, Value: float64(d.Milliseconds()), Labels: labels, Timestamp: time.Now(), Unit: "ms"})
}

func (c *Collector) add(m Metric) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
}

// Snapshot returns a copy of the metrics recorded since the last flush.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Flush writes accumulated metrics to the log and clears the buffer.
func (c *Collector) Flush() {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	for _, m := range metrics {
		c.log.Info().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Shutdown stops the background flusher and flushes once more.
func (c *Collector) Shutdown() {
	c.once.Do(func() { close(c.done) })
	c.Flush()
}
