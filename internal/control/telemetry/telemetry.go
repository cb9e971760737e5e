// Package telemetry provides structured logging and metric emission for
// the control plane, grounded on original_source/cloud_drive/telemetry.py's
// TelemetryCollector.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfabric/fabricsim/internal/control/config"
)

// Event mirrors models.ObservabilityEvent.
type Event struct {
	EventType  string            `json:"event_type"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// maxRetainedEvents bounds the in-memory event ring so a long-running
// process can't grow it without limit; the original's plain list only
// stays small because Flush is called by its owning process periodically.
const maxRetainedEvents = 256

// Collector is the control plane's sink for metrics and events: slog for
// structured lines, a private Prometheus registry for gauges keyed by
// metric name.
type Collector struct {
	logger   *slog.Logger
	registry *prometheus.Registry

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec
	events []Event
}

// New builds a Collector whose log level follows cfg.LogLevel.
func New(cfg config.ObservabilityConfig) *Collector {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})
	return &Collector{
		logger:   slog.New(handler),
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Registry exposes the collector's Prometheus registry, e.g. for mounting
// promhttp.HandlerFor in a /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Logger returns the underlying structured logger.
func (c *Collector) Logger() *slog.Logger { return c.logger }

// EmitMetric records value for name under labels, lazily registering a
// GaugeVec for that metric name the first time it's seen. Every call for
// a given name must carry the same label keys.
func (c *Collector) EmitMetric(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName(name), Help: name}, keys)
		c.registry.MustRegister(vec)
		c.gauges[name] = vec
	}
	c.mu.Unlock()
	vec.With(labels).Set(value)
}

func metricName(name string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return "fabricsim_" + replacer.Replace(strings.ToLower(name))
}

// EmitEvent logs message at info level with attributes as structured
// fields, and retains it in the recent-events ring.
func (c *Collector) EmitEvent(message string, attributes map[string]string) {
	args := make([]any, 0, len(attributes)*2)
	for k, v := range attributes {
		args = append(args, k, v)
	}
	c.logger.Info(message, args...)

	ev := Event{EventType: "custom", Message: message, Attributes: attributes, Timestamp: time.Now()}
	c.mu.Lock()
	c.events = append(c.events, ev)
	if len(c.events) > maxRetainedEvents {
		c.events = c.events[len(c.events)-maxRetainedEvents:]
	}
	c.mu.Unlock()
}

// RecentEvents returns a snapshot of the retained events, oldest first.
func (c *Collector) RecentEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Flush clears the retained event ring. Metrics stay registered: a scrape
// target should keep observing gauges across flushes.
func (c *Collector) Flush() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
