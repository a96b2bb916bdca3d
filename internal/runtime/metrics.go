package runtime

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/rbmqflow/internal/runtime/delivery"
	"github.com/drblury/rbmqflow/internal/runtime/shutdown"
)

const metricsNamespace = "rbmqflow"

// Reasons reported by send_would_block_total.
const (
	wouldBlockInFlight  = "in_flight"
	wouldBlockBlocked   = "connection_blocked"
	wouldBlockRateLimit = "rate_limit"
)

// Metrics tracks delivery, connection and shutdown statistics.
type Metrics struct {
	mu sync.Mutex

	sentTotal          *prometheus.CounterVec
	settledTotal       *prometheus.CounterVec
	forcedTotal        *prometheus.CounterVec
	pending            *prometheus.GaugeVec
	wouldBlockTotal    *prometheus.CounterVec
	connectionState    *prometheus.GaugeVec
	connectionFailures *prometheus.CounterVec
	shutdownsTotal     *prometheus.CounterVec
	drainDuration      prometheus.Histogram

	registerer prometheus.Registerer
	registered bool
}

// newCounterVec creates a new counter vec in the rbmqflow namespace.
func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newGaugeVec creates a new gauge vec in the rbmqflow namespace.
func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are not registered until Register
// is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:         registerer,
		sentTotal:          newCounterVec("deliveries", "sent_total", "Total number of deliveries admitted and published", []string{"channel"}),
		settledTotal:       newCounterVec("deliveries", "settled_total", "Total number of deliveries resolved by ack or reject", []string{"channel", "outcome"}),
		forcedTotal:        newCounterVec("deliveries", "forced_total", "Total number of deliveries rejected because their channel closed", []string{"channel"}),
		pending:            newGaugeVec("deliveries", "pending", "Current number of pending deliveries", []string{"channel"}),
		wouldBlockTotal:    newCounterVec("deliveries", "send_would_block_total", "Total number of sends refused or abandoned under backpressure", []string{"reason"}),
		connectionState:    newGaugeVec("connection", "state", "Current connection state (0 connecting, 1 open, 2 closing, 3 closed, 4 failed)", []string{"address"}),
		connectionFailures: newCounterVec("connection", "failures_total", "Total number of failed dials and dropped connections", []string{"address"}),
		shutdownsTotal:     newCounterVec("shutdown", "total", "Total number of runtime shutdowns by outcome", []string{"outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "shutdown",
			Name:      "drain_duration_seconds",
			Help:      "Time spent draining channels during shutdown",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// When a collector with the same name is already registered, the existing
// one is adopted so the values stay visible to the registry.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	regs := []func() error{
		func() error { return registerOrAdopt(m.registerer, &m.sentTotal) },
		func() error { return registerOrAdopt(m.registerer, &m.settledTotal) },
		func() error { return registerOrAdopt(m.registerer, &m.forcedTotal) },
		func() error { return registerOrAdopt(m.registerer, &m.pending) },
		func() error { return registerOrAdopt(m.registerer, &m.wouldBlockTotal) },
		func() error { return registerOrAdopt(m.registerer, &m.connectionState) },
		func() error { return registerOrAdopt(m.registerer, &m.connectionFailures) },
		func() error { return registerOrAdopt(m.registerer, &m.shutdownsTotal) },
		func() error { return registerOrAdopt(m.registerer, &m.drainDuration) },
	}
	for _, register := range regs {
		if err := register(); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func registerOrAdopt[C prometheus.Collector](registerer prometheus.Registerer, c *C) error {
	err := registerer.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

func channelLabel(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (m *Metrics) recordSent(channelID uint16) {
	m.sentTotal.WithLabelValues(channelLabel(channelID)).Inc()
}

func (m *Metrics) recordSettled(channelID uint16, outcome delivery.Outcome) {
	m.settledTotal.WithLabelValues(channelLabel(channelID), outcome.String()).Inc()
}

func (m *Metrics) recordForced(channelID uint16, count int) {
	if count == 0 {
		return
	}
	m.forcedTotal.WithLabelValues(channelLabel(channelID)).Add(float64(count))
}

func (m *Metrics) setPending(channelID uint16, count int) {
	m.pending.WithLabelValues(channelLabel(channelID)).Set(float64(count))
}

func (m *Metrics) recordWouldBlock(reason string) {
	m.wouldBlockTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) setConnectionState(address string, state ConnectionState) {
	m.connectionState.WithLabelValues(address).Set(float64(state))
}

func (m *Metrics) recordConnectionFailure(address string) {
	m.connectionFailures.WithLabelValues(address).Inc()
}

func (m *Metrics) recordShutdown(outcome shutdown.Result, drain time.Duration) {
	m.shutdownsTotal.WithLabelValues(outcome.String()).Inc()
	m.drainDuration.Observe(drain.Seconds())
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sentTotal.Reset()
	m.settledTotal.Reset()
	m.forcedTotal.Reset()
	m.pending.Reset()
	m.wouldBlockTotal.Reset()
	m.connectionState.Reset()
	m.connectionFailures.Reset()
	m.shutdownsTotal.Reset()
}
