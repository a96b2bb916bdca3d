package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/rbmqflow/internal/runtime/config"
	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
	"github.com/drblury/rbmqflow/internal/runtime/shutdown"
	"github.com/drblury/rbmqflow/transport"
)

// Startup stages reported in StartupError.Stage.
const (
	StageConfig     = "config"
	StageMetrics    = "metrics"
	StageConnect    = "connect"
	StageChannel    = "channel"
	StageCoordinate = "coordinator"
)

const metricsShutdownTimeout = 5 * time.Second

var listen = func(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// Dependencies holds the optional collaborators of a Runtime.
type Dependencies struct {
	// Dialer overrides the dialer registered for the configured PubSubSystem.
	Dialer   transport.Dialer
	Registry *transport.Registry
	// Registerer receives the runtime collectors when metrics are enabled.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer backs the /metrics endpoint. Defaults to Registerer when it is
	// also a Gatherer, otherwise to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Hooks    DeliveryHooks
}

// Runtime owns one connection, its channels and the coordinator that gates
// shutdown on them.
type Runtime struct {
	conf        configpkg.Config
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics
	tracer      trace.Tracer
	conn        *Connection
	channels    []*Channel
	coordinator *shutdown.Coordinator
	resources   *resourceSampler

	metricsServer *http.Server

	shutdownOnce sync.Once
	report       ShutdownReport
}

// Start validates conf, opens the connection and ChannelCount channels, and
// arms the shutdown coordinator. Any failure closes whatever was opened and
// returns a *StartupError.
func Start(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Runtime, error) {
	if log == nil {
		return nil, &errspkg.StartupError{Stage: StageConfig, Err: errspkg.ErrLoggerRequired}
	}
	if conf == nil {
		return nil, &errspkg.StartupError{Stage: StageConfig, Err: errspkg.ErrConfigRequired}
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, &errspkg.StartupError{Stage: StageConfig, Err: err}
	}

	logger := loggingpkg.Component(log, "runtime")
	logger.Info("Starting runtime", loggingpkg.LogFields{
		"pubsub_system": c.PubSubSystem,
		"config":        c,
	})

	metrics := NewMetrics(deps.Registerer)
	if c.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			return nil, &errspkg.StartupError{Stage: StageMetrics, Err: err}
		}
	}

	conn, err := OpenConnection(ctx, &c, ConnectionDependencies{
		Dialer:   deps.Dialer,
		Registry: deps.Registry,
		Logger:   log,
		Metrics:  metrics,
		Hooks:    deps.Hooks,
	})
	if err != nil {
		return nil, &errspkg.StartupError{Stage: StageConnect, Err: err}
	}

	channels := make([]*Channel, 0, c.ChannelCount)
	for i := 0; i < c.ChannelCount; i++ {
		ch, err := OpenChannel(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, &errspkg.StartupError{Stage: StageChannel, Err: err}
		}
		channels = append(channels, ch)
	}

	coordinator := shutdown.New()
	if err := coordinator.Expect(len(channels)); err != nil {
		_ = conn.Close()
		return nil, &errspkg.StartupError{Stage: StageCoordinate, Err: err}
	}

	rt := &Runtime{
		conf:        c,
		logger:      logger,
		metrics:     metrics,
		tracer:      newTracer(c.TracingEnabled),
		conn:        conn,
		channels:    channels,
		coordinator: coordinator,
		resources:   newResourceSampler(),
	}

	if c.MetricsEnabled && c.MetricsPort > 0 {
		if err := rt.serveMetrics(gathererFor(deps)); err != nil {
			_ = conn.Close()
			return nil, &errspkg.StartupError{Stage: StageMetrics, Err: err}
		}
	}

	logger.Info("Runtime started", loggingpkg.LogFields{
		loggingpkg.FieldConnectionID: conn.ID(),
		"channels":                   len(channels),
	})
	return rt, nil
}

func gathererFor(deps Dependencies) prometheus.Gatherer {
	if deps.Gatherer != nil {
		return deps.Gatherer
	}
	if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}

func (rt *Runtime) serveMetrics(gatherer prometheus.Gatherer) error {
	ln, err := listen("tcp", fmt.Sprintf(":%d", rt.conf.MetricsPort))
	if err != nil {
		return fmt.Errorf("listen on metrics port %d: %w", rt.conf.MetricsPort, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", rt.handleStats)
	rt.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rt.logger.Info("Starting metrics server", loggingpkg.LogFields{"addr": ln.Addr().String()})
		if err := rt.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("Metrics server stopped", err, loggingpkg.LogFields{"addr": ln.Addr().String()})
		}
	}()
	return nil
}

// Shutdown drains every channel, waits at most timeout for them to go idle,
// then closes the channels, the connection and the metrics server. A
// non-positive timeout uses the configured ShutdownTimeout. Shutdown is
// idempotent; later calls return the first report.
func (rt *Runtime) Shutdown(timeout time.Duration) ShutdownReport {
	rt.shutdownOnce.Do(func() {
		rt.report = rt.shutdown(timeout)
	})
	return rt.report
}

func (rt *Runtime) shutdown(timeout time.Duration) ShutdownReport {
	start := time.Now()
	if timeout <= 0 {
		timeout = rt.conf.ShutdownTimeout
	}

	_, span := rt.tracer.Start(context.Background(), "rbmqflow.shutdown",
		trace.WithAttributes(
			attribute.Int("rbmqflow.channels", len(rt.channels)),
			attribute.Int64("rbmqflow.timeout_ms", timeout.Milliseconds()),
		),
	)
	defer span.End()

	rt.logger.Info("Shutting down", loggingpkg.LogFields{"timeout_ms": timeout.Milliseconds()})

	for _, ch := range rt.channels {
		ch.BeginDrain()
	}

	// A channel that closes without draining can never signal, so the wait
	// is abandoned once every channel has either drained or closed.
	stop := make(chan struct{})
	abandon := make(chan struct{})
	var resolved, lost atomic.Int32
	total := int32(len(rt.channels))
	for _, ch := range rt.channels {
		go func() {
			select {
			case <-ch.Drained():
				_ = rt.coordinator.SignalDrained()
			case <-ch.Closed():
				select {
				case <-ch.Drained():
					_ = rt.coordinator.SignalDrained()
				default:
					lost.Add(1)
				}
			case <-stop:
				return
			}
			if resolved.Add(1) == total && lost.Load() > 0 {
				close(abandon)
			}
		}()
	}
	outcome := rt.coordinator.AwaitUntil(timeout, abandon)
	close(stop)

	reports := make([]DrainReport, len(rt.channels))
	var g errgroup.Group
	for i, ch := range rt.channels {
		g.Go(func() error {
			reports[i] = ch.Close()
			return reports[i].Err
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range reports {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", r.ChannelID, r.Err))
		}
	}
	if err := rt.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("connection: %w", err))
	}
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		if err := rt.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}

	report := ShutdownReport{
		Outcome:  outcome,
		Channels: reports,
		Err:      errors.Join(errs...),
		Duration: time.Since(start),
	}
	rt.metrics.recordShutdown(outcome, report.Duration)

	span.SetAttributes(
		attribute.String("rbmqflow.outcome", outcome.String()),
		attribute.Int("rbmqflow.forced", report.ForcedCount()),
	)
	fields := loggingpkg.LogFields{
		"outcome":     outcome.String(),
		"forced":      report.ForcedCount(),
		"duration_ms": report.Duration.Milliseconds(),
	}
	if report.Err != nil {
		recordSpanError(span, report.Err)
		rt.logger.Error("Shutdown finished with errors", report.Err, fields)
	} else {
		rt.logger.Info("Shutdown finished", fields)
	}
	return report
}

// Channel returns the i-th channel opened at start, or nil.
func (rt *Runtime) Channel(i int) *Channel {
	if i < 0 || i >= len(rt.channels) {
		return nil
	}
	return rt.channels[i]
}

// Channels returns the channels opened at start.
func (rt *Runtime) Channels() []*Channel {
	out := make([]*Channel, len(rt.channels))
	copy(out, rt.channels)
	return out
}

func (rt *Runtime) Connection() *Connection  { return rt.conn }
func (rt *Runtime) Config() configpkg.Config { return rt.conf }
