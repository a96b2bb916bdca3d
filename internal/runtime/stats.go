package runtime

import (
	"math"
	"net/http"
	goruntime "runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	"github.com/drblury/rbmqflow/internal/runtime/delivery"
	jsoncodec "github.com/drblury/rbmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
)

const (
	latencySampleSize = 256
	throughputHorizon = time.Minute
)

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	HeapBytes   uint64  `json:"heap_bytes"`
	Goroutines  uint64  `json:"goroutines"`
	GOMAXPROCS  int     `json:"gomaxprocs"`
	SampledAtMs int64   `json:"sampled_at_ms"`
}

// ChannelStats is a point-in-time view of one channel.
type ChannelStats struct {
	ChannelID    uint16            `json:"channel_id"`
	State        string            `json:"state"`
	Pending      int               `json:"pending"`
	Acknowledged uint64            `json:"acknowledged"`
	Rejected     uint64            `json:"rejected"`
	Forced       uint64            `json:"forced"`
	Received     uint64            `json:"received"`
	Sends        ThroughputMetrics `json:"sends"`
	// SettleLatency is the time between admission and settlement.
	SettleLatency LatencyMetrics `json:"settle_latency"`
}

// RuntimeStats is a point-in-time view of a runtime.
type RuntimeStats struct {
	ConnectionID    string         `json:"connection_id"`
	Address         string         `json:"address"`
	ConnectionState string         `json:"connection_state"`
	Blocked         bool           `json:"blocked"`
	Channels        []ChannelStats `json:"channels"`
	Resources       ResourceUsage  `json:"resources"`
}

// channelStats accumulates the counters behind ChannelStats.
type channelStats struct {
	mu           sync.Mutex
	acknowledged uint64
	rejected     uint64
	forced       uint64
	received     uint64
	sends        *throughputWindow
	totalSends   uint64
	latency      *latencyWindow
}

func newChannelStats() *channelStats {
	return &channelStats{
		sends:   newThroughputWindow(throughputHorizon),
		latency: newLatencyWindow(latencySampleSize),
	}
}

func (s *channelStats) onSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSends++
	s.sends.Add(now)
}

func (s *channelStats) onReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
}

func (s *channelStats) onSettled(entry *delivery.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Outcome == delivery.Acknowledged {
		s.acknowledged++
	} else {
		s.rejected++
	}
	s.latency.Add(entry.Age())
}

func (s *channelStats) onForced(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced += uint64(n)
}

func (s *channelStats) snapshot(now time.Time) ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.sends.Snapshot(now)
	return ChannelStats{
		Acknowledged: s.acknowledged,
		Rejected:     s.rejected,
		Forced:       s.forced,
		Received:     s.received,
		Sends: ThroughputMetrics{
			CurrentRPS:       window.CurrentRPS,
			WindowSeconds:    window.WindowSeconds,
			MessagesInWindow: uint64(window.Count),
			TotalMessages:    s.totalSends,
		},
		SettleLatency: s.latency.Snapshot(),
	}
}

// Stats returns a snapshot of the channel counters.
func (ch *Channel) Stats() ChannelStats {
	stats := ch.stats.snapshot(time.Now())
	stats.ChannelID = ch.id
	stats.State = ch.State().String()
	stats.Pending = ch.tracker.PendingCount()
	return stats
}

// Stats returns a snapshot of the connection, every channel and the process.
func (rt *Runtime) Stats() RuntimeStats {
	stats := RuntimeStats{
		ConnectionID:    rt.conn.ID(),
		Address:         rt.conn.Address(),
		ConnectionState: rt.conn.State().String(),
		Blocked:         rt.conn.Blocked(),
		Channels:        make([]ChannelStats, 0, len(rt.channels)),
		Resources:       rt.resources.Snapshot(),
	}
	for _, ch := range rt.channels {
		stats.Channels = append(stats.Channels, ch.Stats())
	}
	return stats
}

func (rt *Runtime) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(rt.Stats())
	if err != nil {
		rt.logger.Error("Failed to encode stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsoncodec.ContentType)
	if _, err := w.Write(body); err != nil {
		rt.logger.Debug("Writing stats response failed", loggingpkg.LogFields{"error": err.Error()})
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return out
	}

	samples := make([]int64, 0, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := (lw.next - lw.filled + i + len(lw.samples)) % len(lw.samples)
		samples = append(samples, lw.samples[idx])
	}
	slices.Sort(samples)

	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.SampleSize = len(samples)
	out.AverageNs = sum / int64(len(samples))
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	return out
}

// percentile interpolates linearly between the closest ranks of sorted
// samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow counts events in one-second buckets covering horizon.
// Buckets are reused as time moves on, so memory and work per Add are fixed.
type throughputWindow struct {
	buckets []throughputBucket
}

type throughputBucket struct {
	sec   int64
	count int
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	n := int(horizon / time.Second)
	if n < 1 {
		n = 1
	}
	return &throughputWindow{buckets: make([]throughputBucket, n)}
}

func (tw *throughputWindow) slot(sec int64) *throughputBucket {
	n := int64(len(tw.buckets))
	return &tw.buckets[((sec%n)+n)%n]
}

func (tw *throughputWindow) Add(now time.Time) {
	sec := now.Unix()
	b := tw.slot(sec)
	// A slot holding a newer second means now is already outside the window.
	switch {
	case b.sec == sec:
		b.count++
	case b.sec < sec:
		*b = throughputBucket{sec: sec, count: 1}
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) throughputSnapshot {
	nowSec := now.Unix()
	oldest := nowSec - int64(len(tw.buckets))

	count := 0
	first := nowSec
	for _, b := range tw.buckets {
		if b.count == 0 || b.sec <= oldest || b.sec > nowSec {
			continue
		}
		count += b.count
		first = min(first, b.sec)
	}
	if count == 0 {
		return throughputSnapshot{}
	}
	span := float64(nowSec - first + 1)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span,
		CurrentRPS:    float64(count) / span,
	}
}

// resourceSampler reads process usage from runtime/metrics. CPU usage is
// averaged over the interval since the previous sample.
type resourceSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	lastCPU  float64
	lastTime time.Time
}

const (
	metricCPUSeconds = "/cpu/classes/total:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{
			{Name: metricCPUSeconds},
			{Name: metricHeapBytes},
			{Name: metricGoroutines},
		},
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	procs := goruntime.GOMAXPROCS(0)
	usage := ResourceUsage{GOMAXPROCS: procs, SampledAtMs: now.UnixMilli()}

	for _, s := range r.samples {
		switch s.Name {
		case metricCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastTime.IsZero() {
				if wall := now.Sub(r.lastTime).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - r.lastCPU) / wall / float64(procs) * 100
				}
			}
			r.lastCPU = cpu
		case metricHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = s.Value.Uint64()
			}
		}
	}
	r.lastTime = now
	return usage
}
