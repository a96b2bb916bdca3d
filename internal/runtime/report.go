package runtime

import (
	"time"

	jsoncodec "github.com/drblury/rbmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/rbmqflow/internal/runtime/shutdown"
)

// DrainReport describes how one channel was closed.
type DrainReport struct {
	ChannelID uint16
	// Drained is true when nothing had to be force-rejected.
	Drained bool
	// Forced lists the deliveries still pending at close, in ascending order.
	Forced []uint64
	// Err collects settlement and transport errors hit while closing, and the
	// connection failure that closed the channel, if any.
	Err      error
	Duration time.Duration
}

// ShutdownReport describes a runtime shutdown.
type ShutdownReport struct {
	Outcome  shutdown.Result
	Channels []DrainReport
	// Err joins every error collected while closing channels, the connection
	// and the metrics server.
	Err      error
	Duration time.Duration
}

// ForcedCount returns the number of deliveries force-rejected across all
// channels.
func (r ShutdownReport) ForcedCount() int {
	n := 0
	for _, ch := range r.Channels {
		n += len(ch.Forced)
	}
	return n
}

type drainReportJSON struct {
	ChannelID  uint16   `json:"channel_id"`
	Drained    bool     `json:"drained"`
	Forced     []uint64 `json:"forced,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

type shutdownReportJSON struct {
	Outcome    shutdown.Result   `json:"outcome"`
	Channels   []drainReportJSON `json:"channels"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// JSON renders the report for structured logs.
func (r ShutdownReport) JSON() ([]byte, error) {
	out := shutdownReportJSON{
		Outcome:    r.Outcome,
		Channels:   make([]drainReportJSON, 0, len(r.Channels)),
		Error:      errString(r.Err),
		DurationMs: r.Duration.Milliseconds(),
	}
	for _, ch := range r.Channels {
		out.Channels = append(out.Channels, drainReportJSON{
			ChannelID:  ch.ChannelID,
			Drained:    ch.Drained,
			Forced:     ch.Forced,
			Error:      errString(ch.Err),
			DurationMs: ch.Duration.Milliseconds(),
		})
	}
	return jsoncodec.Marshal(out)
}
