package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rbmqflow/internal/runtime/shutdown"
)

func TestShutdownReportForcedCount(t *testing.T) {
	report := ShutdownReport{
		Channels: []DrainReport{
			{ChannelID: 1, Drained: true},
			{ChannelID: 2, Forced: []uint64{4, 9}},
			{ChannelID: 3, Forced: []uint64{1}},
		},
	}
	assert.Equal(t, 3, report.ForcedCount())
	assert.Zero(t, ShutdownReport{}.ForcedCount())
}

func TestShutdownReportJSON(t *testing.T) {
	report := ShutdownReport{
		Outcome: shutdown.TimedOut,
		Channels: []DrainReport{
			{ChannelID: 1, Drained: true, Duration: 5 * time.Millisecond},
			{ChannelID: 2, Forced: []uint64{4, 9}, Err: errors.New("requeue failed")},
		},
		Err:      errors.New("channel 2: requeue failed"),
		Duration: 1500 * time.Millisecond,
	}

	body, err := report.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"outcome": "timed_out",
		"channels": [
			{"channel_id": 1, "drained": true, "duration_ms": 5},
			{"channel_id": 2, "drained": false, "forced": [4, 9], "error": "requeue failed", "duration_ms": 0}
		],
		"error": "channel 2: requeue failed",
		"duration_ms": 1500
	}`, string(body))
}

func TestShutdownReportJSONEmpty(t *testing.T) {
	body, err := ShutdownReport{}.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"outcome":"drained_cleanly","channels":[],"duration_ms":0}`, string(body))
}
