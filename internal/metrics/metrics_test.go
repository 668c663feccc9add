package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTier(t *testing.T) {
	before := testutil.ToFloat64(tierAttempts.WithLabelValues("fast_snapshot", OutcomeIncomplete))
	RecordTier("fast_snapshot", OutcomeIncomplete)
	RecordTier("fast_snapshot", OutcomeIncomplete)
	assert.Equal(t, before+2, testutil.ToFloat64(tierAttempts.WithLabelValues("fast_snapshot", OutcomeIncomplete)))
}

func TestSetChannelLive(t *testing.T) {
	SetChannelLive("0xabc", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(channelLive.WithLabelValues("0xabc")))
	SetChannelLive("0xabc", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(channelLive.WithLabelValues("0xabc")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(writeFailures.WithLabelValues("agent_sync"))
	RecordWriteFailure("agent_sync")
	assert.Equal(t, before+1, testutil.ToFloat64(writeFailures.WithLabelValues("agent_sync")))

	beforeSkip := testutil.ToFloat64(refreshSkipped.WithLabelValues("force"))
	RecordRefreshSkipped("force")
	assert.Equal(t, beforeSkip+1, testutil.ToFloat64(refreshSkipped.WithLabelValues("force")))

	ObserveRefresh("force", 120*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(refreshDuration, "portfolio_sync_refresh_duration_seconds"))
}
