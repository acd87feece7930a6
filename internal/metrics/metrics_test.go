package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordAppend()
	m.RecordAppend()
	m.RecordAppendConflict()
	m.RecordSnapshot()
	m.RecordReplicationLag("us-west", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AppendConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsCreated))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ReplicationLag.WithLabelValues("us-west")))

	m.RecordDecision()
	m.RecordRound("aborted")
	m.RecordViewChange()
	m.RecordIsolation()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusDecisions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusRounds.WithLabelValues("decided")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsensusRounds.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ViewChanges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsolatedPeers))

	m.RecordAgentCall("diagnostic", "ok", 0.25)
	m.RecordBreakerState("diagnostic-1", "half_open")
	m.RecordQueueDepth("agent-1", 4)
	m.RecordDeadLetter()
	m.RecordScaling("mitigation", "up")
	m.RecordRecovery("retry", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentInvocations.WithLabelValues("diagnostic", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("diagnostic-1")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BusQueueDepth.WithLabelValues("agent-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusDeadLetters))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScalingActions.WithLabelValues("mitigation", "up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("retry", "ok")))

	m.RecordBreakerState("diagnostic-1", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("diagnostic-1")))
}

func TestRecordersNilReceiver(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.RecordAppend()
		m.RecordAppendConflict()
		m.RecordReplicationLag("eu-central", 1)
		m.RecordSnapshot()
		m.RecordRound("decided")
		m.RecordDecision()
		m.RecordViewChange()
		m.RecordIsolation()
		m.RecordAgentCall("triage", "error", 0.1)
		m.RecordBreakerState("triage-1", "open")
		m.RecordQueueDepth("agent-2", 1)
		m.DropQueueDepth("agent-2")
		m.RecordDeadLetter()
		m.RecordScaling("triage", "down")
		m.RecordRecovery("fallback", "failed")
	})
}
