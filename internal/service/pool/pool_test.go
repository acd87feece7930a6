package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
)

func addReplica(t *testing.T, p *ReplicaPool, id, region string, capacity int) {
	t.Helper()
	r, err := agent.NewReplica(id, agent.TypeDiagnosis, region, capacity)
	require.NoError(t, err)
	require.NoError(t, p.Add(r))
}

func TestPoolAddAndRemove(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 4)

	r, err := agent.NewReplica("diag-1", agent.TypeDiagnosis, "us-east-1", 4)
	require.NoError(t, err)
	err = p.Add(r)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	require.NoError(t, p.Remove("diag-1"))
	err = p.Remove("diag-1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestPoolSnapshotIsolation(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 4)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = agent.ReplicaDead

	fresh := p.Snapshot()
	assert.Equal(t, agent.ReplicaHealthy, fresh[0].Status)
}

func TestPoolAcquireTracksLoad(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 2)

	_, release1, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.NoError(t, err)
	_, release2, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.NoError(t, err)

	// Capacity exhausted.
	_, _, err = p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOverload))

	release1()
	release1() // release is idempotent
	release2()

	snap := p.Snapshot()
	assert.Equal(t, 0, snap[0].CurrentLoad)
}

func TestRoundRobinCycles(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-a", "us-east-1", 10)
	addReplica(t, p, "diag-b", "us-east-1", 10)
	addReplica(t, p, "diag-c", "us-east-1", 10)

	var order []string
	for i := 0; i < 6; i++ {
		r, release, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyRoundRobin})
		require.NoError(t, err)
		order = append(order, r.ID)
		release()
	}
	assert.Equal(t, []string{"diag-a", "diag-b", "diag-c", "diag-a", "diag-b", "diag-c"}, order)
}

func TestLeastLoadedPrefersIdleReplica(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-a", "us-east-1", 4)
	addReplica(t, p, "diag-b", "us-east-1", 4)

	_, releaseA, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.NoError(t, err)
	defer releaseA()

	r, release, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "diag-b", r.ID)
}

func TestWeightedPrefersHighPerformance(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-a", "us-east-1", 4)
	addReplica(t, p, "diag-b", "us-east-1", 4)

	// Repeated failures drag diag-a's score down.
	for i := 0; i < 5; i++ {
		p.ReportOutcome("diag-a", false)
	}
	p.ReportOutcome("diag-b", true)

	r, release, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyWeighted})
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "diag-b", r.ID)
}

func TestRegionAffinity(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-east", "us-east-1", 4)
	addReplica(t, p, "diag-west", "eu-west-1", 4)

	r, release, err := p.Acquire(agent.TypeDiagnosis,
		Selection{Strategy: StrategyRegionAffinity, Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "diag-west", r.ID)
	release()

	// Unknown region falls back to the whole pool.
	r, release, err = p.Acquire(agent.TypeDiagnosis,
		Selection{Strategy: StrategyRegionAffinity, Region: "ap-south-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	release()
}

func TestSeverityAwareRouting(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-fast", "us-east-1", 4)
	addReplica(t, p, "diag-slow", "us-east-1", 4)
	for i := 0; i < 5; i++ {
		p.ReportOutcome("diag-slow", false)
	}

	r, release, err := p.Acquire(agent.TypeDiagnosis,
		Selection{Strategy: StrategySeverityAware, Severity: incident.SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, "diag-fast", r.ID)
	release()

	// Low-severity work spreads by load instead.
	_, busyRelease, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
	require.NoError(t, err)
	defer busyRelease()
	r, release, err = p.Acquire(agent.TypeDiagnosis,
		Selection{Strategy: StrategySeverityAware, Severity: incident.SeverityLow})
	require.NoError(t, err)
	assert.Equal(t, "diag-slow", r.ID)
	release()
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched int
	retired  []string
	gate     chan struct{}
}

func (f *fakeLauncher) Launch(ctx context.Context, agentType agent.AgentType, region string) (*agent.Replica, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.launched++
	id := fmt.Sprintf("%s-auto-%d", agentType, f.launched)
	f.mu.Unlock()
	return agent.NewReplica(id, agentType, region, 4)
}

func (f *fakeLauncher) Retire(ctx context.Context, replicaID string) error {
	f.mu.Lock()
	f.retired = append(f.retired, replicaID)
	f.mu.Unlock()
	return nil
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinReplicas:        2,
		MaxReplicas:        4,
		TargetUtilization:  0.6,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		Cooldown:           time.Minute,
		Regions:            []string{"us-east-1", "eu-west-1"},
	}
}

func TestAutoscalerReplacesBelowMinimum(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 4)
	scaler := NewAutoscaler(p, testPoolConfig(), &fakeLauncher{}, nil)

	now := time.Now().UTC()
	decision, err := scaler.Apply(context.Background(), agent.TypeDiagnosis, now)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, ScaleUp, decision.Direction)
	// Region balancing sends the new replica to the empty region.
	assert.Equal(t, "eu-west-1", decision.Region)
	assert.Equal(t, 2, p.CountByType(agent.TypeDiagnosis))

	// Below-minimum replacement ignores the cooldown: kill one and the
	// scaler refills immediately.
	require.NoError(t, p.SetStatus("diag-1", agent.ReplicaDead))
	decision, err = scaler.Apply(context.Background(), agent.TypeDiagnosis, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, 2, p.CountByType(agent.TypeDiagnosis))
}

func TestAutoscalerScalesUpOnUtilization(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 2)
	addReplica(t, p, "diag-2", "eu-west-1", 2)
	for i := 0; i < 4; i++ {
		_, _, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyRoundRobin})
		require.NoError(t, err)
	}

	scaler := NewAutoscaler(p, testPoolConfig(), &fakeLauncher{}, nil)
	m := metrics.New()
	scaler.SetMetrics(m)
	now := time.Now().UTC()

	decision, err := scaler.Apply(context.Background(), agent.TypeDiagnosis, now)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, ScaleUp, decision.Direction)
	assert.Equal(t, 3, p.CountByType(agent.TypeDiagnosis))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.ScalingActions.WithLabelValues("diagnosis", "up")))

	// Cooldown holds the next action.
	decision, err = scaler.Apply(context.Background(), agent.TypeDiagnosis, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, decision)

	// Load saturates the new replica too; after cooldown the pool grows
	// to max.
	for i := 0; i < 4; i++ {
		_, _, err := p.Acquire(agent.TypeDiagnosis, Selection{Strategy: StrategyLeastLoaded})
		require.NoError(t, err)
	}
	decision, err = scaler.Apply(context.Background(), agent.TypeDiagnosis, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, 4, p.CountByType(agent.TypeDiagnosis))

	// At max it stops growing regardless of load.
	decision, err = scaler.Apply(context.Background(), agent.TypeDiagnosis, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, decision)
}

func TestAutoscalerScalesDownIdlePool(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 4)
	addReplica(t, p, "diag-2", "us-east-1", 4)
	addReplica(t, p, "diag-3", "eu-west-1", 4)

	launcher := &fakeLauncher{}
	scaler := NewAutoscaler(p, testPoolConfig(), launcher, nil)

	decision, err := scaler.Apply(context.Background(), agent.TypeDiagnosis, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, ScaleDown, decision.Direction)
	assert.Equal(t, 2, p.CountByType(agent.TypeDiagnosis))
	require.Len(t, launcher.retired, 1)
	assert.Equal(t, "diag-1", launcher.retired[0])
}

func TestAutoscalerSingleActionInFlight(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-1", "us-east-1", 4)
	launcher := &fakeLauncher{gate: make(chan struct{})}
	scaler := NewAutoscaler(p, testPoolConfig(), launcher, nil)

	now := time.Now().UTC()
	done := make(chan struct{})
	go func() {
		_, _ = scaler.Apply(context.Background(), agent.TypeDiagnosis, now)
		close(done)
	}()

	// Wait until the first action is blocked inside the launcher.
	require.Eventually(t, func() bool {
		return scaler.Evaluate(agent.TypeDiagnosis, now) == nil
	}, time.Second, 5*time.Millisecond)

	// A second Apply while one is in flight is a no-op.
	decision, err := scaler.Apply(context.Background(), agent.TypeDiagnosis, now)
	require.NoError(t, err)
	assert.Nil(t, decision)

	close(launcher.gate)
	<-done
	assert.Equal(t, 2, p.CountByType(agent.TypeDiagnosis))
}

func TestAcquireExcludesTriedReplicas(t *testing.T) {
	p := NewReplicaPool(nil)
	addReplica(t, p, "diag-a", "us-east-1", 4)
	addReplica(t, p, "diag-b", "us-east-1", 4)

	// Severity-aware routing on fresh replicas is deterministic: it
	// would hand out diag-a every time. Excluding it forces the next
	// distinct replica.
	sel := Selection{Strategy: StrategySeverityAware, Severity: incident.SeverityCritical}
	r, release, err := p.Acquire(agent.TypeDiagnosis, sel)
	require.NoError(t, err)
	release()
	assert.Equal(t, "diag-a", r.ID)

	sel.Exclude = map[string]bool{"diag-a": true}
	r, release, err = p.Acquire(agent.TypeDiagnosis, sel)
	require.NoError(t, err)
	release()
	assert.Equal(t, "diag-b", r.ID)

	// Excluding every replica surfaces overload.
	sel.Exclude["diag-b"] = true
	_, _, err = p.Acquire(agent.TypeDiagnosis, sel)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOverload))
}
