package breaker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

var errUpstream = stderrors.New("upstream failed")

func failingCall(ctx context.Context) error { return errUpstream }
func okCall(ctx context.Context) error      { return nil }

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	b := New("diagnosis-1", Config{FailureThreshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failingCall)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), okCall)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("gpt-4", Config{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)

	// Cooldown elapsed: probes are allowed and two successes close it.
	require.NoError(t, b.Execute(context.Background(), okCall))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(context.Background(), okCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("gpt-4", Config{FailureThreshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	err := b.Execute(context.Background(), failingCall)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailureRate(t *testing.T) {
	b := New("resolution-1", Config{
		FailureThreshold:     100,
		MinRequests:          10,
		FailureRateThreshold: 0.5,
		Cooldown:             time.Hour,
	})

	// Alternate: at 10 requests the rate hits 50%.
	for i := 0; i < 5; i++ {
		b.RecordSuccess()
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerResetClosesCircuit(t *testing.T) {
	b := New("diagnosis-1", Config{FailureThreshold: 1, Cooldown: time.Hour})

	var transitions []State
	b.OnStateChange(func(target string, from, to State) {
		transitions = append(transitions, to)
	})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
	assert.Equal(t, int64(0), b.Stats().Total)
}

func TestBreakerCancellationNotCountedAsFailure(t *testing.T) {
	b := New("diagnosis-1", Config{FailureThreshold: 1, Cooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State())
}
