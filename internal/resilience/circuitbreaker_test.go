package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(context.Context) error { return assert.AnError }
func passing(context.Context) error { return nil }

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("broker", CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute}).
		WithClock(func() time.Time { return now })

	var transitions []CircuitState
	cb.OnStateChange(func(_ string, _, to CircuitState) { transitions = append(transitions, to) })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), assert.AnError)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, passing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(1), cb.Rejected())

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("advisory", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)
}

func TestExecuteWithResultCancelledContextCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExecuteWithResult(ctx, cb, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	v, err := ExecuteWithResult(context.Background(), cb, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

// Property: the circuit stays closed while consecutive failures remain
// below the threshold, however they interleave with successes.
func TestProperty_BreakerOpensOnlyOnConsecutiveFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open iff a failure run reaches the threshold", prop.ForAll(
		func(outcomes []bool, threshold int) bool {
			cb := NewCircuitBreaker("p", CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: time.Hour})
			run, opened := 0, false
			for _, ok := range outcomes {
				if opened {
					break
				}
				fn := failing
				if ok {
					fn = passing
					run = 0
				} else {
					run++
				}
				_ = cb.Execute(context.Background(), fn)
				opened = run >= threshold
			}
			return (cb.State() == CircuitOpen) == opened
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
