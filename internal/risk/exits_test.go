package risk

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optionsbot/internal/errors"
	"optionsbot/internal/models"
)

func TestNearExpiryComesFirst(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, condorSignal("SPY"), now)

	// 45 DTE at entry, 20 DTE after 25 days. The mark would also hit the stop.
	later := now.AddDate(0, 0, 25)
	exits, err := m.CheckExits(context.Background(), later, map[string]float64{pos.ID: 10})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateNearExpiry, exits[0].State)
	assert.Equal(t, "DTE=20 ≤ 21 (gamma risk)", exits[0].Reason)

	got, _ := m.Get(pos.ID)
	assert.Equal(t, models.StateNearExpiry, got.State)
}

func TestCreditStopAndTarget(t *testing.T) {
	tests := []struct {
		name  string
		mark  float64
		state models.PositionState
	}{
		{"stop", 3.6, models.StateStopHit},
		{"target", 0.55, models.StateTakeProfit},
		{"hold", 1.0, models.StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, defaultRisk())
			pos := mustOpen(t, m, condorSignal("SPY"), now)

			exits, err := m.CheckExits(context.Background(), now.Add(time.Hour), map[string]float64{pos.ID: tt.mark})
			require.NoError(t, err)
			if tt.state == models.StateOpen {
				assert.Empty(t, exits)
				return
			}
			require.Len(t, exits, 1)
			assert.Equal(t, tt.state, exits[0].State)
			assert.Equal(t, tt.mark, exits[0].Mark)
		})
	}
}

func TestDebitStopAndTarget(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, longCallSignal("AAPL", 1), now)

	exits, err := m.CheckExits(context.Background(), now, map[string]float64{pos.ID: 9})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateTakeProfit, exits[0].State)

	m2, _ := newTestManager(t, defaultRisk())
	pos = mustOpen(t, m2, longCallSignal("AAPL", 1), now)
	exits, err = m2.CheckExits(context.Background(), now, map[string]float64{pos.ID: 3.4})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateStopHit, exits[0].State)
}

func TestMissingMarkOnlyChecksExpiry(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	mustOpen(t, m, condorSignal("SPY"), now)

	exits, err := m.CheckExits(context.Background(), now, nil)
	require.NoError(t, err)
	assert.Empty(t, exits)
}

func TestClearedExitReturnsToOpen(t *testing.T) {
	ctx := context.Background()
	m, l := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, condorSignal("SPY"), now)

	exits, err := m.CheckExits(ctx, now.Add(time.Hour), map[string]float64{pos.ID: 3.6})
	require.NoError(t, err)
	require.Len(t, exits, 1)

	// No data: the pending exit stands.
	exits, err = m.CheckExits(ctx, now.Add(2*time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateStopHit, exits[0].State)

	// The mark recovered before the close went through.
	exits, err = m.CheckExits(ctx, now.Add(3*time.Hour), map[string]float64{pos.ID: 1.0})
	require.NoError(t, err)
	assert.Empty(t, exits)

	got, _ := m.Get(pos.ID)
	assert.Equal(t, models.StateOpen, got.State)
	stored, err := l.Open(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StateOpen, stored[0].State)
}

func TestPartialCloseKeepsExitPending(t *testing.T) {
	ctx := context.Background()
	m, l := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, condorSignal("SPY"), now)

	_, err := m.CheckExits(ctx, now.Add(time.Hour), map[string]float64{pos.ID: 0.55})
	require.NoError(t, err)
	require.NoError(t, m.RecordClosedLegs(ctx, pos.ID, []int{0, 1}, []string{"close-0", "close-1"}))

	exits, err := m.CheckExits(ctx, now.Add(2*time.Hour), map[string]float64{pos.ID: 1.0})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateTakeProfit, exits[0].State)
	assert.Contains(t, exits[0].Reason, "2 of 4 legs closed")
	assert.Equal(t, []int{0, 1}, exits[0].Position.ClosedLegs)

	stored, err := l.Open(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []int{0, 1}, stored[0].ClosedLegs)
	assert.Equal(t, []string{"order-1", "close-0", "close-1"}, stored[0].OrderIDs)

	assert.ErrorIs(t, m.RecordClosedLegs(ctx, "missing", []int{0}, nil), apperrors.ErrPositionNotFound)
}

func TestStockTrailingStop(t *testing.T) {
	ctx := context.Background()
	m, l := newTestManager(t, defaultRisk())
	pos := mustOpen(t, m, stockSignal("SPY", 150), now)

	check := func(mark float64) []Exit {
		exits, err := m.CheckExits(ctx, now, map[string]float64{pos.ID: mark})
		require.NoError(t, err)
		return exits
	}

	assert.Empty(t, check(103))
	got, _ := m.Get(pos.ID)
	assert.False(t, got.TrailActive)

	assert.Empty(t, check(104))
	got, _ = m.Get(pos.ID)
	assert.True(t, got.TrailActive)
	assert.InDelta(t, 101.92, got.TrailStop, 1e-9)

	assert.Empty(t, check(105))
	got, _ = m.Get(pos.ID)
	assert.InDelta(t, 102.9, got.TrailStop, 1e-9)

	// A pullback does not loosen the stop.
	assert.Empty(t, check(103))
	got, _ = m.Get(pos.ID)
	assert.InDelta(t, 102.9, got.TrailStop, 1e-9)

	persisted, err := l.Open(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].TrailActive)
	assert.InDelta(t, 102.9, persisted[0].TrailStop, 1e-9)

	exits := check(102.5)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateTrailingStop, exits[0].State)

	closed, err := m.Close(ctx, pos.ID, exits[0].Mark, exits[0].Reason, now)
	require.NoError(t, err)
	assert.InDelta(t, 125, closed.RealizedPnL, 1e-9)
}

func TestShortStockTrailingStop(t *testing.T) {
	m, _ := newTestManager(t, defaultRisk())
	sig := stockSignal("SPY", 150)
	sig.Direction = models.DirectionBearish
	sig.StopLoss, sig.TakeProfit = 103, 94
	pos := mustOpen(t, m, sig, now)

	for _, mark := range []float64{96, 95} {
		exits, err := m.CheckExits(context.Background(), now, map[string]float64{pos.ID: mark})
		require.NoError(t, err)
		assert.Empty(t, exits)
	}
	got, _ := m.Get(pos.ID)
	assert.InDelta(t, 96.9, got.TrailStop, 1e-9)

	exits, err := m.CheckExits(context.Background(), now, map[string]float64{pos.ID: 97})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.StateTrailingStop, exits[0].State)
}

// Property: once armed, a trailing stop never loosens.
func TestProperty_TrailingStopMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	m := &Manager{cfg: defaultRisk(), logger: zerolog.Nop()}

	properties.Property("long trail stop is non-decreasing", prop.ForAll(
		func(marks []float64) bool {
			pos := &models.Position{ID: "p", EntryPrice: 100, Trailing: true}
			prev := 0.0
			for _, mark := range marks {
				m.updateTrailing(pos, mark)
				if pos.TrailActive {
					if pos.TrailStop < prev {
						return false
					}
					prev = pos.TrailStop
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(80, 130)),
	))

	properties.Property("short trail stop is non-increasing", prop.ForAll(
		func(marks []float64) bool {
			pos := &models.Position{ID: "p", EntryPrice: 100, Short: true, Trailing: true}
			prev := 0.0
			for _, mark := range marks {
				m.updateTrailing(pos, mark)
				if pos.TrailActive {
					if prev != 0 && pos.TrailStop > prev {
						return false
					}
					prev = pos.TrailStop
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(70, 120)),
	))

	properties.TestingRun(t)
}

func TestStructureMark(t *testing.T) {
	exp := now.AddDate(0, 0, 45)
	chain := &models.OptionChain{
		Expiration: exp,
		Puts: []models.OptionQuote{
			{Strike: 79, Kind: models.Put, Bid: 0.1, Ask: 0.3},
			{Strike: 84, Kind: models.Put, Bid: 0.4, Ask: 0.6},
		},
		Calls: []models.OptionQuote{
			{Strike: 116, Kind: models.Call, Bid: 0.3, Ask: 0.5},
			{Strike: 121, Kind: models.Call, Bid: 0.05, Ask: 0.15},
		},
	}
	condor := &models.Position{Short: true, Legs: condorSignal("SPY").Legs}
	mark, ok := StructureMark(condor, chain)
	require.True(t, ok)
	assert.InDelta(t, 0.5-0.2+0.4-0.1, mark, 1e-9)

	long := &models.Position{Legs: []models.Leg{{Action: models.OrderSideBuy, Kind: models.Call, Strike: 116}}}
	mark, ok = StructureMark(long, chain)
	require.True(t, ok)
	assert.InDelta(t, 0.4, mark, 1e-9)

	missing := &models.Position{Legs: []models.Leg{{Action: models.OrderSideBuy, Kind: models.Call, Strike: 130}}}
	_, ok = StructureMark(missing, chain)
	assert.False(t, ok)
}
