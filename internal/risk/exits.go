package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"optionsbot/internal/logging"
	"optionsbot/internal/models"
)

// Exit is a position that reached an exit state and should be closed.
type Exit struct {
	Position *models.Position
	State    models.PositionState
	Mark     float64
	Reason   string
}

// CheckExits advances the exit state machine of every open position.
// marks maps position ID to its current mark; positions without a mark are
// only checked for expiry. Positions already in an exit state are
// re-evaluated so an exit that could not be executed is retried. One whose
// trigger no longer holds at the current mark returns to OPEN, unless a
// partial close already reversed some of its legs: that exit is re-emitted
// until it completes.
//
// Trailing state changes are persisted to the ledger.
func (m *Manager) CheckExits(ctx context.Context, now time.Time, marks map[string]float64) ([]Exit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exits []Exit
	for _, pos := range m.sorted() {
		live := m.positions[pos.ID]
		before := *live

		mark, hasMark := marks[pos.ID]
		state, reason := m.evaluate(live, now, mark, hasMark)
		if state == models.StateOpen && live.State != models.StateOpen {
			switch {
			case len(live.ClosedLegs) > 0:
				state, reason = live.State, fmt.Sprintf("completing partial close (%d of %d legs closed)", len(live.ClosedLegs), len(live.Legs))
			case !hasMark:
				state, reason = live.State, "no mark, exit still pending"
			}
		}
		live.State = state
		if state != models.StateOpen {
			logging.LogExit(m.logger, live.ID, string(state), reason)
			exits = append(exits, Exit{Position: copyPosition(live), State: state, Mark: live.LastMark, Reason: reason})
		} else if before.State != models.StateOpen {
			m.logger.Info().Str("position_id", live.ID).Str("from", string(before.State)).Msg("Exit trigger cleared, position back to open")
		}

		if trailingChanged(&before, live) || before.State != live.State {
			if err := m.ledger.SaveOpen(ctx, live); err != nil {
				return exits, err
			}
		}
	}
	return exits, nil
}

// evaluate checks one position, in priority order: expiry, stop-loss,
// take-profit, trailing stop.
func (m *Manager) evaluate(pos *models.Position, now time.Time, mark float64, hasMark bool) (models.PositionState, string) {
	if pos.TradeType.IsOption() && pos.MinDTEClose > 0 && !pos.Expiration.IsZero() {
		if dte := models.DaysToExpiration(now, pos.Expiration); dte <= pos.MinDTEClose {
			return models.StateNearExpiry, fmt.Sprintf("DTE=%d ≤ %d (gamma risk)", dte, pos.MinDTEClose)
		}
	}
	if !hasMark || mark < 0 || math.IsNaN(mark) {
		return models.StateOpen, ""
	}
	pos.LastMark = mark

	if hitStop(pos, mark) {
		return models.StateStopHit, fmt.Sprintf("Stop loss: mark %.2f vs stop %.2f (P&L $%.2f)", mark, pos.StopPrice, pos.PnL(mark))
	}
	if hitTarget(pos, mark) {
		return models.StateTakeProfit, fmt.Sprintf("Take profit: mark %.2f vs target %.2f (P&L $%.2f)", mark, pos.TargetPrice, pos.PnL(mark))
	}
	if pos.Trailing && m.updateTrailing(pos, mark) {
		return models.StateTrailingStop, fmt.Sprintf("Trailing stop: mark %.2f crossed %.2f (best %.2f)", mark, pos.TrailStop, pos.BestPrice)
	}
	return models.StateOpen, ""
}

func hitStop(pos *models.Position, mark float64) bool {
	if pos.StopPrice <= 0 {
		return false
	}
	if pos.Short {
		return mark >= pos.StopPrice
	}
	return mark <= pos.StopPrice
}

func hitTarget(pos *models.Position, mark float64) bool {
	if pos.Short {
		return pos.TargetPrice >= 0 && pos.TargetPrice < pos.EntryPrice && mark <= pos.TargetPrice
	}
	return pos.TargetPrice > pos.EntryPrice && mark >= pos.TargetPrice
}

// updateTrailing arms the trailing stop once the gain reaches the trigger,
// then trails it off the best mark seen. The stop only ever tightens.
// It reports whether mark crossed the stop.
func (m *Manager) updateTrailing(pos *models.Position, mark float64) bool {
	if pos.EntryPrice <= 0 {
		return false
	}
	gain := (mark - pos.EntryPrice) / pos.EntryPrice
	if pos.Short {
		gain = -gain
	}

	if !pos.TrailActive {
		if gain < m.cfg.TrailingTriggerPct {
			return false
		}
		pos.TrailActive = true
		pos.BestPrice = mark
		pos.TrailStop = trailFrom(pos.Short, mark, m.cfg.TrailingPct)
		m.logger.Info().Str("position_id", pos.ID).Float64("trail_stop", pos.TrailStop).Msg("Trailing stop armed")
		return false
	}

	if pos.Short {
		if mark < pos.BestPrice {
			pos.BestPrice = mark
			pos.TrailStop = math.Min(pos.TrailStop, trailFrom(true, mark, m.cfg.TrailingPct))
		}
		return mark >= pos.TrailStop
	}
	if mark > pos.BestPrice {
		pos.BestPrice = mark
		pos.TrailStop = math.Max(pos.TrailStop, trailFrom(false, mark, m.cfg.TrailingPct))
	}
	return mark <= pos.TrailStop
}

func trailFrom(short bool, best, pct float64) float64 {
	if short {
		return best * (1 + pct)
	}
	return best * (1 - pct)
}

func trailingChanged(a, b *models.Position) bool {
	return a.TrailActive != b.TrailActive || a.TrailStop != b.TrailStop || a.BestPrice != b.BestPrice
}

// StructureMark values a position's legs at current quote mids, in the
// position's own mark convention: the cost to buy back a credit structure,
// the value of a debit structure. ok is false when a leg has no quote.
func StructureMark(pos *models.Position, chain *models.OptionChain) (float64, bool) {
	if chain == nil || len(pos.Legs) == 0 {
		return 0, false
	}
	var net float64
	for _, l := range pos.Legs {
		q, ok := chain.Quote(l.Kind, l.Strike)
		if !ok {
			return 0, false
		}
		current := models.Leg{Action: l.Action, Kind: l.Kind, Strike: l.Strike, Mid: q.Mid()}
		net += current.Signed()
	}
	if pos.Short {
		return net, true
	}
	return -net, true
}
