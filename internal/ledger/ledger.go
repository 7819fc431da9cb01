// Package ledger persists open and closed positions and derives trade
// statistics from the closed set.
package ledger

import (
	"context"

	"optionsbot/internal/models"
)

// Ledger is the durable record of positions.
type Ledger interface {
	// SaveOpen inserts or replaces an open position.
	SaveOpen(ctx context.Context, pos *models.Position) error
	// SaveClosed moves a position from the open set to the closed set in
	// one transaction.
	SaveClosed(ctx context.Context, pos *models.Position) error
	// Open returns the open positions, oldest first.
	Open(ctx context.Context) ([]*models.Position, error)
	// Closed returns the closed positions, most recently closed first.
	// limit <= 0 returns all of them.
	Closed(ctx context.Context, limit int) ([]*models.Position, error)
	Stats(ctx context.Context) (models.TradeStats, error)
	Close() error
}
