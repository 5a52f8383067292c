// Package portfolio keeps in-memory position counters fed by FILL events.
package portfolio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/internal/domain/schema"
)

// FillLedger accumulates filled quantity per order and net position per symbol.
// Order updates repeat the cumulative filled quantity, so only the increase
// since the previous update moves the position.
type FillLedger struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	filled    map[string]decimal.Decimal
	positions map[string]decimal.Decimal
}

// NewFillLedger returns an empty ledger.
func NewFillLedger(logger zerolog.Logger) *FillLedger {
	return &FillLedger{
		logger:    logger.With().Str("component", "portfolio").Logger(),
		filled:    make(map[string]decimal.Decimal),
		positions: make(map[string]decimal.Decimal),
	}
}

// Name identifies the stage.
func (l *FillLedger) Name() string { return "fill-ledger" }

// SubscribedEvents lists the event types the ledger consumes.
func (l *FillLedger) SubscribedEvents() []schema.EventType {
	return []schema.EventType{schema.EventTypeFill}
}

// Process applies a FILL event.
func (l *FillLedger) Process(_ context.Context, evt *schema.Event) ([]*schema.Event, error) {
	fill, ok := evt.Fill()
	if !ok {
		return nil, nil
	}
	l.Apply(fill)
	return nil, nil
}

// Apply records a fill and returns the quantity it added to the order.
func (l *FillLedger) Apply(fill schema.FillPayload) decimal.Decimal {
	cumulative := fill.FilledQuantity
	if cumulative.IsZero() && fill.Status == schema.FillStatusFilled {
		cumulative = fill.Quantity
	}
	var sign decimal.Decimal
	switch fill.Side {
	case schema.SideBuy:
		sign = decimal.NewFromInt(1)
	case schema.SideSell:
		sign = decimal.NewFromInt(-1)
	default:
		l.logger.Warn().Str("order_id", fill.OrderID).Str("side", string(fill.Side)).Msg("fill without side; position unchanged")
		return decimal.Zero
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delta := cumulative
	if fill.OrderID != "" {
		delta = cumulative.Sub(l.filled[fill.OrderID])
		if !delta.IsPositive() {
			return decimal.Zero
		}
		l.filled[fill.OrderID] = cumulative
	}
	if !delta.IsPositive() {
		return decimal.Zero
	}
	position := l.positions[fill.Symbol].Add(delta.Mul(sign))
	l.positions[fill.Symbol] = position

	l.logger.Info().
		Str("order_id", fill.OrderID).
		Str("symbol", fill.Symbol).
		Str("status", string(fill.Status)).
		Str("delta", delta.String()).
		Str("position", position.String()).
		Msg("fill recorded")
	return delta
}

// Position returns the net filled quantity for symbol.
func (l *FillLedger) Position(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positions[symbol]
}

// Positions returns a copy of every non-empty symbol position.
func (l *FillLedger) Positions() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.positions))
	for symbol, qty := range l.positions {
		out[symbol] = qty
	}
	return out
}

// Filled returns the cumulative filled quantity recorded for an order.
func (l *FillLedger) Filled(orderID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filled[orderID]
}
