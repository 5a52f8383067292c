// Package strategies hosts the trading deciders.
package strategies

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

// DCAConfig parameterises the dollar-cost averaging decider.
type DCAConfig struct {
	Symbol           string
	BuyIntervalTicks uint64
	BuyAmount        decimal.Decimal
	// Side defaults to buy.
	Side schema.Side
}

// DCADecider emits one ORDER every BuyIntervalTicks MARKET events.
// Prices are logged but never influence the decision.
type DCADecider struct {
	cfg       DCAConfig
	tickCount atomic.Uint64
	logger    zerolog.Logger
}

// NewDCADecider validates cfg and returns a decider with a zero tick count.
func NewDCADecider(cfg DCAConfig, logger zerolog.Logger) (*DCADecider, error) {
	cfg.Symbol = strings.TrimSpace(cfg.Symbol)
	if cfg.Symbol == "" {
		return nil, errs.Config("strategies/dca", "symbol required")
	}
	if cfg.BuyIntervalTicks == 0 {
		return nil, errs.Config("strategies/dca", "buy_interval_ticks must be at least 1")
	}
	if !cfg.BuyAmount.IsPositive() {
		return nil, errs.Config("strategies/dca", "buy_amount must be positive")
	}
	if cfg.Side == "" {
		cfg.Side = schema.SideBuy
	}
	side, err := schema.ParseSide(string(cfg.Side))
	if err != nil {
		return nil, errs.New("strategies/dca", errs.CodeConfig, errs.WithMessage("invalid side"), errs.WithCause(err))
	}
	cfg.Side = side

	return &DCADecider{
		cfg:    cfg,
		logger: logger.With().Str("component", "strategies/dca").Str("symbol", cfg.Symbol).Logger(),
	}, nil
}

// Name identifies the stage.
func (d *DCADecider) Name() string { return "dca-decider" }

// Symbol returns the traded instrument.
func (d *DCADecider) Symbol() string { return d.cfg.Symbol }

// SubscribedEvents lists the event types the decider consumes.
func (d *DCADecider) SubscribedEvents() []schema.EventType {
	return []schema.EventType{schema.EventTypeMarket}
}

// Ticks returns the number of MARKET events seen so far.
func (d *DCADecider) Ticks() uint64 { return d.tickCount.Load() }

// Process counts the tick and returns an ORDER when the interval is reached.
func (d *DCADecider) Process(_ context.Context, evt *schema.Event) ([]*schema.Event, error) {
	if evt == nil || evt.Type != schema.EventTypeMarket {
		return nil, nil
	}
	tick := d.tickCount.Add(1)

	entry := d.logger.Info().Uint64("tick", tick)
	if payload, ok := evt.Market(); ok {
		entry = entry.Str("price", payload.Price.String())
	}
	entry.Msg("market tick")

	if tick%d.cfg.BuyIntervalTicks != 0 {
		return nil, nil
	}
	order, err := schema.NewOrderEvent(d.Name(), schema.OrderPayload{
		Symbol: d.cfg.Symbol,
		Side:   d.cfg.Side,
		Amount: d.cfg.BuyAmount,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info().
		Uint64("tick", tick).
		Str("side", string(d.cfg.Side)).
		Str("amount", d.cfg.BuyAmount.String()).
		Msg("buy interval reached; emitting order")
	return []*schema.Event{order}, nil
}
