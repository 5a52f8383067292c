// Package execution turns ORDER events into exchange orders.
package execution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
	"github.com/coachpo/dcabot/internal/infra/adapters/exchanger"
	"github.com/coachpo/dcabot/internal/infra/telemetry"
)

// OrderPlacer submits market orders. Implementations report failure as a zero ack.
type OrderPlacer interface {
	CreateMarketOrder(ctx context.Context, symbol string, side schema.Side, amount decimal.Decimal) exchanger.OrderAck
}

// Config tunes the executor.
type Config struct {
	// DryRun logs orders instead of sending them.
	DryRun bool
	// OrderRate is the sustained orders per second; zero disables throttling.
	OrderRate float64
	// OrderBurst is the limiter bucket size, at least 1.
	OrderBurst int
}

// Executor sends every ORDER event to the exchange exactly once and emits nothing.
type Executor struct {
	placer  OrderPlacer
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	orders metric.Int64Counter
}

// NewExecutor builds an executor around placer.
func NewExecutor(placer OrderPlacer, cfg Config, logger zerolog.Logger) (*Executor, error) {
	if placer == nil && !cfg.DryRun {
		return nil, errs.Config("execution", "order placer required")
	}
	if cfg.OrderRate < 0 {
		return nil, errs.Config("execution", "order_rate must not be negative")
	}
	e := &Executor{
		placer: placer,
		cfg:    cfg,
		logger: logger.With().Str("component", "execution").Logger(),
	}
	if cfg.OrderRate > 0 {
		burst := cfg.OrderBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.OrderRate), burst)
	}
	e.orders, _ = otel.Meter("execution").Int64Counter("execution.orders",
		metric.WithDescription("ORDER events handled by the executor"),
		metric.WithUnit("{order}"))
	return e, nil
}

// Name identifies the stage.
func (e *Executor) Name() string { return "executor" }

// SubscribedEvents lists the event types the executor consumes.
func (e *Executor) SubscribedEvents() []schema.EventType {
	return []schema.EventType{schema.EventTypeOrder}
}

// Process places the order. Failures are logged and never retried.
func (e *Executor) Process(ctx context.Context, evt *schema.Event) ([]*schema.Event, error) {
	payload, ok := evt.Order()
	if !ok {
		return nil, nil
	}
	log := e.logger.With().
		Str("event_id", evt.ID).
		Str("symbol", payload.Symbol).
		Str("side", string(payload.Side)).
		Str("amount", payload.Amount.String()).
		Logger()
	log.Info().Msg("executor received order")

	if err := payload.Validate(); err != nil {
		log.Error().Err(err).Msg("discarding invalid order")
		e.record(ctx, payload, "invalid")
		return nil, nil
	}
	if e.limiter != nil && !e.limiter.Allow() {
		log.Warn().Msg("order throttled; dropping")
		e.record(ctx, payload, "throttled")
		return nil, nil
	}
	if e.cfg.DryRun {
		log.Info().Msg("dry run; order not sent")
		e.record(ctx, payload, "dry_run")
		return nil, nil
	}

	ack, err := e.place(ctx, payload)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to execute order")
		e.record(ctx, payload, "error")
	case !ack.Confirmed():
		log.Warn().Msg("order outcome unknown")
		e.record(ctx, payload, "unknown")
	default:
		log.Info().Str("order_id", ack.OrderID).Str("status", ack.Status).Msg("order sent to exchange")
		e.record(ctx, payload, "sent")
	}
	return nil, nil
}

func (e *Executor) place(ctx context.Context, payload schema.OrderPayload) (ack exchanger.OrderAck, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("order placer panicked: %v", rec)
		}
	}()
	return e.placer.CreateMarketOrder(ctx, payload.Symbol, payload.Side, payload.Amount), nil
}

func (e *Executor) record(ctx context.Context, payload schema.OrderPayload, result string) {
	if e.orders == nil {
		return
	}
	e.orders.Add(ctx, 1, metric.WithAttributes(
		telemetry.OrderAttributes(payload.Symbol, string(payload.Side), result)...,
	))
}
