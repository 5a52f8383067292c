// Package pipeline drives event sources and processing stages over the event bus.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
	"github.com/coachpo/dcabot/internal/infra/bus/eventbus"
	"github.com/coachpo/dcabot/internal/infra/telemetry"
)

// Stage consumes events of the types it subscribes to and may emit new events.
// Process is only ever called from one goroutine per stage.
type Stage interface {
	Name() string
	SubscribedEvents() []schema.EventType
	Process(ctx context.Context, evt *schema.Event) ([]*schema.Event, error)
}

// Source produces events until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, publish func(context.Context, *schema.Event) error) error
}

// Runner feeds one stage from its bus subscription.
type Runner struct {
	stage  Stage
	bus    eventbus.Bus
	id     eventbus.SubscriptionID
	events <-chan *schema.Event
	logger zerolog.Logger

	processed metric.Int64Counter
}

// Attach subscribes the stage to the bus. The subscription exists when Attach
// returns, so events published afterwards are not missed.
func Attach(ctx context.Context, bus eventbus.Bus, stage Stage, logger zerolog.Logger) (*Runner, error) {
	if bus == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	if stage == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("stage required"))
	}
	id, ch, err := bus.Subscribe(ctx, stage.SubscribedEvents()...)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", stage.Name(), err)
	}
	r := &Runner{
		stage:  stage,
		bus:    bus,
		id:     id,
		events: ch,
		logger: logger.With().Str("component", "pipeline").Str("stage", stage.Name()).Logger(),
	}
	r.processed, _ = otel.Meter("pipeline").Int64Counter("pipeline.events.processed",
		metric.WithDescription("Events handled by pipeline stages"),
		metric.WithUnit("{event}"))
	return r, nil
}

// Run consumes events until ctx is done or the subscription closes.
func (r *Runner) Run(ctx context.Context) error {
	defer r.bus.Unsubscribe(r.id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ctx, evt)
		}
	}
}

func (r *Runner) handle(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	out, result := r.process(ctx, evt)
	r.record(ctx, evt, result)
	for _, emitted := range out {
		if emitted == nil {
			continue
		}
		if err := r.bus.Publish(ctx, emitted); err != nil {
			r.logger.Error().Err(err).Str("event_id", emitted.ID).Str("type", string(emitted.Type)).Msg("publish emitted event failed")
		}
	}
}

func (r *Runner) process(ctx context.Context, evt *schema.Event) (out []*schema.Event, result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("event_id", evt.ID).
				Str("type", string(evt.Type)).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("stage panicked")
			out, result = nil, "panic"
		}
	}()
	out, err := r.stage.Process(ctx, evt)
	if err != nil {
		r.logger.Error().Err(err).Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("stage failed")
		return out, "error"
	}
	return out, "ok"
}

func (r *Runner) record(ctx context.Context, evt *schema.Event, result string) {
	if r.processed == nil {
		return
	}
	r.processed.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrStage.String(r.stage.Name()),
		telemetry.AttrEventType.String(string(evt.Type)),
		telemetry.AttrResult.String(result),
	))
}
