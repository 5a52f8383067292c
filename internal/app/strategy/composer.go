// Package strategy composes event sources and stages into a running strategy.
package strategy

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/app/pipeline"
	"github.com/coachpo/dcabot/internal/infra/bus/eventbus"
)

// Composer owns the bus wiring of one strategy.
type Composer struct {
	name   string
	bus    eventbus.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	sources []pipeline.Source
	stages  []pipeline.Stage
	running bool
}

// NewComposer returns an empty composition publishing on bus.
func NewComposer(name string, bus eventbus.Bus, logger zerolog.Logger) *Composer {
	return &Composer{
		name:   name,
		bus:    bus,
		logger: logger.With().Str("component", "strategy").Str("strategy", name).Logger(),
	}
}

// Name returns the strategy name.
func (c *Composer) Name() string { return c.name }

// Running reports whether Run is in progress.
func (c *Composer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// AddSource registers an event producer.
func (c *Composer) AddSource(src pipeline.Source) {
	if src == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

// AddStage registers a processing stage.
func (c *Composer) AddStage(stage pipeline.Stage) {
	if stage == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, stage)
}

// Run attaches every stage, then starts every source, and blocks until ctx
// is cancelled. A source that fails stops the whole composition and its error
// is returned.
func (c *Composer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errs.New("strategy", errs.CodeInvalid, errs.WithMessage("strategy already running"))
	}
	if c.bus == nil {
		c.mu.Unlock()
		return errs.New("strategy", errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	c.running = true
	sources := append([]pipeline.Source(nil), c.sources...)
	stages := append([]pipeline.Stage(nil), c.stages...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stages subscribe before any source publishes.
	runners := make([]*pipeline.Runner, 0, len(stages))
	for _, stage := range stages {
		runner, err := pipeline.Attach(runCtx, c.bus, stage, c.logger)
		if err != nil {
			return err
		}
		runners = append(runners, runner)
	}

	var (
		lifecycle conc.WaitGroup
		errMu     sync.Mutex
		firstErr  error
	)
	for _, runner := range runners {
		lifecycle.Go(func() {
			_ = runner.Run(runCtx)
		})
	}
	for _, src := range sources {
		lifecycle.Go(func() {
			err := src.Run(runCtx, c.bus.Publish)
			if err == nil || runCtx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("source", src.Name()).Msg("source stopped; shutting down strategy")
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			cancel()
		})
	}
	c.logger.Info().Int("stages", len(runners)).Int("sources", len(sources)).Msg("strategy started")

	lifecycle.Wait()
	c.logger.Info().Msg("strategy stopped")
	return firstErr
}
