package strategy

import (
	"github.com/rs/zerolog"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/app/execution"
	"github.com/coachpo/dcabot/internal/app/portfolio"
	"github.com/coachpo/dcabot/internal/app/strategies"
	"github.com/coachpo/dcabot/internal/domain/schema"
	"github.com/coachpo/dcabot/internal/infra/adapters/exchanger"
	"github.com/coachpo/dcabot/internal/infra/bus/eventbus"
	"github.com/coachpo/dcabot/internal/infra/config"
)

// Deps are the collaborators a DCA strategy runs against.
type Deps struct {
	Bus    eventbus.Bus
	Placer execution.OrderPlacer
	// Dialer overrides the websocket dialer; nil uses coder/websocket.
	Dialer        exchanger.Dialer
	OnStateChange func(from, to exchanger.ConnectionState)
	Logger        zerolog.Logger
}

// DCA is the dollar-cost averaging composition: stream ingester, decider,
// executor and fill ledger sharing one bus.
type DCA struct {
	*Composer

	Ingester *exchanger.StreamIngester
	Decider  *strategies.DCADecider
	Executor *execution.Executor
	Ledger   *portfolio.FillLedger
}

// NewDCA builds the DCA composition from configuration.
func NewDCA(cfg config.AppConfig, deps Deps) (*DCA, error) {
	if deps.Bus == nil {
		return nil, errs.Config("strategy", "event bus required")
	}
	logger := deps.Logger

	ingester, err := exchanger.NewStreamIngester(exchanger.StreamOptions{
		URL:                  cfg.Stream.WSURL,
		Token:                cfg.Stream.JWT,
		Symbol:               cfg.Strategy.Symbol,
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		MaxReconnectDelay:    cfg.Stream.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		HandshakeTimeout:     cfg.Stream.HandshakeTimeout,
		ReadLimit:            cfg.Stream.ReadLimit,
		OnStateChange:        deps.OnStateChange,
		Dialer:               deps.Dialer,
		Logger:               &logger,
	})
	if err != nil {
		return nil, err
	}

	decider, err := strategies.NewDCADecider(strategies.DCAConfig{
		Symbol:           cfg.Strategy.Symbol,
		BuyIntervalTicks: cfg.Strategy.Interval(),
		BuyAmount:        cfg.Strategy.Amount(),
		Side:             schema.SideBuy,
	}, logger)
	if err != nil {
		return nil, err
	}

	executor, err := execution.NewExecutor(deps.Placer, execution.Config{
		DryRun:     cfg.Executor.DryRun,
		OrderRate:  cfg.Executor.OrderRate,
		OrderBurst: cfg.Executor.OrderBurst,
	}, logger)
	if err != nil {
		return nil, err
	}

	ledger := portfolio.NewFillLedger(logger)

	composer := NewComposer("dca:"+cfg.Strategy.Symbol, deps.Bus, logger)
	composer.AddStage(decider)
	composer.AddStage(executor)
	composer.AddStage(ledger)
	composer.AddSource(ingester)

	return &DCA{
		Composer: composer,
		Ingester: ingester,
		Decider:  decider,
		Executor: executor,
		Ledger:   ledger,
	}, nil
}

// Status is a point-in-time view of a running DCA strategy.
type Status struct {
	Strategy   string            `json:"strategy"`
	Symbol     string            `json:"symbol"`
	Running    bool              `json:"running"`
	Connection string            `json:"connection"`
	Ticks      uint64            `json:"ticks"`
	Positions  map[string]string `json:"positions"`
}

// Status reports connection state, tick count and filled positions.
func (d *DCA) Status() Status {
	positions := d.Ledger.Positions()
	out := make(map[string]string, len(positions))
	for symbol, qty := range positions {
		out[symbol] = qty.String()
	}
	return Status{
		Strategy:   d.Name(),
		Symbol:     d.Decider.Symbol(),
		Running:    d.Running(),
		Connection: d.Ingester.State().String(),
		Ticks:      d.Decider.Ticks(),
		Positions:  out,
	}
}
