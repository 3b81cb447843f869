// Package poller reconciles in-flight payouts against the gateway.
// Webhooks are the primary signal; the poller is the safety net for
// deliveries that never arrive.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webitof-developer/Silkpay/internal/gateway/silkpay"
	"github.com/webitof-developer/Silkpay/internal/payout"
)

var (
	cycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poller_cycles_total",
		Help: "Completed reconciliation cycles.",
	})
	cyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poller_cycles_skipped_total",
		Help: "Cycles skipped because the previous one was still running.",
	})
	payoutsChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poller_payouts_checked_total",
		Help: "Payouts queried against the gateway.",
	})
	payoutErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poller_payout_errors_total",
		Help: "Per-payout reconciliation failures, skipped until the next cycle.",
	})
)

// Config controls the reconciliation loop.
type Config struct {
	Interval  time.Duration `envconfig:"POLL_INTERVAL" default:"5m"`
	Window    time.Duration `envconfig:"POLL_WINDOW" default:"168h"`
	BatchSize int           `envconfig:"POLL_BATCH_SIZE" default:"100"`
	CallDelay time.Duration `envconfig:"POLL_CALL_DELAY" default:"1s"`
}

// Store lists payouts awaiting reconciliation.
type Store interface {
	ListUnsettled(ctx context.Context, window time.Duration, limit int) ([]*payout.Payout, error)
}

// Gateway queries payout status.
type Gateway interface {
	QueryPayout(ctx context.Context, outTradeNo string) (*silkpay.PayoutResult, error)
}

// Applier feeds query results into the payout state machine.
type Applier interface {
	ApplyPollResult(ctx context.Context, p *payout.Payout, result *silkpay.PayoutResult, by payout.FinalizedBy) (*payout.Payout, error)
}

// Poller periodically sweeps non-terminal payouts within the lookback
// window. Payouts older than the window are left for manual review.
type Poller struct {
	cfg     Config
	store   Store
	gateway Gateway
	applier Applier
	logger  *slog.Logger
	running atomic.Bool
}

// New creates a poller.
func New(cfg Config, store Store, gateway Gateway, applier Applier, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		applier: applier,
		logger:  logger.With("component", "poller"),
	}
}

// Run sweeps on the configured interval until the context is canceled.
// A cycle that overruns the interval causes the next tick to be skipped
// rather than overlapping it.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"window", p.cfg.Window,
		"batch_size", p.cfg.BatchSize,
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				cyclesSkipped.Inc()
				p.logger.Warn("previous cycle still running, skipping tick")
				continue
			}
			p.cycle(ctx)
			p.running.Store(false)
		}
	}
}

// cycle reconciles one batch. Individual payout failures are logged and
// skipped; only a store failure aborts the cycle.
func (p *Poller) cycle(ctx context.Context) {
	payouts, err := p.store.ListUnsettled(ctx, p.cfg.Window, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("listing unsettled payouts failed", "error", err)
		return
	}
	if len(payouts) == 0 {
		cycles.Inc()
		return
	}

	p.logger.Info("reconciliation cycle", "unsettled", len(payouts))

	finalized := 0
	for i, pay := range payouts {
		if ctx.Err() != nil {
			return
		}
		// Space out gateway calls so a large backlog does not burst.
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.CallDelay):
			}
		}

		payoutsChecked.Inc()
		result, err := p.gateway.QueryPayout(ctx, pay.OutTradeNo)
		if err != nil {
			payoutErrors.Inc()
			p.logger.Warn("query failed, skipping payout",
				"payout_id", pay.ID,
				"out_trade_no", pay.OutTradeNo,
				"error", err,
			)
			continue
		}

		updated, err := p.applier.ApplyPollResult(ctx, pay, result, payout.FinalizedByQuery)
		if err != nil {
			payoutErrors.Inc()
			p.logger.Warn("applying poll result failed, skipping payout",
				"payout_id", pay.ID,
				"error", err,
			)
			continue
		}
		if updated.Status.IsTerminal() {
			finalized++
		}
	}

	cycles.Inc()
	p.logger.Info("reconciliation cycle complete",
		"checked", len(payouts),
		"finalized", finalized,
	)
}
