package txgen

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Pusher admits a raw signed transaction into the mempool
type Pusher interface {
	PushTx(raw []byte) (common.Hash, error)
}

// StartFeeder starts a background goroutine that bootstraps the generator's
// accounts and then pushes a batch every cfg.Interval.
// Returns a cancel function to stop the feeder
func StartFeeder(ctx context.Context, p Pusher, g *Generator, logger *zap.SugaredLogger) context.CancelFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := g.cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		start := time.Now()
		lastReport := start
		rejected := 0
		push := func(batch [][]byte) {
			for _, raw := range batch {
				if _, err := p.PushTx(raw); err != nil {
					rejected++
				}
			}
		}

		logger.Infow("txgen_started",
			"batch", g.cfg.BatchSize,
			"interval_ms", interval.Milliseconds(),
			"accounts", g.cfg.NumAccounts,
			"market", g.cfg.Market,
			"keeper", g.Keeper().Hex(),
		)
		push(g.Bootstrap())

		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				logger.Infow("txgen_stopped",
					"total", g.Stats().Total(),
					"rejected", rejected,
					"elapsed", elapsed.Round(time.Second).String(),
				)
				return
			case <-ticker.C:
				push(g.Batch(g.cfg.BatchSize))

				if time.Since(lastReport) >= 10*time.Second {
					lastReport = time.Now()
					s := g.Stats()
					elapsed := time.Since(start).Seconds()
					logger.Infow("txgen_stats",
						"total", s.Total(),
						"rate", float64(s.Total())/elapsed,
						"place", s.Place,
						"cancel", s.Cancel,
						"settle", s.Settle,
						"swap", s.Swap,
						"rejected", rejected,
					)
				}
			}
		}
	}()

	return cancel
}
