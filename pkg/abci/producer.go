package abci

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/util"
)

// Producer is the single-node block loop: propose, accept, finalize.
// Blocks are only produced when the mempool has something to include.
type Producer struct {
	App          Application
	MinBlockTime time.Duration // throttle between blocks
	MaxTxBytes   int64
	Clock        util.Clock
	Logger       *zap.SugaredLogger

	height int64
}

// NewProducer starts producing at height+1
func NewProducer(app Application, height int64, logger *zap.SugaredLogger) *Producer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Producer{
		App:          app,
		MinBlockTime: 200 * time.Millisecond,
		MaxTxBytes:   1 << 24,
		Clock:        util.RealClock{},
		Logger:       logger,
		height:       height,
	}
}

// Height returns the last produced height
func (p *Producer) Height() int64 { return p.height }

// Run produces blocks until ctx is done
func (p *Producer) Run(ctx context.Context) error {
	wait := p.MinBlockTime
	if wait <= 0 {
		wait = time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Clock.After(wait):
		}
		p.Step()
	}
}

// Step produces at most one block and reports whether it did
func (p *Producer) Step() (ResponseFinalizeBlock, bool) {
	next := p.height + 1
	prep := p.App.PrepareProposal(RequestPrepareProposal{Height: next, MaxTxBytes: p.MaxTxBytes})
	if len(prep.Txs) == 0 {
		return ResponseFinalizeBlock{}, false
	}
	if !p.App.ProcessProposal(RequestProcessProposal{Height: next, Txs: prep.Txs}).Accept {
		p.Logger.Warnw("proposal_rejected", "height", next, "txs", len(prep.Txs))
		return ResponseFinalizeBlock{}, false
	}
	resp := p.App.FinalizeBlock(RequestFinalizeBlock{
		Height:    next,
		Timestamp: p.Clock.Now().Unix(),
		Txs:       prep.Txs,
	})
	p.height = next
	return resp, true
}
