package hook

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/abci"
	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/mempool"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/metrics"
	"github.com/uhyunpark/triggerbook/pkg/storage"
	"github.com/uhyunpark/triggerbook/pkg/util"
)

type Config struct {
	Engine       engine.Config
	Domain       crypto.EIP712Domain
	Faucet       bool // allow faucet txs (devnet only)
	MempoolLimit int
}

// Options carries optional collaborators; zero values get no-op defaults
type Options struct {
	Sink    events.Sink
	Blocks  storage.BlockStore
	WAL     storage.WAL
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

// App executes signed transactions block by block against the ledger,
// the market pools and the conditional-order engine.
type App struct {
	cfg      Config
	ledger   *ledger.Ledger
	pools    *market.Pools
	engine   *engine.Engine
	verifier *transaction.Verifier
	mempool  *mempool.Mempool
	blocks   storage.BlockStore
	wal      storage.WAL
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	clock  *util.BlockClock
	height *atomic.Uint64 // shared with the event stamper

	mu       sync.RWMutex
	settlers map[common.Address]engine.Settler
	head     storage.BlockRecord
}

var _ abci.Application = (*App)(nil)

// New wires the engine to pools and installs it as the pools' swap hook.
// Call Engine().Load after New when restoring from disk.
func New(cfg Config, l *ledger.Ledger, pools *market.Pools, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	blocks := opts.Blocks
	if blocks == nil {
		blocks = storage.NewInMemoryBlockStore()
	}
	wal := opts.WAL
	if wal == nil {
		wal = storage.NewNopWAL()
	}
	if cfg.Domain.ChainID == nil {
		cfg.Domain = crypto.DefaultDomain()
	}

	a := &App{
		cfg:      cfg,
		ledger:   l,
		pools:    pools,
		verifier: transaction.NewVerifier(cfg.Domain),
		mempool:  mempool.NewMempool(cfg.MempoolLimit),
		blocks:   blocks,
		wal:      wal,
		metrics:  opts.Metrics,
		logger:   logger,
		clock:    util.NewBlockClock(time.Time{}),
		height:   new(atomic.Uint64),
		settlers: make(map[common.Address]engine.Settler),
	}
	if head, ok := blocks.Head(); ok {
		a.head = head
		a.height.Store(head.Height)
		a.clock.Set(time.Unix(head.Time, 0))
	}

	sinks := events.Fanout{opts.Sink}
	if opts.Metrics != nil {
		sinks = append(sinks, opts.Metrics)
	}
	a.engine = engine.New(cfg.Engine, l, pools.Registry(), stampHeight(sinks, a.height), logger)
	a.engine.SetClock(a.clock)
	pools.SetHook(a.engine)
	return a
}

func (a *App) Engine() *engine.Engine          { return a.engine }
func (a *App) Pools() *market.Pools            { return a.pools }
func (a *App) Ledger() *ledger.Ledger          { return a.ledger }
func (a *App) Verifier() *transaction.Verifier { return a.verifier }
func (a *App) Domain() crypto.EIP712Domain     { return a.cfg.Domain }
func (a *App) Blocks() storage.BlockStore      { return a.blocks }
func (a *App) MempoolLen() int                 { return a.mempool.Len() }
func (a *App) Registry() *market.Registry      { return a.pools.Registry() }
func (a *App) Metrics() *metrics.Metrics       { return a.metrics }
func (a *App) Logger() *zap.SugaredLogger      { return a.logger }
func (a *App) FaucetEnabled() bool             { return a.cfg.Faucet }

// RegisterSettler makes s selectable by address in settle transactions
func (a *App) RegisterSettler(s engine.Settler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settlers[s.Address()] = s
}

// Settlers lists registered settler addresses
func (a *App) Settlers() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Address, 0, len(a.settlers))
	for addr := range a.settlers {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (a *App) settler(addr common.Address) (engine.Settler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.settlers[addr]
	return s, ok
}

// Head returns the last finalized block
func (a *App) Head() storage.BlockRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.head
}

// PushTx admits a raw transaction after checking its structure and
// signature. Nonces and state are only checked when the block applies it.
func (a *App) PushTx(raw []byte) (common.Hash, error) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := a.verifier.Verify(tx); err != nil {
		return common.Hash{}, err
	}
	if err := a.mempool.Push(raw); err != nil {
		return common.Hash{}, err
	}
	if a.metrics != nil {
		a.metrics.MempoolSize.Set(float64(a.mempool.Len()))
	}
	return ethcrypto.Keccak256Hash(raw), nil
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	return abci.ResponsePrepareProposal{Txs: a.mempool.SelectForProposal(req.MaxTxBytes)}
}

func (a *App) ProcessProposal(_ abci.RequestProcessProposal) abci.ResponseProcessProposal {
	return abci.ResponseProcessProposal{Accept: true}
}

// FinalizeBlock applies txs in order. A failing tx reverts only itself;
// its nonce stays consumed.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	start := time.Now()
	height := uint64(req.Height)
	a.clock.Set(time.Unix(req.Timestamp, 0))
	a.height.Store(height)

	results := make([]abci.TxResult, len(req.Txs))
	failed := 0
	for i, raw := range req.Txs {
		kind, err := a.applyTx(context.Background(), raw)
		code, name := resultCode(err)
		results[i] = abci.TxResult{Code: code}
		if err != nil {
			failed++
			results[i].Log = err.Error()
			a.logger.Infow("tx_failed", "height", height, "index", i, "type", kind, "code", name, "err", err)
		}
		if a.metrics != nil {
			a.metrics.ObserveTx(kind, err == nil)
			if err != nil && (kind == string(transaction.TxTypeSettle) || kind == string(transaction.TxTypeSettleBucket)) {
				a.metrics.SettleFailures.WithLabelValues(name).Inc()
			}
		}
		if werr := a.wal.Append(storage.WALEntry{Height: height, Index: i, Code: name, Tx: string(raw)}); werr != nil {
			a.logger.Warnw("wal_append_failed", "height", height, "index", i, "err", werr)
		}
	}

	hash := a.stateHash(req.Height, req.Timestamp)
	rec := storage.BlockRecord{
		Height:    height,
		Time:      req.Timestamp,
		TxCount:   len(req.Txs),
		Failed:    failed,
		StateHash: hash,
	}
	if err := a.blocks.SaveBlock(rec); err != nil {
		a.logger.Errorw("save_block_failed", "height", height, "err", err)
	}
	a.mu.Lock()
	a.head = rec
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ObserveBlock(height, time.Since(start))
		a.metrics.MempoolSize.Set(float64(a.mempool.Len()))
	}
	if len(req.Txs) > 0 {
		a.logger.Infow("block_finalized",
			"height", height,
			"txs", len(req.Txs),
			"failed", failed,
			"app_hash", fmt.Sprintf("0x%x", hash[:]),
		)
	}
	return abci.ResponseFinalizeBlock{TxResults: results, AppHash: hash}
}

// stateHash is sha256 over height, time, every non-zero balance and the
// engine digest, in canonical order.
func (a *App) stateHash(height, timestamp int64) [32]byte {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])

	_ = a.ledger.View(func(tx *ledger.Tx) error {
		for _, b := range tx.Balances() {
			fmt.Fprintf(h, "bal:%s:%s:%d\n", b.Asset.Hex(), b.Holder.Hex(), b.Amount)
		}
		a.engine.Digest(func(format string, args ...any) {
			fmt.Fprintf(h, format, args...)
		})
		return nil
	})

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// stampHeight tags every event with the height being applied
func stampHeight(next events.Sink, height *atomic.Uint64) events.Sink {
	return events.SinkFunc(func(ev events.Event) {
		ev.Height = height.Load()
		next.Publish(ev)
	})
}
