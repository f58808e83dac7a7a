package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/storage"
)

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrBalanceOverflow       = errors.New("balance overflow")
	ErrReentrant             = errors.New("ledger transaction already in progress")
	ErrTxClosed              = errors.New("ledger transaction closed")
)

type allowanceKey struct {
	asset, owner, spender common.Address
}

type balanceKey struct {
	asset, holder common.Address
}

// Ledger is the world state every engine operation runs against:
// token balances, allowances and account nonces.
//
// Thread-safety: all access goes through Atomic or View, which hold mu for
// the whole call. This is the single global serialization point.
type Ledger struct {
	mu sync.Mutex

	balances   map[balanceKey]int64
	allowances map[allowanceKey]int64
	nonces     map[common.Address]uint64

	store  *storage.PebbleStore // nil: in-memory only
	logger *zap.SugaredLogger
}

// New creates a ledger. store may be nil for an in-memory ledger.
func New(store *storage.PebbleStore, logger *zap.SugaredLogger) *Ledger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ledger{
		balances:   make(map[balanceKey]int64),
		allowances: make(map[allowanceKey]int64),
		nonces:     make(map[common.Address]uint64),
		store:      store,
		logger:     logger,
	}
}

type txKey struct{}

// InTx reports whether ctx already carries a ledger transaction
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*Tx)
	return ok
}

// Atomic runs fn as one indivisible transaction.
//
// On error (or panic) every journaled mutation is undone in reverse order and
// no commit hooks run. On success the dirty state is written to the store in
// one synced batch, then after-commit hooks run in registration order.
//
// fn must use the ctx it receives for anything that could call back into the
// ledger; a nested Atomic on that ctx fails with ErrReentrant.
func (l *Ledger) Atomic(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if InTx(ctx) {
		return ErrReentrant
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTx(l)
	ctx = context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if r := recover(); r != nil {
			tx.revert()
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.revert()
		return err
	}
	if err := l.persist(tx); err != nil {
		tx.revert()
		l.logger.Errorw("ledger_persist_failed", "err", err)
		return fmt.Errorf("persist: %w", err)
	}

	tx.closed = true
	for _, f := range tx.afterCommit {
		f()
	}
	return nil
}

// View runs fn with serialized read access. Any mutation fn makes is discarded.
func (l *Ledger) View(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTx(l)
	defer func() {
		tx.revert()
		tx.closed = true
	}()
	return fn(tx)
}

func (l *Ledger) persist(tx *Tx) error {
	if l.store == nil {
		return nil
	}
	batch := l.store.NewBatch()
	defer batch.Close()

	for k := range tx.dirtyBalances {
		if err := batch.PutBalance(k.asset, k.holder, l.balances[k]); err != nil {
			return err
		}
	}
	for k := range tx.dirtyAllowances {
		if err := batch.PutAllowance(k.asset, k.owner, k.spender, l.allowances[k]); err != nil {
			return err
		}
	}
	for addr := range tx.dirtyNonces {
		if err := batch.PutNonce(addr, l.nonces[addr]); err != nil {
			return err
		}
	}
	for _, f := range tx.onCommit {
		if err := f(batch); err != nil {
			return err
		}
	}
	if batch.Empty() {
		return nil
	}
	return batch.Commit()
}

// Load restores balances, allowances and nonces from the store
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bals, err := l.store.LoadBalances()
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	for _, r := range bals {
		l.balances[balanceKey{r.Asset, r.Holder}] = r.Amount
	}
	alws, err := l.store.LoadAllowances()
	if err != nil {
		return fmt.Errorf("load allowances: %w", err)
	}
	for _, r := range alws {
		l.allowances[allowanceKey{r.Asset, r.Owner, r.Spender}] = r.Amount
	}
	nonces, err := l.store.LoadNonces()
	if err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}
	for _, r := range nonces {
		l.nonces[r.Address] = r.Nonce
	}

	l.logger.Infow("ledger_loaded", "balances", len(bals), "allowances", len(alws), "nonces", len(nonces))
	return nil
}

// Balance is one non-zero holding, used for state hashing and queries
type Balance struct {
	Asset  common.Address
	Holder common.Address
	Amount int64
}

// sortedBalances returns all non-zero balances ordered by (asset, holder)
func (l *Ledger) sortedBalances() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for k, amt := range l.balances {
		if amt != 0 {
			out = append(out, Balance{Asset: k.asset, Holder: k.holder, Amount: amt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Asset.Cmp(out[j].Asset); c != 0 {
			return c < 0
		}
		return out[i].Holder.Cmp(out[j].Holder) < 0
	})
	return out
}
