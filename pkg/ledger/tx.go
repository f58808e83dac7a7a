package ledger

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/storage"
)

// Tx is the handle an operation mutates state through.
// Every mutation records an undo closure so the whole transaction can be
// rolled back.
type Tx struct {
	l      *Ledger
	closed bool

	undo        []func()
	onCommit    []func(*storage.Batch) error
	afterCommit []func()

	dirtyBalances   map[balanceKey]struct{}
	dirtyAllowances map[allowanceKey]struct{}
	dirtyNonces     map[common.Address]struct{}
}

func newTx(l *Ledger) *Tx {
	return &Tx{
		l:               l,
		dirtyBalances:   make(map[balanceKey]struct{}),
		dirtyAllowances: make(map[allowanceKey]struct{}),
		dirtyNonces:     make(map[common.Address]struct{}),
	}
}

// Journal registers an undo closure, run in reverse order on revert
func (tx *Tx) Journal(undo func()) {
	tx.undo = append(tx.undo, undo)
}

// Snapshot returns a revision id usable with RevertToSnapshot
func (tx *Tx) Snapshot() int {
	return len(tx.undo)
}

// RevertToSnapshot undoes every mutation journaled after the snapshot
func (tx *Tx) RevertToSnapshot(rev int) {
	for i := len(tx.undo) - 1; i >= rev; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:rev]
}

// OnCommit registers a persistence hook. Hooks read final state, so a hook
// registered early still writes the value as of commit.
func (tx *Tx) OnCommit(f func(*storage.Batch) error) {
	tx.onCommit = append(tx.onCommit, f)
}

// AfterCommit registers a hook run once the transaction is durable
func (tx *Tx) AfterCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) revert() {
	tx.RevertToSnapshot(0)
	tx.onCommit = nil
	tx.afterCommit = nil
}

func (tx *Tx) check() error {
	if tx.closed {
		return ErrTxClosed
	}
	return nil
}

// ============================================================================
// Balances
// ============================================================================

func (tx *Tx) BalanceOf(asset, holder common.Address) int64 {
	return tx.l.balances[balanceKey{asset, holder}]
}

func (tx *Tx) setBalance(asset, holder common.Address, amt int64) {
	k := balanceKey{asset, holder}
	prev, had := tx.l.balances[k]
	tx.l.balances[k] = amt
	tx.dirtyBalances[k] = struct{}{}
	tx.Journal(func() {
		if had {
			tx.l.balances[k] = prev
		} else {
			delete(tx.l.balances, k)
		}
	})
}

// Transfer moves amt of asset from one holder to another
func (tx *Tx) Transfer(asset, from, to common.Address, amt int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if amt <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amt)
	}
	bal := tx.BalanceOf(asset, from)
	if bal < amt {
		return fmt.Errorf("%w: %s has %d of %s, needs %d", ErrInsufficientBalance, from.Hex(), bal, asset.Hex(), amt)
	}
	if from == to {
		return nil
	}
	credited, err := tx.credit(asset, to, amt)
	if err != nil {
		return err
	}
	tx.setBalance(asset, from, bal-amt)
	tx.setBalance(asset, to, credited)
	return nil
}

// credit returns holder's balance after receiving amt, refusing to wrap
func (tx *Tx) credit(asset, holder common.Address, amt int64) (int64, error) {
	bal := tx.BalanceOf(asset, holder)
	if bal > math.MaxInt64-amt {
		return 0, fmt.Errorf("%w: %s holds %d of %s, receives %d", ErrBalanceOverflow, holder.Hex(), bal, asset.Hex(), amt)
	}
	return bal + amt, nil
}

// TransferFrom moves amt on behalf of from, spending spender's allowance.
// A holder spending its own funds needs no allowance.
func (tx *Tx) TransferFrom(asset, spender, from, to common.Address, amt int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if amt <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amt)
	}
	if spender != from {
		k := allowanceKey{asset, from, spender}
		allowed := tx.l.allowances[k]
		if allowed < amt {
			return fmt.Errorf("%w: %s allowed %d, needs %d", ErrInsufficientAllowance, spender.Hex(), allowed, amt)
		}
		if err := tx.Transfer(asset, from, to, amt); err != nil {
			return err
		}
		tx.setAllowance(k, allowed-amt)
		return nil
	}
	return tx.Transfer(asset, from, to, amt)
}

// Mint credits new units of asset (genesis reserves and faucet)
func (tx *Tx) Mint(asset, to common.Address, amt int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if amt <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amt)
	}
	credited, err := tx.credit(asset, to, amt)
	if err != nil {
		return err
	}
	tx.setBalance(asset, to, credited)
	return nil
}

// ============================================================================
// Allowances
// ============================================================================

func (tx *Tx) Allowance(asset, owner, spender common.Address) int64 {
	return tx.l.allowances[allowanceKey{asset, owner, spender}]
}

// Approve sets (not adds) spender's allowance over owner's asset
func (tx *Tx) Approve(asset, owner, spender common.Address, amt int64) error {
	if err := tx.check(); err != nil {
		return err
	}
	if amt < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amt)
	}
	tx.setAllowance(allowanceKey{asset, owner, spender}, amt)
	return nil
}

func (tx *Tx) setAllowance(k allowanceKey, amt int64) {
	prev, had := tx.l.allowances[k]
	tx.l.allowances[k] = amt
	tx.dirtyAllowances[k] = struct{}{}
	tx.Journal(func() {
		if had {
			tx.l.allowances[k] = prev
		} else {
			delete(tx.l.allowances, k)
		}
	})
}

// ============================================================================
// Nonces
// ============================================================================

func (tx *Tx) Nonce(addr common.Address) uint64 {
	return tx.l.nonces[addr]
}

func (tx *Tx) SetNonce(addr common.Address, nonce uint64) {
	prev, had := tx.l.nonces[addr]
	tx.l.nonces[addr] = nonce
	tx.dirtyNonces[addr] = struct{}{}
	tx.Journal(func() {
		if had {
			tx.l.nonces[addr] = prev
		} else {
			delete(tx.l.nonces, addr)
		}
	})
}

// Balances returns every non-zero balance ordered by (asset, holder)
func (tx *Tx) Balances() []Balance {
	return tx.l.sortedBalances()
}
