package claim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNothingClaimable    = errors.New("nothing claimable")
	ErrInsufficientBalance = errors.New("insufficient claim balance")
	ErrUnknownPool         = errors.New("unknown claim pool")
	ErrInvalidAmount       = errors.New("claim amount must be positive")
)

// Journaler records undo closures for a ledger transaction.
// *ledger.Tx satisfies it.
type Journaler interface {
	Journal(undo func())
}

// TokenID identifies the claim token of one bucket
// Format: keccak256(market || level[8] || direction[1])
func TokenID(market string, level int64, zeroForOne bool) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(market))
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(level))
	if zeroForOne {
		buf[8] = 1
	}
	h.Write(buf[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Pool is the aggregated receipt bookkeeping of one bucket.
// Claimable is output held by the engine on behalf of claim holders.
type Pool struct {
	ID          common.Hash    `json:"id"`
	Market      string         `json:"market"`
	Level       int64          `json:"level"`
	ZeroForOne  bool           `json:"zero_for_one"`
	Output      common.Address `json:"output"`
	Claimable   int64          `json:"claimable"`
	TotalSupply int64          `json:"total_supply"`
}

// Book holds every claim pool and holder balance.
// Not thread-safe: callers hold the ledger lock.
type Book struct {
	pools    map[common.Hash]*Pool
	balances map[common.Hash]map[common.Address]int64
}

func NewBook() *Book {
	return &Book{
		pools:    make(map[common.Hash]*Pool),
		balances: make(map[common.Hash]map[common.Address]int64),
	}
}

// Ensure returns the pool for a bucket, creating it if needed
func (b *Book) Ensure(j Journaler, market string, level int64, zeroForOne bool, output common.Address) common.Hash {
	id := TokenID(market, level, zeroForOne)
	if _, ok := b.pools[id]; ok {
		return id
	}
	b.pools[id] = &Pool{ID: id, Market: market, Level: level, ZeroForOne: zeroForOne, Output: output}
	j.Journal(func() { delete(b.pools, id) })
	return id
}

// Pool returns a copy of the pool
func (b *Book) Pool(id common.Hash) (Pool, bool) {
	p, ok := b.pools[id]
	if !ok {
		return Pool{}, false
	}
	return *p, true
}

// Pools returns every pool ordered by id
func (b *Book) Pools() []Pool {
	out := make([]Pool, 0, len(b.pools))
	for _, p := range b.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Cmp(out[j].ID) < 0
	})
	return out
}

func (b *Book) BalanceOf(id common.Hash, holder common.Address) int64 {
	return b.balances[id][holder]
}

// Holders returns a copy of the holder balances of a pool
func (b *Book) Holders(id common.Hash) map[common.Address]int64 {
	out := make(map[common.Address]int64, len(b.balances[id]))
	for h, amt := range b.balances[id] {
		out[h] = amt
	}
	return out
}

// Reserved sums claimable output held in the given asset
func (b *Book) Reserved(asset common.Address) int64 {
	var total int64
	for _, p := range b.pools {
		if p.Output == asset {
			total += p.Claimable
		}
	}
	return total
}

// Mint credits claim tokens to holder
func (b *Book) Mint(j Journaler, id common.Hash, holder common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p, ok := b.pools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, id.Hex())
	}
	prevSupply := p.TotalSupply
	prevBal := b.balances[id][holder]

	p.TotalSupply += amount
	b.setBalance(id, holder, prevBal+amount)

	j.Journal(func() {
		p.TotalSupply = prevSupply
		b.setBalance(id, holder, prevBal)
	})
	return nil
}

// AddClaimable adds settled output to the pool
func (b *Book) AddClaimable(j Journaler, id common.Hash, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	p, ok := b.pools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, id.Hex())
	}
	prev := p.Claimable
	p.Claimable += amount
	j.Journal(func() { p.Claimable = prev })
	return nil
}

// Redeem burns amount of holder's claim and returns the pro-rata output:
// amountOut = amount * claimable / totalSupply, floored. Burning the whole
// remaining supply pays out all of Claimable, so the pool empties exactly.
// The caller transfers amountOut of the pool's output asset.
func (b *Book) Redeem(j Journaler, id common.Hash, holder common.Address, amount int64) (int64, error) {
	p, ok := b.pools[id]
	if !ok || p.Claimable == 0 {
		return 0, ErrNothingClaimable
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	bal := b.balances[id][holder]
	if amount > bal {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrInsufficientBalance, bal, amount)
	}

	out := ProRata(amount, p.Claimable, p.TotalSupply)

	prevClaimable, prevSupply := p.Claimable, p.TotalSupply
	p.Claimable -= out
	p.TotalSupply -= amount
	b.setBalance(id, holder, bal-amount)

	j.Journal(func() {
		p.Claimable = prevClaimable
		p.TotalSupply = prevSupply
		b.setBalance(id, holder, bal)
	})
	return out, nil
}

// ProRata computes amount*claimable/supply with a 128-bit intermediate
func ProRata(amount, claimable, supply int64) int64 {
	if supply <= 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(claimable))
	n.Quo(n, big.NewInt(supply))
	return n.Int64()
}

// Restore installs a persisted pool and its holders
func (b *Book) Restore(p Pool, holders map[common.Address]int64) {
	cp := p
	b.pools[p.ID] = &cp
	for h, amt := range holders {
		b.setBalance(p.ID, h, amt)
	}
}

// RestoreBalance installs a single persisted holder balance
func (b *Book) RestoreBalance(id common.Hash, holder common.Address, amt int64) {
	b.setBalance(id, holder, amt)
}

func (b *Book) setBalance(id common.Hash, holder common.Address, amt int64) {
	m, ok := b.balances[id]
	if !ok {
		m = make(map[common.Address]int64)
		b.balances[id] = m
	}
	if amt == 0 {
		delete(m, holder)
		return
	}
	m[holder] = amt
}
