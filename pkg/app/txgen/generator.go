package txgen

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
	"github.com/uhyunpark/triggerbook/pkg/events"
)

// Config controls what the generator signs and how fast the feeder pushes it
type Config struct {
	BatchSize   int           // Number of txs per batch
	Interval    time.Duration // How often to push a batch
	NumAccounts int           // Simulated traders; a quarter of them only swap
	Market      string
	Token0      common.Address
	Token1      common.Address
	Engine      common.Address // approval spender for placements
	Settler     common.Address // keeper settles discovered orders through it
	OrderSize   int64          // upper bound for a placement's amount in
	SwapSize    int64          // upper bound for a swap's amount in
	Spread      int64          // triggers land within current level +- Spread
	Seed        int64          // 0 seeds from the clock
	Domain      crypto.EIP712Domain
}

// DefaultConfig returns modest devnet load
func DefaultConfig() Config {
	return Config{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		OrderSize:   1_000,
		SwapSize:    1_000_000,
		Spread:      200,
		Domain:      crypto.DefaultDomain(),
	}
}

// HighLoadConfig returns config for stress testing
func HighLoadConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.NumAccounts = 200
	return cfg
}

// Stats counts generated transactions by type
type Stats struct {
	Place  int
	Cancel int
	Settle int
	Swap   int
	Setup  int
}

func (s Stats) Total() int { return s.Place + s.Cancel + s.Settle + s.Swap + s.Setup }

// Generator signs a random but valid transaction stream against one market.
// It is an events.Sink: observed discoveries become keeper settles and its
// own open orders become cancel candidates.
type Generator struct {
	cfg      Config
	placers  []*crypto.Signer
	swappers []*crypto.Signer
	keeper   *crypto.Signer
	nonces   map[common.Address]uint64
	rng      *rand.Rand
	eip712   *crypto.EIP712Signer
	level    func() int64
	stats    Stats

	mu         sync.Mutex
	own        map[common.Address]bool
	open       map[common.Address][]common.Hash
	discovered []common.Hash
}

// New creates a generator with fresh keys. Batch calls level for the
// market's current level, so Batch must not run under the ledger lock.
func New(cfg Config, level func() int64) (*Generator, error) {
	def := DefaultConfig()
	if cfg.NumAccounts < 2 {
		cfg.NumAccounts = 2
	}
	if cfg.OrderSize <= 0 {
		cfg.OrderSize = def.OrderSize
	}
	if cfg.SwapSize <= 0 {
		cfg.SwapSize = def.SwapSize
	}
	if cfg.Spread < 0 {
		cfg.Spread = def.Spread
	}
	if cfg.Domain.ChainID == nil {
		cfg.Domain = def.Domain
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Generator{
		cfg:    cfg,
		nonces: make(map[common.Address]uint64),
		rng:    rand.New(rand.NewSource(seed)),
		eip712: crypto.NewEIP712Signer(cfg.Domain),
		level:  level,
		own:    make(map[common.Address]bool),
		open:   make(map[common.Address][]common.Hash),
	}
	swappers := cfg.NumAccounts / 4
	if swappers == 0 {
		swappers = 1
	}
	for i := 0; i < cfg.NumAccounts; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		if i < swappers {
			g.swappers = append(g.swappers, key)
		} else {
			g.placers = append(g.placers, key)
			g.own[key.Address()] = true
		}
	}
	keeper, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	g.keeper = keeper
	return g, nil
}

// Keeper returns the address that signs settles
func (g *Generator) Keeper() common.Address { return g.keeper.Address() }

func (g *Generator) Stats() Stats { return g.stats }

// Bootstrap funds every trader and approves the engine for placers. Every
// bootstrap tx is in the mempool's first class, so they apply in order.
func (g *Generator) Bootstrap() [][]byte {
	var out [][]byte
	grant := transaction.MaxFaucetAmount
	if size := max(g.cfg.OrderSize, g.cfg.SwapSize); size < grant/1_000 {
		grant = 1_000 * size
	}
	fund := func(key *crypto.Signer, approve bool) {
		for _, asset := range []common.Address{g.cfg.Token0, g.cfg.Token1} {
			out = g.appendSigned(out, key, transaction.SignedTransaction{
				Type:   transaction.TxTypeFaucet,
				Faucet: &transaction.FaucetPayload{Asset: asset.Hex(), Amount: grant},
			})
			if approve {
				out = g.appendSigned(out, key, transaction.SignedTransaction{
					Type:    transaction.TxTypeApprove,
					Approve: &transaction.ApprovePayload{Asset: asset.Hex(), Spender: g.cfg.Engine.Hex(), Amount: math.MaxInt64},
				})
			}
		}
	}
	for _, key := range g.swappers {
		fund(key, false)
	}
	for _, key := range g.placers {
		fund(key, true)
	}
	g.stats.Setup += len(out)
	return out
}

// Batch returns up to n transactions, keeper settles first. A placer signs
// at most once per batch; a cancel and an older place of the same trader
// landing in one block apply cancel-first and the place is then stale.
func (g *Generator) Batch(n int) [][]byte {
	out := make([][]byte, 0, n)
	for _, id := range g.takeDiscovered(n) {
		out = g.appendSigned(out, g.keeper, transaction.SignedTransaction{
			Type: transaction.TxTypeSettle,
			Settle: &transaction.SettlePayload{
				OrderID: id.Hex(),
				Settler: g.cfg.Settler.Hex(),
				Payload: []byte(`{"minOut":0}`),
			},
		})
		g.stats.Settle++
	}

	level := int64(0)
	if g.level != nil && len(out) < n {
		level = g.level()
	}
	used := make(map[int]bool)
	for len(out) < n {
		if g.rng.Intn(100) < 30 {
			out = g.swap(out)
			continue
		}
		i := g.rng.Intn(len(g.placers))
		if used[i] {
			if len(used) == len(g.placers) {
				out = g.swap(out)
				continue
			}
			continue
		}
		used[i] = true
		key := g.placers[i]
		if g.rng.Intn(100) < 20 {
			if id, ok := g.takeOpen(key.Address()); ok {
				out = g.appendSigned(out, key, transaction.SignedTransaction{
					Type:   transaction.TxTypeCancel,
					Cancel: &transaction.CancelPayload{OrderID: id.Hex()},
				})
				g.stats.Cancel++
				continue
			}
		}
		out = g.place(out, key, level)
	}
	return out
}

func (g *Generator) place(out [][]byte, key *crypto.Signer, level int64) [][]byte {
	types := []order.Type{order.StopLoss, order.TakeProfit, order.BuyStop, order.BuyLimit}
	typ := types[g.rng.Intn(len(types))]
	trigger := level + g.rng.Int63n(2*g.cfg.Spread+1) - g.cfg.Spread
	g.stats.Place++
	return g.appendSigned(out, key, transaction.SignedTransaction{
		Type: transaction.TxTypePlace,
		Place: &transaction.PlacePayload{
			Market:       g.cfg.Market,
			OrderType:    typ.String(),
			AmountIn:     1 + g.rng.Int63n(g.cfg.OrderSize),
			TriggerLevel: trigger,
		},
	})
}

func (g *Generator) swap(out [][]byte) [][]byte {
	key := g.swappers[g.rng.Intn(len(g.swappers))]
	g.stats.Swap++
	return g.appendSigned(out, key, transaction.SignedTransaction{
		Type: transaction.TxTypeSwap,
		Swap: &transaction.SwapPayload{
			Market:     g.cfg.Market,
			ZeroForOne: g.rng.Intn(2) == 0,
			AmountIn:   1 + g.rng.Int63n(g.cfg.SwapSize),
		},
	})
}

// appendSigned signs tx with the key's next nonce. Signing only fails on a
// broken key, in which case the tx is dropped.
func (g *Generator) appendSigned(out [][]byte, key *crypto.Signer, tx transaction.SignedTransaction) [][]byte {
	addr := key.Address()
	g.nonces[addr]++
	if err := tx.Sign(g.eip712, key, g.nonces[addr]); err != nil {
		return out
	}
	raw, err := tx.Serialize()
	if err != nil {
		return out
	}
	return append(out, raw)
}

// Publish follows committed events
func (g *Generator) Publish(ev events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch ev.Type {
	case events.OrderPlaced:
		if g.own[ev.Owner] {
			g.open[ev.Owner] = append(g.open[ev.Owner], ev.OrderID)
		}
	case events.OrderCanceled, events.OrderExecuted:
		g.dropOpen(ev.Owner, ev.OrderID)
	case events.OrdersDiscovered:
		g.discovered = append(g.discovered, ev.OrderIDs...)
	}
}

func (g *Generator) dropOpen(owner common.Address, id common.Hash) {
	ids := g.open[owner]
	for i, v := range ids {
		if v == id {
			g.open[owner] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

func (g *Generator) takeOpen(owner common.Address) (common.Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.open[owner]
	if len(ids) == 0 {
		return common.Hash{}, false
	}
	id := ids[len(ids)-1]
	g.open[owner] = ids[:len(ids)-1]
	return id, true
}

func (g *Generator) takeDiscovered(n int) []common.Hash {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > len(g.discovered) {
		n = len(g.discovered)
	}
	ids := g.discovered[:n:n]
	g.discovered = g.discovered[n:]
	return ids
}
