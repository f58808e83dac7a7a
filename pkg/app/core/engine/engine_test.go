package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/storage"
	"github.com/uhyunpark/triggerbook/pkg/util"
)

var (
	weth       = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	usdc       = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	engineAddr = common.HexToAddress("0xEE00000000000000000000000000000000000000")
	alice      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob        = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	keeper     = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

const symbol = "ETH-USDC"

// fakeMarkets reports whatever level the test sets
type fakeMarkets struct {
	m     *market.Market
	level int64
}

func (f *fakeMarkets) Lookup(s string) (*market.Market, error) {
	if s != f.m.Symbol {
		return nil, fmt.Errorf("%w: %s", market.ErrNotFound, s)
	}
	return f.m, nil
}

func (f *fakeMarkets) CurrentLevel(_ *ledger.Tx, s string) (int64, error) {
	if s != f.m.Symbol {
		return 0, market.ErrNotFound
	}
	return f.level, nil
}

type harness struct {
	t       *testing.T
	ledger  *ledger.Ledger
	markets *fakeMarkets
	engine  *Engine
	events  *events.Recorder
}

func newHarness(t *testing.T, mode IndexMode, store *storage.PebbleStore) *harness {
	t.Helper()
	m, err := market.NewMarket(symbol, weth, usdc, 10, 30)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:       t,
		ledger:  ledger.New(store, nil),
		markets: &fakeMarkets{m: m},
		events:  &events.Recorder{},
	}
	h.engine = New(Config{Address: engineAddr, IndexMode: mode}, h.ledger, h.markets, h.events, nil)
	h.engine.SetClock(util.NewBlockClock(time.Unix(1_700_000_000, 0)))
	return h
}

// fund mints both tokens to holder and approves the engine for them
func (h *harness) fund(holder common.Address, amt int64) {
	h.t.Helper()
	err := h.ledger.Atomic(context.Background(), func(_ context.Context, tx *ledger.Tx) error {
		for _, asset := range []common.Address{weth, usdc} {
			if err := tx.Mint(asset, holder, amt); err != nil {
				return err
			}
			if err := tx.Approve(asset, holder, engineAddr, amt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) balance(asset, holder common.Address) int64 {
	var out int64
	_ = h.ledger.View(func(tx *ledger.Tx) error {
		out = tx.BalanceOf(asset, holder)
		return nil
	})
	return out
}

func (h *harness) place(owner common.Address, typ order.Type, amt, trigger int64, placement *int64) common.Hash {
	h.t.Helper()
	id, err := h.engine.Place(context.Background(), PlaceRequest{
		Owner:          owner,
		Market:         symbol,
		Type:           typ,
		AmountIn:       amt,
		TriggerLevel:   trigger,
		PlacementLevel: placement,
	})
	if err != nil {
		h.t.Fatalf("place: %v", err)
	}
	return id
}

func (h *harness) status(id common.Hash) order.Status {
	o, ok := h.engine.Get(id)
	if !ok {
		h.t.Fatalf("order %s not found", id.Hex())
	}
	return o.Status
}

func lvl(v int64) *int64 { return &v }

func TestPlace_EscrowConservation(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 10_000)

	id := h.place(alice, order.BuyStop, 1_000, 100, lvl(100))

	if got := h.balance(weth, engineAddr); got != 1_000 {
		t.Errorf("engine weth = %d, want 1000", got)
	}
	if got := h.balance(weth, alice); got != 9_000 {
		t.Errorf("alice weth = %d, want 9000", got)
	}
	if got := h.engine.Escrow(weth); got != 1_000 {
		t.Errorf("escrow = %d, want 1000", got)
	}

	o, _ := h.engine.Get(id)
	if o.Status != order.Open || !o.ZeroForOne || o.BucketLevel != 100 || o.Owner != alice {
		t.Errorf("order = %+v", o)
	}
	placed := h.events.OfType(events.OrderPlaced)
	if len(placed) != 1 || placed[0].OrderID != id || placed[0].AmountIn != 1_000 || placed[0].TriggerLevel != 100 {
		t.Errorf("OrderPlaced = %+v", placed)
	}
	if owned := h.engine.OrdersOf(alice); len(owned) != 1 || owned[0].ID != id {
		t.Errorf("OrdersOf = %v", owned)
	}
}

func TestPlace_TakeProfitEscrowsToken1(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 10_000)

	h.place(alice, order.TakeProfit, 700, 0, nil)
	if got := h.balance(usdc, engineAddr); got != 700 {
		t.Errorf("engine usdc = %d, want 700", got)
	}
	if got := h.balance(weth, engineAddr); got != 0 {
		t.Errorf("engine weth = %d, want 0", got)
	}
}

func TestPlace_Rejections(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 100)

	tests := []struct {
		name string
		req  PlaceRequest
		want error
	}{
		{"zero amount", PlaceRequest{Owner: alice, Market: symbol, Type: order.StopLoss, AmountIn: 0}, ErrInvalidAmount},
		{"negative amount", PlaceRequest{Owner: alice, Market: symbol, Type: order.StopLoss, AmountIn: -5}, ErrInvalidAmount},
		{"unknown type", PlaceRequest{Owner: alice, Market: symbol, Type: order.Type(9), AmountIn: 5}, ErrInvalidType},
		{"unknown market", PlaceRequest{Owner: alice, Market: "BTC-USDC", Type: order.StopLoss, AmountIn: 5}, ErrUnknownMarket},
		{"over balance", PlaceRequest{Owner: alice, Market: symbol, Type: order.StopLoss, AmountIn: 101}, ErrTransferFailed},
		{"no allowance", PlaceRequest{Owner: bob, Market: symbol, Type: order.StopLoss, AmountIn: 1}, ErrTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Place(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if got := h.balance(weth, alice); got != 100 {
		t.Errorf("alice weth = %d after rejected placements, want 100", got)
	}
	if len(h.events.Events()) != 0 {
		t.Errorf("rejected placements emitted %d events", len(h.events.Events()))
	}
	if h.engine.counter != 0 {
		t.Errorf("counter = %d, want 0", h.engine.counter)
	}
}

func TestPlace_CustodyCannotWrap(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, math.MaxInt64)
	h.fund(bob, math.MaxInt64)

	h.place(alice, order.StopLoss, math.MaxInt64, 0, nil)
	_, err := h.engine.Place(context.Background(), PlaceRequest{
		Owner: bob, Market: symbol, Type: order.StopLoss, AmountIn: math.MaxInt64,
	})
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrTransferFailed wrapping ErrBalanceOverflow", err)
	}
	if Code(err) != "transfer_failed" {
		t.Errorf("code = %s", Code(err))
	}
	if got := h.balance(weth, engineAddr); got != math.MaxInt64 {
		t.Errorf("engine weth = %d, want MaxInt64", got)
	}
	if got := h.engine.Escrow(weth); got != math.MaxInt64 {
		t.Errorf("escrow = %d, want MaxInt64", got)
	}
	if got := h.balance(weth, bob); got != math.MaxInt64 {
		t.Errorf("bob weth = %d, want MaxInt64", got)
	}
	if owned := h.engine.OrdersOf(bob); len(owned) != 0 {
		t.Errorf("bob has %d orders", len(owned))
	}
}

func TestPlace_UniqueIDsSameTimestamp(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 100)
	a := h.place(alice, order.StopLoss, 1, 0, nil)
	b := h.place(alice, order.StopLoss, 1, 0, nil)
	if a == b {
		t.Fatal("placement counter must make ids unique")
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 5_000)
	id := h.place(alice, order.StopLoss, 2_000, -50, nil)

	if err := h.engine.Cancel(context.Background(), id, bob); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-owner cancel = %v, want ErrUnauthorized", err)
	}
	if err := h.engine.Cancel(context.Background(), common.Hash{9}, alice); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown cancel = %v, want ErrNotFound", err)
	}

	engineBefore := h.balance(weth, engineAddr)
	if err := h.engine.Cancel(context.Background(), id, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.balance(weth, alice); got != 5_000 {
		t.Errorf("alice weth = %d, want 5000", got)
	}
	if got := engineBefore - h.balance(weth, engineAddr); got != 2_000 {
		t.Errorf("engine released %d, want 2000", got)
	}
	if h.status(id) != order.Canceled {
		t.Errorf("status = %s", h.status(id))
	}
	if err := h.engine.Cancel(context.Background(), id, alice); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel = %v, want ErrInvalidState", err)
	}
	if got := h.events.OfType(events.OrderCanceled); len(got) != 1 || got[0].OrderID != id {
		t.Errorf("OrderCanceled = %+v", got)
	}
}

func TestGet_UnknownReturnsZero(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	o, ok := h.engine.Get(common.Hash{1})
	if ok || o.ID != (common.Hash{}) || o.AmountIn != 0 {
		t.Errorf("Get(unknown) = %+v, %v", o, ok)
	}
}

func TestSweep_SameLevelIsNoop(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 1_000)
	h.place(alice, order.BuyStop, 100, 100, lvl(100))
	bucketBefore := h.engine.Bucket(symbol, 100, true)

	found, err := h.engine.Sweep(context.Background(), SweepRequest{Market: symbol, PrevLevel: 100, NewLevel: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 || len(h.events.OfType(events.OrdersDiscovered)) != 0 {
		t.Errorf("no-op sweep discovered %v", found)
	}
	if got, ok := h.engine.LastLevel(symbol); !ok || got != 100 {
		t.Errorf("last level = %d, %v, want 100", got, ok)
	}
	if after := h.engine.Bucket(symbol, 100, true); len(after) != len(bucketBefore) {
		t.Error("bucket membership changed")
	}
}

func TestSweep_UpdatesLevelWithoutOrders(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	if _, err := h.engine.Sweep(context.Background(), SweepRequest{Market: symbol, PrevLevel: -30, NewLevel: 70}); err != nil {
		t.Fatal(err)
	}
	if got, _ := h.engine.LastLevel(symbol); got != 70 {
		t.Errorf("last level = %d, want 70", got)
	}
}

func TestSweep_DirectionAndStatusFiltering(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 10_000)

	up := h.place(alice, order.BuyStop, 100, 100, lvl(100))       // zeroForOne
	other := h.place(alice, order.TakeProfit, 100, 100, lvl(100)) // oneForZero
	gone := h.place(alice, order.StopLoss, 100, 120, lvl(120))    // zeroForOne
	if err := h.engine.Cancel(context.Background(), gone, alice); err != nil {
		t.Fatal(err)
	}

	// price rises: the trade bought token0 (tradeZeroForOne=false)
	found, err := h.engine.Sweep(context.Background(), SweepRequest{
		Market: symbol, PrevLevel: 50, NewLevel: 150, TradeZeroForOne: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Level != 100 || len(found[0].OrderIDs) != 1 || found[0].OrderIDs[0] != up {
		t.Fatalf("discoveries = %+v", found)
	}
	for _, d := range found {
		for _, id := range d.OrderIDs {
			if id == other || id == gone {
				t.Errorf("unexpected discovery %s", id.Hex())
			}
		}
	}

	// falling back down with the opposite trade direction surfaces the other side
	found, err = h.engine.Sweep(context.Background(), SweepRequest{
		Market: symbol, PrevLevel: 150, NewLevel: 50, TradeZeroForOne: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].OrderIDs[0] != other {
		t.Errorf("descending discoveries = %+v", found)
	}
}

// Orders are bucketed at placement level by default, so an order whose
// trigger differs from the level it was placed at is discovered where it was
// placed, not where it fires. IndexByTrigger buckets at the trigger level.
func TestIndexModes_DiscoveryLevel(t *testing.T) {
	sweepUp := SweepRequest{Market: symbol, PrevLevel: 50, NewLevel: 150, TradeZeroForOne: false}

	t.Run("placement", func(t *testing.T) {
		h := newHarness(t, IndexByPlacement, nil)
		h.fund(alice, 1_000)
		h.markets.level = 0
		id := h.place(alice, order.BuyStop, 100, 100, nil)

		o, _ := h.engine.Get(id)
		if o.BucketLevel != 0 {
			t.Fatalf("bucket level = %d, want placement level 0", o.BucketLevel)
		}
		found, _ := h.engine.Sweep(context.Background(), sweepUp)
		if len(found) != 0 {
			t.Errorf("placement-bucketed order discovered at %+v; it rests below the swept range", found)
		}
	})

	t.Run("trigger", func(t *testing.T) {
		h := newHarness(t, IndexByTrigger, nil)
		h.fund(alice, 1_000)
		h.markets.level = 0
		id := h.place(alice, order.BuyStop, 100, 105, nil)

		o, _ := h.engine.Get(id)
		if o.BucketLevel != 100 {
			t.Fatalf("bucket level = %d, want Floor(105) = 100", o.BucketLevel)
		}
		found, _ := h.engine.Sweep(context.Background(), sweepUp)
		if len(found) != 1 || found[0].Level != 100 || found[0].OrderIDs[0] != id {
			t.Errorf("discoveries = %+v", found)
		}
	})
}

func TestBuckets_Summary(t *testing.T) {
	h := newHarness(t, IndexByPlacement, nil)
	h.fund(alice, 1_000)
	a := h.place(alice, order.StopLoss, 10, 0, lvl(-5))
	b := h.place(alice, order.StopLoss, 10, 0, lvl(-1))
	if err := h.engine.Cancel(context.Background(), b, alice); err != nil {
		t.Fatal(err)
	}

	got := h.engine.Buckets(symbol)
	if len(got) != 1 {
		t.Fatalf("buckets = %+v", got)
	}
	if got[0].Level != -10 || got[0].Total != 2 || len(got[0].Open) != 1 || got[0].Open[0] != a {
		t.Errorf("bucket = %+v", got[0])
	}
}
