package hook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/abci"
	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/executor"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/metrics"
)

var (
	weth       = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	usdc       = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	engineAddr = common.HexToAddress("0xEE00000000000000000000000000000000000000")
	routerAddr = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

const symbol = "ETH-USDC"

type node struct {
	t      *testing.T
	app    *App
	events *events.Recorder
	height int64
}

func newNode(t *testing.T, faucet bool) *node {
	t.Helper()
	l := ledger.New(nil, nil)
	reg := market.NewRegistry()
	m, err := market.NewMarket(symbol, weth, usdc, 10, 30)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(m); err != nil {
		t.Fatal(err)
	}
	err = l.Atomic(context.Background(), func(_ context.Context, tx *ledger.Tx) error {
		return reg.Seed(tx, symbol, 1_000_000, 1_000_000)
	})
	if err != nil {
		t.Fatal(err)
	}
	pools := market.NewPools(reg, l, nil)
	rec := &events.Recorder{}
	app := New(Config{
		Engine: engine.Config{Address: engineAddr},
		Domain: crypto.DefaultDomain(),
		Faucet: faucet,
	}, l, pools, Options{Sink: rec, Metrics: metrics.New()})
	app.RegisterSettler(executor.NewRouter(routerAddr, pools, nil))
	return &node{t: t, app: app, events: rec}
}

func sign(t *testing.T, key *crypto.Signer, tx transaction.SignedTransaction, nonce uint64) []byte {
	t.Helper()
	if err := tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain()), key, nonce); err != nil {
		t.Fatal(err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// block pushes raws through the mempool and finalizes them as one block
func (n *node) block(raws ...[]byte) abci.ResponseFinalizeBlock {
	n.t.Helper()
	for _, raw := range raws {
		if _, err := n.app.PushTx(raw); err != nil {
			n.t.Fatalf("push: %v", err)
		}
	}
	n.height++
	prep := n.app.PrepareProposal(abci.RequestPrepareProposal{Height: n.height})
	return n.app.FinalizeBlock(abci.RequestFinalizeBlock{
		Height:    n.height,
		Timestamp: 1_700_000_000 + n.height,
		Txs:       prep.Txs,
	})
}

func (n *node) balance(asset, holder common.Address) int64 {
	var out int64
	_ = n.app.Ledger().View(func(tx *ledger.Tx) error {
		out = tx.BalanceOf(asset, holder)
		return nil
	})
	return out
}

func resultCodes(resp abci.ResponseFinalizeBlock) []string {
	out := make([]string, len(resp.TxResults))
	for i, r := range resp.TxResults {
		out[i] = CodeName(r.Code)
	}
	return out
}

func faucetTx(asset common.Address, amt int64) transaction.SignedTransaction {
	return transaction.SignedTransaction{Type: transaction.TxTypeFaucet, Faucet: &transaction.FaucetPayload{Asset: asset.Hex(), Amount: amt}}
}

func approveTx(asset, spender common.Address, amt int64) transaction.SignedTransaction {
	return transaction.SignedTransaction{Type: transaction.TxTypeApprove, Approve: &transaction.ApprovePayload{Asset: asset.Hex(), Spender: spender.Hex(), Amount: amt}}
}

func placeTx(typ string, amt, trigger int64) transaction.SignedTransaction {
	return transaction.SignedTransaction{Type: transaction.TxTypePlace, Place: &transaction.PlacePayload{Market: symbol, OrderType: typ, AmountIn: amt, TriggerLevel: trigger}}
}

func TestApp_BuyLimitLifecycle(t *testing.T) {
	n := newNode(t, true)
	alice, _ := crypto.GenerateKey()
	whale, _ := crypto.GenerateKey()
	keeper, _ := crypto.GenerateKey()

	// the placement is pushed first but applied after the non-order txs
	resp := n.block(
		sign(t, alice, placeTx("BUY_LIMIT", 1_000, -50), 3),
		sign(t, alice, faucetTx(usdc, 10_000), 1),
		sign(t, alice, approveTx(usdc, engineAddr, 10_000), 2),
	)
	if got := resultCodes(resp); got[0] != "ok" || got[1] != "ok" || got[2] != "ok" {
		t.Fatalf("block 1 codes = %v", got)
	}
	owned := n.app.Engine().OrdersOf(alice.Address())
	if len(owned) != 1 || owned[0].Status != order.Open || owned[0].BucketLevel != 0 {
		t.Fatalf("orders = %+v", owned)
	}
	id := owned[0].ID
	if placed := n.events.OfType(events.OrderPlaced); len(placed) != 1 || placed[0].Height != 1 {
		t.Errorf("OrderPlaced = %+v, want one at height 1", placed)
	}

	// a large sell drops the price through the trigger
	resp = n.block(
		sign(t, whale, faucetTx(weth, 200_000), 1),
		sign(t, whale, transaction.SignedTransaction{Type: transaction.TxTypeSwap, Swap: &transaction.SwapPayload{Market: symbol, ZeroForOne: true, AmountIn: 100_000}}, 2),
	)
	if got := resultCodes(resp); got[0] != "ok" || got[1] != "ok" {
		t.Fatalf("block 2 codes = %v", got)
	}
	disc := n.events.OfType(events.OrdersDiscovered)
	if len(disc) != 1 || len(disc[0].OrderIDs) != 1 || disc[0].OrderIDs[0] != id || disc[0].Height != 2 {
		t.Fatalf("OrdersDiscovered = %+v", disc)
	}

	settle := transaction.SignedTransaction{Type: transaction.TxTypeSettle, Settle: &transaction.SettlePayload{
		OrderID: id.Hex(), Settler: routerAddr.Hex(), Payload: json.RawMessage(`{"minOut":1}`),
	}}
	raw := sign(t, keeper, settle, 1)
	resp = n.block(raw)
	if got := resultCodes(resp); got[0] != "ok" {
		t.Fatalf("settle code = %v (%s)", got, resp.TxResults[0].Log)
	}
	o, _ := n.app.Engine().Get(id)
	if o.Status != order.Executed {
		t.Errorf("status = %s, want executed", o.Status)
	}
	if got := n.balance(weth, alice.Address()); got <= 0 {
		t.Errorf("alice received %d weth", got)
	}
	if got := n.balance(usdc, engineAddr); got != 0 {
		t.Errorf("engine still holds %d usdc", got)
	}

	// replaying the same signed settle is rejected on its nonce
	resp = n.block(raw)
	if got := resultCodes(resp); got[0] != "stale_nonce" {
		t.Errorf("replay code = %v, want stale_nonce", got)
	}
	if head := n.app.Head(); head.Height != 4 || head.TxCount != 1 || head.Failed != 1 {
		t.Errorf("head = %+v", head)
	}
}

func TestApp_FailedTxConsumesNonce(t *testing.T) {
	n := newNode(t, true)
	alice, _ := crypto.GenerateKey()

	// no allowance: placement fails but nonce 1 is spent
	resp := n.block(
		sign(t, alice, faucetTx(weth, 1_000), 1),
		sign(t, alice, placeTx("STOP_LOSS", 500, 0), 2),
	)
	if got := resultCodes(resp); got[0] != "ok" || got[1] != "transfer_failed" {
		t.Fatalf("codes = %v", got)
	}
	resp = n.block(sign(t, alice, approveTx(weth, engineAddr, 1_000), 2))
	if got := resultCodes(resp); got[0] != "stale_nonce" {
		t.Errorf("reused nonce code = %v, want stale_nonce", got)
	}
	resp = n.block(sign(t, alice, approveTx(weth, engineAddr, 1_000), 5))
	if got := resultCodes(resp); got[0] != "ok" {
		t.Errorf("gap nonce code = %v, want ok", got)
	}
	if got := n.events.OfType(events.OrderPlaced); len(got) != 0 {
		t.Errorf("events delivered for reverted placement: %v", got)
	}
}

func TestApp_Rejections(t *testing.T) {
	n := newNode(t, false)
	alice, _ := crypto.GenerateKey()

	resp := n.block(
		sign(t, alice, faucetTx(weth, 1_000), 1),
		sign(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeSettle, Settle: &transaction.SettlePayload{
			OrderID: common.Hash{1}.Hex(), Settler: common.Address{9}.Hex(),
		}}, 2),
		sign(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeCancel, Cancel: &transaction.CancelPayload{OrderID: common.Hash{1}.Hex()}}, 4),
		sign(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeCancel, Cancel: &transaction.CancelPayload{OrderID: "0x1234"}}, 5),
		sign(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeSwap, Swap: &transaction.SwapPayload{Market: "BTC-USDC", AmountIn: 1}}, 3),
	)
	// non-order first (faucet, settle, swap), then cancels
	want := []string{"faucet_disabled", "unknown_settler", "unknown_market", "not_found", "malformed"}
	got := resultCodes(resp)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("codes = %v, want %v", got, want)
			break
		}
	}

	tx := placeTx("BUY_STOP", 10, 10)
	if err := tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain()), alice, 9); err != nil {
		t.Fatal(err)
	}
	tx.Place.AmountIn = 10_000
	raw, _ := tx.Serialize()
	if _, err := n.app.PushTx(raw); !errors.Is(err, transaction.ErrBadSignature) {
		t.Errorf("tampered push err = %v, want ErrBadSignature", err)
	}
	if _, err := n.app.PushTx([]byte("O:GTC:BTC")); !errors.Is(err, transaction.ErrMalformed) {
		t.Errorf("legacy push err = %v, want ErrMalformed", err)
	}
}

func TestApp_FaucetBounded(t *testing.T) {
	n := newNode(t, true)
	alice, _ := crypto.GenerateKey()

	resp := n.block(
		sign(t, alice, faucetTx(weth, transaction.MaxFaucetAmount+1), 1),
		sign(t, alice, faucetTx(weth, transaction.MaxFaucetAmount), 2),
	)
	if got := resultCodes(resp); got[0] != "invalid_amount" || got[1] != "ok" {
		t.Fatalf("codes = %v", got)
	}
	if got := n.balance(weth, alice.Address()); got != transaction.MaxFaucetAmount {
		t.Errorf("alice weth = %d, want %d", got, transaction.MaxFaucetAmount)
	}
}

func TestApp_StateHashDeterministic(t *testing.T) {
	alice, _ := crypto.GenerateKey()
	txs := [][]byte{
		sign(t, alice, faucetTx(weth, 5_000), 1),
		sign(t, alice, approveTx(weth, engineAddr, 5_000), 2),
		sign(t, alice, placeTx("BUY_STOP", 700, 40), 3),
	}

	a, b := newNode(t, true), newNode(t, true)
	ra, rb := a.block(txs...), b.block(txs...)
	if ra.AppHash != rb.AppHash {
		t.Errorf("same block produced different hashes: %x vs %x", ra.AppHash, rb.AppHash)
	}
	if ra.AppHash == ([32]byte{}) {
		t.Error("zero app hash")
	}

	next := a.block(sign(t, alice, faucetTx(usdc, 1), 4))
	if next.AppHash == ra.AppHash {
		t.Error("state change did not move the hash")
	}
	if blk, ok := a.app.Blocks().GetBlock(2); !ok || blk.StateHash != next.AppHash {
		t.Errorf("block 2 record = %+v, %v", blk, ok)
	}
}
