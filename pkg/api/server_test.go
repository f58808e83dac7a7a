package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/triggerbook/pkg/abci"
	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/app/hook"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/metrics"
)

var (
	weth       = common.HexToAddress("0x0000000000000000000000000000000000000a00")
	usdc       = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	engineAddr = common.HexToAddress("0xEE00000000000000000000000000000000000000")
)

type testServer struct {
	app      *hook.App
	server   *Server
	http     *httptest.Server
	producer *abci.Producer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l := ledger.New(nil, nil)
	reg := market.NewRegistry()
	m, err := market.NewMarket("ETH-USDC", weth, usdc, 10, 30)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(m); err != nil {
		t.Fatal(err)
	}
	err = l.Atomic(context.Background(), func(_ context.Context, tx *ledger.Tx) error {
		return reg.Seed(tx, "ETH-USDC", 1_000_000, 1_000_000)
	})
	if err != nil {
		t.Fatal(err)
	}

	hub := NewHub(nil)
	app := hook.New(hook.Config{
		Engine: engine.Config{Address: engineAddr},
		Faucet: true,
	}, l, market.NewPools(reg, l, nil), hook.Options{Sink: hub, Metrics: metrics.New()})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	s := NewServer(app, hub, nil, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{app: app, server: s, http: ts, producer: abci.NewProducer(app, 0, nil)}
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) submit(t *testing.T, raw []byte) (int, SubmitTxResponse) {
	t.Helper()
	resp, err := http.Post(ts.http.URL+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out SubmitTxResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func signed(t *testing.T, key *crypto.Signer, tx transaction.SignedTransaction, nonce uint64) []byte {
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

func TestServer_Markets(t *testing.T) {
	ts := newTestServer(t)

	var markets []MarketInfo
	if code := ts.get(t, "/api/v1/markets", &markets); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %+v", markets)
	}
	m := markets[0]
	if m.Symbol != "ETH-USDC" || m.Reserve0 != 1_000_000 || m.Level != 0 || m.Price != "1.000000" || m.LastSwept != nil {
		t.Errorf("market = %+v", m)
	}
	if m.Token0 != weth.Hex() || m.TickSpacing != 10 || m.Status != "Active" {
		t.Errorf("market config = %+v", m)
	}

	if code := ts.get(t, "/api/v1/markets/BTC-USDC", nil); code != http.StatusNotFound {
		t.Errorf("unknown market status = %d, want 404", code)
	}
	if code := ts.get(t, "/api/v1/markets/BTC-USDC/buckets", nil); code != http.StatusNotFound {
		t.Errorf("unknown market buckets status = %d, want 404", code)
	}
	if code := ts.get(t, "/health", nil); code != http.StatusOK {
		t.Errorf("health status = %d", code)
	}
}

func TestServer_SubmitAndQuery(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := crypto.GenerateKey()

	txs := [][]byte{
		signed(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeFaucet, Faucet: &transaction.FaucetPayload{Asset: weth.Hex(), Amount: 5_000}}, 1),
		signed(t, alice, transaction.SignedTransaction{Type: transaction.TxTypeApprove, Approve: &transaction.ApprovePayload{Asset: weth.Hex(), Spender: engineAddr.Hex(), Amount: 5_000}}, 2),
		signed(t, alice, transaction.SignedTransaction{Type: transaction.TxTypePlace, Place: &transaction.PlacePayload{Market: "ETH-USDC", OrderType: "STOP_LOSS", AmountIn: 1_200, TriggerLevel: -100}}, 3),
	}
	for _, raw := range txs {
		code, resp := ts.submit(t, raw)
		if code != http.StatusOK || resp.Status != "submitted" || !strings.HasPrefix(resp.TxHash, "0x") {
			t.Fatalf("submit = %d %+v", code, resp)
		}
	}

	var status ChainStatus
	ts.get(t, "/api/v1/chain/status", &status)
	if status.MempoolSize != 3 || status.Height != 0 || status.ChainID != "1337" || status.IndexMode != "placement" || !status.Faucet || status.Markets != 1 {
		t.Errorf("status before block = %+v", status)
	}

	res, ok := ts.producer.Step()
	if !ok {
		t.Fatal("no block produced")
	}
	for i, r := range res.TxResults {
		if r.Code != 0 {
			t.Fatalf("tx %d failed: %s", i, r.Log)
		}
	}

	ts.get(t, "/api/v1/chain/status", &status)
	if status.Height != 1 || status.MempoolSize != 0 || status.Engine != engineAddr.Hex() {
		t.Errorf("status after block = %+v", status)
	}

	var orders []OrderInfo
	addr := strings.ToLower(alice.Address().Hex())
	if code := ts.get(t, "/api/v1/accounts/"+addr+"/orders?status=open", &orders); code != http.StatusOK {
		t.Fatalf("orders status = %d", code)
	}
	if len(orders) != 1 || orders[0].Type != "STOP_LOSS" || orders[0].AmountIn != 1_200 || orders[0].Status != "open" {
		t.Fatalf("orders = %+v", orders)
	}
	var none []OrderInfo
	ts.get(t, "/api/v1/accounts/"+addr+"/orders?status=executed", &none)
	if len(none) != 0 {
		t.Errorf("executed filter returned %+v", none)
	}

	var one OrderInfo
	if code := ts.get(t, "/api/v1/orders/"+orders[0].ID, &one); code != http.StatusOK || one.Owner != alice.Address().Hex() {
		t.Errorf("order lookup = %d %+v", code, one)
	}
	if code := ts.get(t, "/api/v1/orders/"+common.Hash{7}.Hex(), nil); code != http.StatusNotFound {
		t.Errorf("missing order status = %d, want 404", code)
	}
	if code := ts.get(t, "/api/v1/orders/0x12", nil); code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", code)
	}

	var bal BalanceInfo
	ts.get(t, "/api/v1/accounts/"+addr+"/balances/"+weth.Hex(), &bal)
	if bal.Balance != 3_800 || bal.EngineAllowance != 3_800 || bal.Nonce != 3 {
		t.Errorf("balance = %+v", bal)
	}

	var buckets []BucketInfo
	ts.get(t, "/api/v1/markets/ETH-USDC/buckets", &buckets)
	if len(buckets) != 1 || buckets[0].Level != 0 || !buckets[0].ZeroForOne || len(buckets[0].Open) != 1 || buckets[0].Open[0] != orders[0].ID {
		t.Errorf("buckets = %+v", buckets)
	}

	var claim ClaimInfo
	if code := ts.get(t, "/api/v1/claims/"+common.Hash{1}.Hex()+"/"+addr, &claim); code != http.StatusNotFound {
		t.Errorf("missing claim status = %d, want 404", code)
	}

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `triggerbook_orders_placed_total{market="ETH-USDC",type="STOP_LOSS"} 1`) {
		t.Errorf("metrics missing placement counter:\n%s", body)
	}
}

func TestServer_SubmitRejections(t *testing.T) {
	ts := newTestServer(t)
	alice, _ := crypto.GenerateKey()

	if code, _ := ts.submit(t, []byte("not json")); code != http.StatusBadRequest {
		t.Errorf("garbage status = %d, want 400", code)
	}

	tx := transaction.SignedTransaction{Type: transaction.TxTypeFaucet, Faucet: &transaction.FaucetPayload{Asset: weth.Hex(), Amount: 1}}
	if err := tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain()), alice, 1); err != nil {
		t.Fatal(err)
	}
	tx.Faucet.Amount = 1_000_000
	raw, _ := tx.Serialize()
	if code, _ := ts.submit(t, raw); code != http.StatusUnauthorized {
		t.Errorf("tampered status = %d, want 401", code)
	}
	if ts.app.MempoolLen() != 0 {
		t.Errorf("mempool holds %d rejected txs", ts.app.MempoolLen())
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/v1/tx", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestHub_StreamsSubscribedEvents(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	owner := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	sub := WSSubscribeRequest{Op: "subscribe", Channels: []string{"account:" + strings.ToLower(owner.Hex())}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	var ack WSAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "subscribed" || len(ack.Channels) != 1 || ack.Channels[0] != "account:"+owner.Hex() {
		t.Fatalf("ack = %+v", ack)
	}

	hub := ts.server.Hub()
	hub.Publish(events.Event{Type: events.OrderPlaced, Market: "ETH-USDC", Owner: common.Address{1}})
	hub.Publish(events.Event{Type: events.OrderCanceled, Market: "ETH-USDC", Owner: owner, AmountIn: 42})

	var msg WSEvent
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "event" || msg.Event.Type != events.OrderCanceled || msg.Event.Owner != owner || msg.Event.AmountIn != 42 {
		t.Errorf("message = %+v", msg)
	}
	if hub.Clients() != 1 {
		t.Errorf("clients = %d, want 1", hub.Clients())
	}
}
