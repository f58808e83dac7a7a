package transaction

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/uhyunpark/triggerbook/pkg/crypto"
)

func signed(t *testing.T, key *crypto.Signer, tx *SignedTransaction, nonce uint64) *SignedTransaction {
	t.Helper()
	if err := tx.Sign(crypto.NewEIP712Signer(crypto.DefaultDomain()), key, nonce); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func TestVerify_AllTypes(t *testing.T) {
	key, _ := crypto.GenerateKey()
	v := NewVerifier(crypto.DefaultDomain())
	placement := int64(-30)

	txs := []*SignedTransaction{
		{Type: TxTypePlace, Place: &PlacePayload{Market: "ETH-USDC", OrderType: "STOP_LOSS", AmountIn: 10, TriggerLevel: -50, PlacementLevel: &placement}},
		{Type: TxTypeCancel, Cancel: &CancelPayload{OrderID: "0x01"}},
		{Type: TxTypeSettle, Settle: &SettlePayload{OrderID: "0x01", Settler: "0x00000000000000000000000000000000000000cc", Payload: json.RawMessage(`{"minOut":5}`)}},
		{Type: TxTypeSettleBucket, SettleBucket: &SettleBucketPayload{Market: "ETH-USDC", Level: 20, ZeroForOne: true, Settler: "0x00000000000000000000000000000000000000cc"}},
		{Type: TxTypeRedeem, Redeem: &RedeemPayload{TokenID: "0x02", Amount: 3}},
		{Type: TxTypeSwap, Swap: &SwapPayload{Market: "ETH-USDC", AmountIn: 100}},
		{Type: TxTypeApprove, Approve: &ApprovePayload{Asset: "0x0000000000000000000000000000000000000a00", Spender: "0x00000000000000000000000000000000000000ee", Amount: 100}},
		{Type: TxTypeFaucet, Faucet: &FaucetPayload{Asset: "0x0000000000000000000000000000000000000a00", Amount: 100}},
	}
	for i, tx := range txs {
		t.Run(string(tx.Type), func(t *testing.T) {
			signed(t, key, tx, uint64(i+1))

			// over the wire and back
			raw, err := tx.Serialize()
			if err != nil {
				t.Fatal(err)
			}
			parsed, err := ParseTransaction(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := v.Verify(parsed)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if got != key.Address() {
				t.Errorf("signer = %s, want %s", got.Hex(), key.Address().Hex())
			}
		})
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	v := NewVerifier(crypto.DefaultDomain())

	tx := signed(t, key, &SignedTransaction{
		Type:  TxTypePlace,
		Place: &PlacePayload{Market: "ETH-USDC", OrderType: "BUY_STOP", AmountIn: 1_000, TriggerLevel: 100},
	}, 1)

	tx.Place.AmountIn = 1_001
	if _, err := v.Verify(tx); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered amount: err = %v, want ErrBadSignature", err)
	}
	tx.Place.AmountIn = 1_000

	tx.Nonce = 2
	if _, err := v.Verify(tx); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered nonce: err = %v, want ErrBadSignature", err)
	}
	tx.Nonce = 1

	tx.Signer = other.Address().Hex()
	if _, err := v.Verify(tx); !errors.Is(err, ErrBadSignature) {
		t.Errorf("claimed other signer: err = %v, want ErrBadSignature", err)
	}
	tx.Signer = key.Address().Hex()

	if _, err := NewVerifier(crypto.DomainForChain(1)).Verify(tx); !errors.Is(err, ErrBadSignature) {
		t.Errorf("other chain: err = %v, want ErrBadSignature", err)
	}
	if _, err := v.Verify(tx); err != nil {
		t.Errorf("restored tx: %v", err)
	}
}

func TestParseTransaction_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "O:GTC:BTC"},
		{"unknown type", `{"type":"mint","nonce":1,"signer":"0x00000000000000000000000000000000000000aa","signature":"0x00"}`},
		{"missing payload", `{"type":"place","nonce":1,"signer":"0x00000000000000000000000000000000000000aa","signature":"0x00"}`},
		{"bad order type", `{"type":"place","place":{"order_type":"GTC"},"nonce":1,"signer":"0x00000000000000000000000000000000000000aa","signature":"0x00"}`},
		{"zero nonce", `{"type":"cancel","cancel":{"order_id":"0x1"},"signer":"0x00000000000000000000000000000000000000aa","signature":"0x00"}`},
		{"missing signature", `{"type":"cancel","cancel":{"order_id":"0x1"},"nonce":1,"signer":"0x00000000000000000000000000000000000000aa"}`},
		{"bad signer", `{"type":"cancel","cancel":{"order_id":"0x1"},"nonce":1,"signer":"alice","signature":"0x00"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTransaction([]byte(tt.raw)); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}
