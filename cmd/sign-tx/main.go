package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
)

func main() {
	var (
		keyHex  = flag.String("key", "", "private key hex (fresh key when empty)")
		txType  = flag.String("type", "place", "place|cancel|settle|settle_bucket|redeem|swap|approve|faucet")
		nonce   = flag.Uint64("nonce", 1, "signer nonce, strictly increasing per address")
		chainID = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		submit  = flag.String("submit", "", "node base URL to POST the tx to, e.g. http://localhost:8080")

		marketSym  = flag.String("market", "ETH-USDC", "market symbol")
		orderType  = flag.String("order-type", "STOP_LOSS", "STOP_LOSS|TAKE_PROFIT|BUY_STOP|BUY_LIMIT")
		amount     = flag.Int64("amount", 1000, "amount in (place/swap/approve/faucet/redeem)")
		trigger    = flag.Int64("trigger", 0, "trigger level")
		placement  = flag.Int64("placement", 0, "placement level hint (with -use-placement)")
		usePlace   = flag.Bool("use-placement", false, "send -placement as the placement level")
		orderID    = flag.String("order-id", "", "order id (cancel/settle)")
		settler    = flag.String("settler", "", "settler address (settle/settle_bucket)")
		payload    = flag.String("payload", `{"minOut":0}`, "settler payload JSON")
		level      = flag.Int64("level", 0, "bucket level (settle_bucket)")
		zeroForOne = flag.Bool("zero-for-one", true, "direction (settle_bucket/swap)")
		minOut     = flag.Int64("min-out", 0, "swap minimum output")
		tokenID    = flag.String("token-id", "", "claim token id (redeem)")
		dest       = flag.String("dest", "", "redeem destination (defaults to signer)")
		asset      = flag.String("asset", "", "asset address (approve/faucet)")
		spender    = flag.String("spender", "", "spender address (approve)")
	)
	flag.Parse()

	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fail("key", err)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())

	// Step 2: Build the payload for the requested type
	tx := transaction.SignedTransaction{Type: transaction.TxType(*txType)}
	switch tx.Type {
	case transaction.TxTypePlace:
		tx.Place = &transaction.PlacePayload{Market: *marketSym, OrderType: *orderType, AmountIn: *amount, TriggerLevel: *trigger}
		if *usePlace {
			tx.Place.PlacementLevel = placement
		}
	case transaction.TxTypeCancel:
		tx.Cancel = &transaction.CancelPayload{OrderID: *orderID}
	case transaction.TxTypeSettle:
		tx.Settle = &transaction.SettlePayload{OrderID: *orderID, Settler: *settler, Payload: json.RawMessage(*payload)}
	case transaction.TxTypeSettleBucket:
		tx.SettleBucket = &transaction.SettleBucketPayload{Market: *marketSym, Level: *level, ZeroForOne: *zeroForOne, Settler: *settler, Payload: json.RawMessage(*payload)}
	case transaction.TxTypeRedeem:
		tx.Redeem = &transaction.RedeemPayload{TokenID: *tokenID, Amount: *amount, Destination: *dest}
	case transaction.TxTypeSwap:
		tx.Swap = &transaction.SwapPayload{Market: *marketSym, ZeroForOne: *zeroForOne, AmountIn: *amount, MinOut: *minOut}
	case transaction.TxTypeApprove:
		tx.Approve = &transaction.ApprovePayload{Asset: *asset, Spender: *spender, Amount: *amount}
	case transaction.TxTypeFaucet:
		tx.Faucet = &transaction.FaucetPayload{Asset: *asset, Amount: *amount}
	default:
		fail("type", fmt.Errorf("unknown transaction type %q", *txType))
	}

	// Step 3: Sign with EIP-712
	verifier := transaction.NewVerifier(crypto.DomainForChain(*chainID))
	if err := tx.Sign(verifier.Signer(), signer, *nonce); err != nil {
		fail("sign", err)
	}

	// Step 4: Verify before handing it out
	recovered, err := verifier.Verify(&tx)
	if err != nil {
		fail("verify", err)
	}
	fmt.Fprintf(os.Stderr, "Signature VALID, signer %s\n", recovered.Hex())

	raw, err := tx.Serialize()
	if err != nil {
		fail("serialize", err)
	}
	if *submit == "" {
		fmt.Println(string(raw))
		return
	}

	// Step 5: Optionally submit to the node
	resp, err := http.Post(*submit+"/api/v1/tx", "application/json", bytes.NewReader(raw))
	if err != nil {
		fail("submit", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(os.Stderr, "POST %s/api/v1/tx -> %s\n", *submit, resp.Status)
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
