package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
)

// TxType represents the type of transaction
type TxType string

const (
	TxTypePlace        TxType = "place"
	TxTypeCancel       TxType = "cancel"
	TxTypeSettle       TxType = "settle"
	TxTypeSettleBucket TxType = "settle_bucket"
	TxTypeRedeem       TxType = "redeem"
	TxTypeSwap         TxType = "swap"
	TxTypeApprove      TxType = "approve"
	TxTypeFaucet       TxType = "faucet"
)

var ErrMalformed = errors.New("malformed transaction")

// SignedTransaction is the wire envelope for every state change. Exactly one
// payload matching Type is set. Nonce must exceed the signer's last nonce.
type SignedTransaction struct {
	Type         TxType               `json:"type"`
	Place        *PlacePayload        `json:"place,omitempty"`
	Cancel       *CancelPayload       `json:"cancel,omitempty"`
	Settle       *SettlePayload       `json:"settle,omitempty"`
	SettleBucket *SettleBucketPayload `json:"settle_bucket,omitempty"`
	Redeem       *RedeemPayload       `json:"redeem,omitempty"`
	Swap         *SwapPayload         `json:"swap,omitempty"`
	Approve      *ApprovePayload      `json:"approve,omitempty"`
	Faucet       *FaucetPayload       `json:"faucet,omitempty"`
	Nonce        uint64               `json:"nonce"`
	Signer       string               `json:"signer"`    // 0x address
	Signature    string               `json:"signature"` // 0x hex, 65 bytes
}

type PlacePayload struct {
	Market         string `json:"market"`
	OrderType      string `json:"order_type"` // STOP_LOSS, TAKE_PROFIT, BUY_STOP, BUY_LIMIT
	AmountIn       int64  `json:"amount_in"`
	TriggerLevel   int64  `json:"trigger_level"`
	PlacementLevel *int64 `json:"placement_level,omitempty"`
}

type CancelPayload struct {
	OrderID string `json:"order_id"`
}

type SettlePayload struct {
	OrderID string          `json:"order_id"`
	Settler string          `json:"settler"` // address of a registered settler
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SettleBucketPayload struct {
	Market     string          `json:"market"`
	Level      int64           `json:"level"`
	ZeroForOne bool            `json:"zero_for_one"`
	Settler    string          `json:"settler"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type RedeemPayload struct {
	TokenID     string `json:"token_id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination,omitempty"`
}

type SwapPayload struct {
	Market     string `json:"market"`
	ZeroForOne bool   `json:"zero_for_one"`
	AmountIn   int64  `json:"amount_in"`
	MinOut     int64  `json:"min_out"`
}

type ApprovePayload struct {
	Asset   string `json:"asset"`
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

// MaxFaucetAmount bounds a single faucet mint
const MaxFaucetAmount int64 = 1_000_000_000_000

type FaucetPayload struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// SignerAddress returns the claimed signer
func (tx *SignedTransaction) SignerAddress() common.Address {
	return common.HexToAddress(tx.Signer)
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &tx, nil
}

// ParseTransaction decodes and structurally validates a raw transaction
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Validate checks envelope structure. Amounts and state are checked on apply.
func (tx *SignedTransaction) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	if !common.IsHexAddress(tx.Signer) {
		return fmt.Errorf("%w: bad signer %q", ErrMalformed, tx.Signer)
	}
	if tx.Nonce == 0 {
		return fmt.Errorf("%w: nonce starts at 1", ErrMalformed)
	}

	var missing bool
	switch tx.Type {
	case TxTypePlace:
		missing = tx.Place == nil
		if !missing {
			if _, err := order.ParseType(tx.Place.OrderType); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
	case TxTypeCancel:
		missing = tx.Cancel == nil
	case TxTypeSettle:
		missing = tx.Settle == nil
	case TxTypeSettleBucket:
		missing = tx.SettleBucket == nil
	case TxTypeRedeem:
		missing = tx.Redeem == nil
	case TxTypeSwap:
		missing = tx.Swap == nil
	case TxTypeApprove:
		missing = tx.Approve == nil
	case TxTypeFaucet:
		missing = tx.Faucet == nil
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrMalformed, tx.Type)
	}
	if missing {
		return fmt.Errorf("%w: %s requires a %s payload", ErrMalformed, tx.Type, tx.Type)
	}
	return nil
}

// body returns the canonical JSON of the active payload
func (tx *SignedTransaction) body() (string, error) {
	var p any
	switch tx.Type {
	case TxTypeSettle:
		p = tx.Settle
	case TxTypeSettleBucket:
		p = tx.SettleBucket
	case TxTypeRedeem:
		p = tx.Redeem
	case TxTypeSwap:
		p = tx.Swap
	case TxTypeApprove:
		p = tx.Approve
	case TxTypeFaucet:
		p = tx.Faucet
	default:
		return "", fmt.Errorf("%w: no action body for %s", ErrMalformed, tx.Type)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Digest returns the EIP-712 digest the signer signs for this transaction
func (tx *SignedTransaction) Digest(e *crypto.EIP712Signer) ([]byte, error) {
	nonce := new(big.Int).SetUint64(tx.Nonce)
	signer := tx.SignerAddress()

	switch tx.Type {
	case TxTypePlace:
		typ, err := order.ParseType(tx.Place.OrderType)
		if err != nil {
			return nil, err
		}
		msg := &crypto.PlaceEIP712{
			Market:       tx.Place.Market,
			OrderType:    uint8(typ),
			AmountIn:     big.NewInt(tx.Place.AmountIn),
			TriggerLevel: big.NewInt(tx.Place.TriggerLevel),
			Nonce:        nonce,
			Owner:        signer,
		}
		if tx.Place.PlacementLevel != nil {
			msg.HasPlacement = true
			msg.PlacementLevel = big.NewInt(*tx.Place.PlacementLevel)
		}
		return e.HashPlace(msg)

	case TxTypeCancel:
		return e.HashCancel(&crypto.CancelEIP712{
			OrderID: tx.Cancel.OrderID,
			Nonce:   nonce,
			Owner:   signer,
		})

	default:
		body, err := tx.body()
		if err != nil {
			return nil, err
		}
		return e.HashAction(&crypto.ActionEIP712{
			Kind:   string(tx.Type),
			Body:   body,
			Nonce:  nonce,
			Signer: signer,
		})
	}
}

// Sign fills Signer, Nonce and Signature using key
func (tx *SignedTransaction) Sign(e *crypto.EIP712Signer, key *crypto.Signer, nonce uint64) error {
	tx.Signer = key.Address().Hex()
	tx.Nonce = nonce
	digest, err := tx.Digest(e)
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	sig, err := e.SignDigest(key, digest)
	if err != nil {
		return err
	}
	tx.Signature = crypto.EncodeSignature(sig)
	return nil
}
