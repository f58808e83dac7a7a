package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain returns the local development domain
func DefaultDomain() EIP712Domain {
	return DomainForChain(1337)
}

func DomainForChain(chainID int64) EIP712Domain {
	return EIP712Domain{
		Name:    "Triggerbook",
		Version: "1",
		ChainID: big.NewInt(chainID),
	}
}

// PlaceEIP712 is the typed message a wallet signs to place a conditional order
type PlaceEIP712 struct {
	Market         string
	OrderType      uint8 // 1=StopLoss 2=TakeProfit 3=BuyStop 4=BuyLimit
	AmountIn       *big.Int
	TriggerLevel   *big.Int
	HasPlacement   bool
	PlacementLevel *big.Int
	Nonce          *big.Int
	Owner          common.Address
}

// CancelEIP712 represents a cancel order request for EIP-712 signing
type CancelEIP712 struct {
	OrderID string // 0x-prefixed order id
	Nonce   *big.Int
	Owner   common.Address
}

// ActionEIP712 covers every other transaction kind. Body is the canonical
// JSON of the action payload, shown to the signer verbatim.
type ActionEIP712 struct {
	Kind   string
	Body   string
	Nonce  *big.Int
	Signer common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var placeType = []apitypes.Type{
	{Name: "market", Type: "string"},
	{Name: "orderType", Type: "uint8"},
	{Name: "amountIn", Type: "int256"},
	{Name: "triggerLevel", Type: "int256"},
	{Name: "hasPlacement", Type: "bool"},
	{Name: "placementLevel", Type: "int256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

var cancelType = []apitypes.Type{
	{Name: "orderId", Type: "string"},
	{Name: "nonce", Type: "uint256"},
	{Name: "owner", Type: "address"},
}

var actionType = []apitypes.Type{
	{Name: "kind", Type: "string"},
	{Name: "body", Type: "string"},
	{Name: "nonce", Type: "uint256"},
	{Name: "signer", Type: "address"},
}

// EIP712Signer hashes, signs and verifies typed transaction messages
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func (e *EIP712Signer) digest(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", primary, err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// HashPlace returns the digest a wallet signs for a placement
func (e *EIP712Signer) HashPlace(p *PlaceEIP712) ([]byte, error) {
	if p.AmountIn == nil || p.TriggerLevel == nil || p.Nonce == nil {
		return nil, fmt.Errorf("place message missing amount, trigger or nonce")
	}
	placement := p.PlacementLevel
	if placement == nil {
		placement = new(big.Int)
	}
	return e.digest("PlaceOrder", placeType, apitypes.TypedDataMessage{
		"market":         p.Market,
		"orderType":      fmt.Sprintf("%d", p.OrderType),
		"amountIn":       new(big.Int).Set(p.AmountIn),
		"triggerLevel":   new(big.Int).Set(p.TriggerLevel),
		"hasPlacement":   p.HasPlacement,
		"placementLevel": new(big.Int).Set(placement),
		"nonce":          p.Nonce.String(),
		"owner":          p.Owner.Hex(),
	})
}

// HashCancel hashes a cancel request according to EIP-712
func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	if c.Nonce == nil {
		return nil, fmt.Errorf("cancel message missing nonce")
	}
	return e.digest("CancelOrder", cancelType, apitypes.TypedDataMessage{
		"orderId": c.OrderID,
		"nonce":   c.Nonce.String(),
		"owner":   c.Owner.Hex(),
	})
}

func (e *EIP712Signer) HashAction(a *ActionEIP712) ([]byte, error) {
	if a.Nonce == nil {
		return nil, fmt.Errorf("action message missing nonce")
	}
	return e.digest("Action", actionType, apitypes.TypedDataMessage{
		"kind":   a.Kind,
		"body":   a.Body,
		"nonce":  a.Nonce.String(),
		"signer": a.Signer.Hex(),
	})
}

// SignDigest signs an already computed EIP-712 digest
func (e *EIP712Signer) SignDigest(signer *Signer, digest []byte) ([]byte, error) {
	signature, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return signature, nil
}

// VerifyDigest reports whether signature over digest was produced by want
func (e *EIP712Signer) VerifyDigest(digest, signature []byte, want common.Address) (bool, error) {
	got, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return got == want, nil
}
