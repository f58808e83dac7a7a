package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/triggerbook/pkg/crypto"
)

var ErrBadSignature = errors.New("bad signature")

// Verifier handles transaction signature verification
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Signer returns the EIP-712 signer bound to the verifier's domain
func (v *Verifier) Signer() *crypto.EIP712Signer {
	return v.eip712Signer
}

// Verify checks that tx was signed by its claimed signer and returns it
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	if err := tx.Validate(); err != nil {
		return common.Address{}, err
	}
	digest, err := tx.Digest(v.eip712Signer)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	sig, err := crypto.DecodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	claimed := tx.SignerAddress()
	ok, err := v.eip712Signer.VerifyDigest(digest, sig, claimed)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%w: not signed by %s", ErrBadSignature, claimed.Hex())
	}
	return claimed, nil
}
