package engine

import (
	"errors"

	"github.com/uhyunpark/triggerbook/pkg/app/core/claim"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrUnauthorized    = errors.New("caller is not the order owner")
	ErrInvalidState    = errors.New("order is not open")
	ErrNotFound        = errors.New("order not found")
	ErrCallbackFailed  = errors.New("settlement callback failed")
	ErrTransferFailed  = errors.New("asset transfer failed")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrInvalidType     = errors.New("invalid order type")
	ErrEscrowViolation = errors.New("settlement left engine under-collateralized")
	ErrNothingToSettle = errors.New("no open triggered orders in bucket")
	ErrNoSettler       = errors.New("settler required")

	// claim pool
	ErrNothingClaimable    = claim.ErrNothingClaimable
	ErrInsufficientBalance = claim.ErrInsufficientBalance

	ErrReentrant = ledger.ErrReentrant
)

// Code returns a short stable identifier for an engine error, used in
// transaction results and API responses. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCallbackFailed):
		return "callback_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return "invalid_amount"
	case errors.Is(err, ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, ErrInvalidType):
		return "invalid_type"
	case errors.Is(err, ErrEscrowViolation):
		return "escrow_violation"
	case errors.Is(err, ErrNothingToSettle):
		return "nothing_to_settle"
	case errors.Is(err, ErrNoSettler):
		return "no_settler"
	case errors.Is(err, ErrNothingClaimable):
		return "nothing_claimable"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	default:
		return "internal"
	}
}
