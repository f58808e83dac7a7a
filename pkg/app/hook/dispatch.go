package hook

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

var (
	ErrStaleNonce      = errors.New("nonce already used")
	ErrUnknownSettler  = errors.New("settler not registered")
	ErrFaucetDisabled  = errors.New("faucet disabled")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidIdentity = errors.New("invalid id")
)

// result codes; 0 is success and the order is part of the wire format
var codes = []string{
	"ok",
	"malformed",
	"bad_signature",
	"stale_nonce",
	"unknown_settler",
	"faucet_disabled",
	"invalid_amount",
	"unauthorized",
	"invalid_state",
	"not_found",
	"callback_failed",
	"transfer_failed",
	"unknown_market",
	"invalid_type",
	"escrow_violation",
	"nothing_to_settle",
	"no_settler",
	"nothing_claimable",
	"insufficient_balance",
	"insufficient_allowance",
	"reentrant",
	"slippage",
	"market_inactive",
	"no_liquidity",
	"internal",
}

var codeIndex = func() map[string]uint32 {
	m := make(map[string]uint32, len(codes))
	for i, c := range codes {
		m[c] = uint32(i)
	}
	return m
}()

// CodeName maps a numeric result code back to its name
func CodeName(code uint32) string {
	if int(code) < len(codes) {
		return codes[code]
	}
	return "internal"
}

func resultCode(err error) (uint32, string) {
	name := codeOf(err)
	return codeIndex[name], name
}

func codeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transaction.ErrMalformed), errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidIdentity):
		return "malformed"
	case errors.Is(err, transaction.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, ErrUnknownSettler):
		return "unknown_settler"
	case errors.Is(err, ErrFaucetDisabled):
		return "faucet_disabled"
	}
	if c := engine.Code(err); c != "internal" {
		return c
	}
	switch {
	case errors.Is(err, market.ErrSlippage):
		return "slippage"
	case errors.Is(err, market.ErrMarketInactive):
		return "market_inactive"
	case errors.Is(err, market.ErrNoLiquidity):
		return "no_liquidity"
	case errors.Is(err, market.ErrNotFound):
		return "unknown_market"
	}
	return "internal"
}

// applyTx verifies, consumes the nonce and executes one transaction.
// The returned kind labels metrics even when parsing fails.
func (a *App) applyTx(ctx context.Context, raw []byte) (string, error) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return "invalid", err
	}
	kind := string(tx.Type)
	signer, err := a.verifier.Verify(tx)
	if err != nil {
		return kind, err
	}
	if err := a.consumeNonce(ctx, signer, tx.Nonce); err != nil {
		return kind, err
	}
	return kind, a.dispatch(ctx, signer, tx)
}

// consumeNonce commits the nonce in its own ledger transaction, so a failed
// operation cannot be replayed.
func (a *App) consumeNonce(ctx context.Context, signer common.Address, nonce uint64) error {
	return a.ledger.Atomic(ctx, func(_ context.Context, tx *ledger.Tx) error {
		if last := tx.Nonce(signer); nonce <= last {
			return fmt.Errorf("%w: %d <= %d", ErrStaleNonce, nonce, last)
		}
		tx.SetNonce(signer, nonce)
		return nil
	})
}

func (a *App) dispatch(ctx context.Context, signer common.Address, tx *transaction.SignedTransaction) error {
	switch tx.Type {
	case transaction.TxTypePlace:
		p := tx.Place
		typ, err := order.ParseType(p.OrderType)
		if err != nil {
			return fmt.Errorf("%w: %w", engine.ErrInvalidType, err)
		}
		_, err = a.engine.Place(ctx, engine.PlaceRequest{
			Owner:          signer,
			Market:         p.Market,
			Type:           typ,
			AmountIn:       p.AmountIn,
			TriggerLevel:   p.TriggerLevel,
			PlacementLevel: p.PlacementLevel,
			Timestamp:      a.clock.Now().Unix(),
		})
		return err

	case transaction.TxTypeCancel:
		id, err := parseHash(tx.Cancel.OrderID)
		if err != nil {
			return err
		}
		return a.engine.Cancel(ctx, id, signer)

	case transaction.TxTypeSettle:
		p := tx.Settle
		id, err := parseHash(p.OrderID)
		if err != nil {
			return err
		}
		s, err := a.lookupSettler(p.Settler)
		if err != nil {
			return err
		}
		_, err = a.engine.Settle(ctx, engine.SettleRequest{
			OrderID: id,
			Caller:  signer,
			Settler: s,
			Payload: p.Payload,
		})
		return err

	case transaction.TxTypeSettleBucket:
		p := tx.SettleBucket
		s, err := a.lookupSettler(p.Settler)
		if err != nil {
			return err
		}
		_, err = a.engine.SettleBucket(ctx, engine.BucketSettleRequest{
			Market:     p.Market,
			Level:      p.Level,
			ZeroForOne: p.ZeroForOne,
			Caller:     signer,
			Settler:    s,
			Payload:    p.Payload,
		})
		return err

	case transaction.TxTypeRedeem:
		p := tx.Redeem
		id, err := parseHash(p.TokenID)
		if err != nil {
			return err
		}
		var dest common.Address
		if p.Destination != "" {
			if dest, err = parseAddress(p.Destination); err != nil {
				return err
			}
		}
		_, err = a.engine.Redeem(ctx, engine.RedeemRequest{
			TokenID:     id,
			Amount:      p.Amount,
			Destination: dest,
			Caller:      signer,
		})
		return err

	case transaction.TxTypeSwap:
		p := tx.Swap
		_, err := a.pools.Swap(ctx, market.SwapRequest{
			Market:     p.Market,
			Trader:     signer,
			ZeroForOne: p.ZeroForOne,
			AmountIn:   p.AmountIn,
			MinOut:     p.MinOut,
		})
		return err

	case transaction.TxTypeApprove:
		p := tx.Approve
		asset, err := parseAddress(p.Asset)
		if err != nil {
			return err
		}
		spender, err := parseAddress(p.Spender)
		if err != nil {
			return err
		}
		return a.ledger.Atomic(ctx, func(_ context.Context, ltx *ledger.Tx) error {
			return ltx.Approve(asset, signer, spender, p.Amount)
		})

	case transaction.TxTypeFaucet:
		if !a.cfg.Faucet {
			return ErrFaucetDisabled
		}
		p := tx.Faucet
		if p.Amount > transaction.MaxFaucetAmount {
			return fmt.Errorf("%w: faucet amount %d above %d", ledger.ErrInvalidAmount, p.Amount, transaction.MaxFaucetAmount)
		}
		asset, err := parseAddress(p.Asset)
		if err != nil {
			return err
		}
		return a.ledger.Atomic(ctx, func(_ context.Context, ltx *ledger.Tx) error {
			return ltx.Mint(asset, signer, p.Amount)
		})
	}
	return fmt.Errorf("%w: unhandled type %s", transaction.ErrMalformed, tx.Type)
}

func (a *App) lookupSettler(s string) (engine.Settler, error) {
	addr, err := parseAddress(s)
	if err != nil {
		return nil, err
	}
	settler, ok := a.settler(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettler, addr.Hex())
	}
	return settler, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return common.BytesToHash(b), nil
}
