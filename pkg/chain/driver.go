// Package chain defines the payout driver contract shared by all asset
// families, plus the failure taxonomy the dispatcher's retry policy keys on.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Failure taxonomy. InsufficientFunds and AddressInvalid are fatal and
// escalate to a human, the rest are retryable within RetryPolicy bounds.
var (
	ErrInsufficientFunds  = errors.New("insufficient escrow funds")
	ErrNetworkUnavailable = errors.New("chain network unavailable")
	ErrBroadcastRejected  = errors.New("broadcast rejected by network")
	ErrAddressInvalid     = errors.New("invalid destination address")
	ErrTimeout            = errors.New("chain call timed out")
)

// Retryable reports whether a driver failure may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrBroadcastRejected) ||
		errors.Is(err, ErrTimeout)
}

// Fatal reports whether a driver failure requires human escalation.
func Fatal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAddressInvalid)
}

// Output is one (destination, amount) pair of a transfer.
type Output struct {
	Dest   string
	Amount decimal.Decimal
}

// ConfState is the result of a confirmation poll.
type ConfState int8

const (
	ConfPending   ConfState = 0
	ConfConfirmed ConfState = 1
	ConfFailed    ConfState = 2
)

// Driver moves escrow funds on one chain/asset. Implementations never hold
// raw key material beyond a single call, credentials come from the secret
// store by handle.
type Driver interface {
	// Asset returns the asset code this driver serves, e.g. BTC, ETH, USDT.
	Asset() string

	// ValidateAddress is format-only, no network calls. Ambiguous input is
	// rejected.
	ValidateAddress(address string) bool

	// Atomic reports whether BuildAndBroadcast commits every output in one
	// chain transaction. Non-atomic drivers send one transaction per output
	// and may stop partway, so their callers must track per-output progress.
	Atomic() bool

	// SpendableBalance distinguishes a zero balance from a failed query, the
	// latter returns a retryable error.
	SpendableBalance(ctx context.Context, escrowHandle string) (decimal.Decimal, error)

	// EstimateFee is a conservative estimate of the network fee one settlement
	// transfer costs the escrow, in the asset's units. Zero when the escrow
	// balance is not reduced by fees (relay-funded token transfers).
	EstimateFee(ctx context.Context) (decimal.Decimal, error)

	// BuildAndBroadcast moves escrow funds to each output in order, deducting
	// the network fee per the driver's fee policy, and returns the chain
	// transaction id once accepted by the network (not finalized).
	//
	// UTXO family: a positive remainder after outputs+fee is added to the
	// LAST output rather than creating a change output, so no dust is left
	// in escrow.
	BuildAndBroadcast(ctx context.Context, escrowHandle string, outputs []Output) (txid string, err error)

	// AwaitConfirmation is a non-blocking status check, the caller polls.
	AwaitConfirmation(ctx context.Context, txid string, minConf int) (ConfState, error)
}
