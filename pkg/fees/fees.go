// Package fees computes the settlement split of a trade's principal.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrBadInput = errors.New("negative principal or fee rate")

// Split is the result of Compute. Net is always exactly
// principal - platform - broker, no independent recomputation.
type Split struct {
	Platform decimal.Decimal
	Broker   decimal.Decimal
	Net      decimal.Decimal
}

// Compute splits principal into platform fee, broker fee and net amount.
// Fees are truncated toward zero at the asset's precision so a payout is
// never under-funded by rounding. If the fees together would exceed the
// principal, the platform fee is reduced first, never below zero.
func Compute(principal decimal.Decimal, platformRate, brokerRate float64, precision int32) (s Split, err error) {
	if principal.IsNegative() || platformRate < 0 || brokerRate < 0 {
		return s, ErrBadInput
	}

	platform := principal.Mul(decimal.NewFromFloat(platformRate)).Truncate(precision)

	broker := decimal.Zero
	if brokerRate > 0 {
		broker = principal.Mul(decimal.NewFromFloat(brokerRate)).Truncate(precision)
	}

	if broker.GreaterThan(principal) {
		broker = principal
	}
	if platform.Add(broker).GreaterThan(principal) {
		platform = principal.Sub(broker)
	}

	s = Split{
		Platform: platform,
		Broker:   broker,
		Net:      principal.Sub(platform).Sub(broker),
	}
	return
}
