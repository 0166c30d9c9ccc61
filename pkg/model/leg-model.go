package model

import (
	"github.com/shopspring/decimal"
)

// SettlementLeg model, one on-chain transfer within a settlement plan.
// A row is written before the leg is broadcast so a restart can tell which
// legs may already be on-chain.
type SettlementLeg struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	TradeID string `json:"tradeID" gorm:"omitempty; not null; default:''; type:varchar(36); uniqueindex:idx_l_trade_seq;"`
	Seq     int    `json:"seq" gorm:"omitempty; not null; default:0; uniqueindex:idx_l_trade_seq;"` // execution order

	Kind   int8            `json:"kind" gorm:"omitempty; not null; default:0; type:tinyint(1);"`
	Dest   string          `json:"dest" gorm:"omitempty; not null; default:''; type:varchar(128);"`
	Amount decimal.Decimal `json:"amount" gorm:"omitempty; not null; default:0; type:decimal(36,18);"`

	State int8   `json:"state" gorm:"omitempty; not null; default:0; type:tinyint(1);"`
	TxID  string `json:"txID" gorm:"omitempty; not null; default:''; type:varchar(128);"`

	Model
}

const (
	LegKindPlatformFee int8 = 1
	LegKindBrokerFee   int8 = 2
	LegKindRecipient   int8 = 3
	LegKindReclaim     int8 = 4 // best-effort leftover sweep, failure never fails the settlement

	LegStatePlanned   int8 = 0
	LegStateAttempted int8 = 1 // marker written, broadcast may or may not have landed
	LegStateBroadcast int8 = 2 // accepted by the network, txid recorded
	LegStateConfirmed int8 = 3
	LegStateFailed    int8 = 4
)

var legKindNames = map[int8]string{
	LegKindPlatformFee: "platform_fee",
	LegKindBrokerFee:   "broker_fee",
	LegKindRecipient:   "recipient",
	LegKindReclaim:     "reclaim",
}

func LegKindName(k int8) string {
	name, ok := legKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}
