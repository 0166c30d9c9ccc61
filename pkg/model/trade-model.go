package model

import (
	"github.com/shopspring/decimal"
)

// Trade model, the single source of truth for a trade's lifecycle.
// One row per trade, never deleted; terminal rows are kept for audit.
type Trade struct {
	ID string `json:"id" gorm:"omitempty; primaryKey; type:varchar(36);"`

	Seller int64 `json:"seller" gorm:"omitempty; not null; default:0; index;"`
	Buyer  int64 `json:"buyer" gorm:"omitempty; not null; default:0; index;"` // 0 until joined, immutable after

	Kind   int8            `json:"kind" gorm:"omitempty; not null; default:0; type:tinyint(1);"` // 1 crypto-crypto, 2 crypto-fiat
	Asset  string          `json:"asset" gorm:"omitempty; not null; default:''; type:varchar(8); index;"`
	Amount decimal.Decimal `json:"amount" gorm:"omitempty; not null; default:0; type:decimal(36,18);"` // principal
	Terms  string          `json:"terms" gorm:"omitempty; not null; default:''; type:varchar(1024);"`

	Broker        int64   `json:"broker" gorm:"omitempty; not null; default:0;"`
	BrokerFeeRate float64 `json:"brokerFeeRate" gorm:"omitempty; not null; default:0;"`
	BrokerWallet  string  `json:"brokerWallet" gorm:"omitempty; not null; default:''; type:varchar(128);"`

	TradeStatus int8 `json:"tradeStatus" gorm:"omitempty; not null; default:0; type:tinyint; index;"`
	PrevStatus  int8 `json:"prevStatus" gorm:"omitempty; not null; default:0; type:tinyint;"` // status before entering Disputed

	CryptoDeposited bool `json:"cryptoDeposited" gorm:"omitempty; not null; type:tinyint(1); default:0;"`
	FiatPaid        bool `json:"fiatPaid" gorm:"omitempty; not null; type:tinyint(1); default:0;"`
	FiatApproved    bool `json:"fiatApproved" gorm:"omitempty; not null; type:tinyint(1); default:0;"`
	IsActive        bool `json:"isActive" gorm:"omitempty; not null; type:tinyint(1); default:1;"`

	EscrowWallet  string `json:"escrowWallet" gorm:"omitempty; not null; default:''; type:varchar(128);"`  // secret store handle, set once
	BuyerAddress  string `json:"buyerAddress" gorm:"omitempty; not null; default:''; type:varchar(128);"`  // payout address, set once
	SellerAddress string `json:"sellerAddress" gorm:"omitempty; not null; default:''; type:varchar(128);"` // refund address

	ProofFile string `json:"proofFile" gorm:"omitempty; not null; default:''; type:varchar(256);"` // payment proof file handle
	ProofFrom int64  `json:"proofFrom" gorm:"omitempty; not null; default:0;"`                     // proof submitter

	InvoiceID string `json:"invoiceID" gorm:"omitempty; not null; default:''; type:varchar(128);"` // fiat rail invoice

	StatusChangedAt GormTime `json:"statusChangedAt" gorm:"omitempty;"`

	Model
}

const (
	TradeStatusPending         int8 = 0  // created, awaiting deposit
	TradeStatusDeposited       int8 = 10 // seller funded escrow
	TradeStatusBuyerJoined     int8 = 20 // buyer attached
	TradeStatusFiatPaid        int8 = 30 // buyer asserts fiat sent (crypto-fiat)
	TradeStatusProofSubmitted  int8 = 31 // payment proof attached
	TradeStatusAwaitingAddress int8 = 32 // seller approved, waiting for payout address
	TradeStatusDisputed        int8 = 50 // admin intervention requested
	TradeStatusCompleted       int8 = 60 // payout dispatched, terminal
	TradeStatusClosed          int8 = 61 // abandoned or resolved without payout, terminal

	TradeKindCryptoToCrypto int8 = 1
	TradeKindCryptoToFiat   int8 = 2
)

var tradeStatusNames = map[int8]string{
	TradeStatusPending:         "pending",
	TradeStatusDeposited:       "deposited",
	TradeStatusBuyerJoined:     "buyer_joined",
	TradeStatusFiatPaid:        "fiat_paid",
	TradeStatusProofSubmitted:  "payment_proof_submitted",
	TradeStatusAwaitingAddress: "awaiting_buyer_address",
	TradeStatusDisputed:        "disputed",
	TradeStatusCompleted:       "completed",
	TradeStatusClosed:          "closed",
}

// TradeStatusName returns the wire name of a status, for logs and notifications.
func TradeStatusName(s int8) string {
	name, ok := tradeStatusNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// Terminal reports whether no further transitions are permitted.
func (t *Trade) Terminal() bool {
	return t.TradeStatus == TradeStatusCompleted || t.TradeStatus == TradeStatusClosed
}
