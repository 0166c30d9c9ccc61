package model

// Dispute model, at most one unresolved dispute per trade
type Dispute struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	TradeID   string `json:"tradeID" gorm:"omitempty; not null; default:''; type:varchar(36); index;"`
	Raiser    int64  `json:"raiser" gorm:"omitempty; not null; default:0;"` // 0 means raised by the system
	Complaint string `json:"complaint" gorm:"omitempty; not null; default:''; type:varchar(2048);"`
	Resolved  bool   `json:"resolved" gorm:"omitempty; not null; type:tinyint(1); default:0;"`
	Verdict   int8   `json:"verdict" gorm:"omitempty; not null; default:0; type:tinyint(1);"`

	Model
}

const (
	VerdictNone           int8 = 0
	VerdictReleaseToBuyer int8 = 1
	VerdictRefundToSeller int8 = 2
	VerdictCloseNoPayout  int8 = 3
)
