package model

// TradeLog model, one row per applied state machine transition, written by the
// journal follower in batches. Partitioned per asset, see TradeLogTable.
type TradeLog struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	LogID    int64 `json:"logID" gorm:"omitempty; not null; default:0; uniqueindex:idx_tl_log_id;"`
	LogOffset int64 `json:"logOffset" gorm:"omitempty; not null; default:0;"` // Position in the journal file

	TradeID    string `json:"tradeID" gorm:"omitempty; not null; default:''; type:varchar(36); index;"`
	Actor      int64  `json:"actor" gorm:"omitempty; not null; default:0;"`
	FromStatus int8   `json:"fromStatus" gorm:"omitempty; not null; default:0; type:tinyint;"`
	ToStatus   int8   `json:"toStatus" gorm:"omitempty; not null; default:0; type:tinyint;"`
	Op         string `json:"op" gorm:"omitempty; not null; default:''; type:varchar(32);"`
	Time       int64  `json:"time" gorm:"omitempty; not null; default:0;"` // transition time, nanoseconds

	Model
}
