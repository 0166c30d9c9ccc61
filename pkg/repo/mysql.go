package repo

import (
	"errors"
	"time"

	"escrowd/pkg/model"
	"escrowd/pkg/xlog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var logger = xlog.GetLogger()

// MySQL is the gorm-backed repository.
type MySQL struct {
	db *gorm.DB
}

func NewMySQL(db *gorm.DB) *MySQL {
	return &MySQL{db: db}
}

func (r *MySQL) Get(tradeID string) (t *model.Trade, err error) {
	t = &model.Trade{}
	err = r.db.Where("`id` = ?", tradeID).Limit(1).Find(t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, ErrNotFound
	}
	return
}

func (r *MySQL) Create(t *model.Trade) (err error) {
	defer func() {
		if err != nil {
			logger.Errorf("repo Create trade:%s failed with err:%s", t.ID, err)
		}
	}()

	return r.db.Create(t).Error
}

// CompareAndUpdate applies mutate to a fresh copy of the trade, then writes it
// back with `WHERE trade_status = expected`. Zero rows affected means another
// transition won the race, the caller re-reads and re-checks preconditions.
func (r *MySQL) CompareAndUpdate(tradeID string, expectedStatus int8, mutate func(t *model.Trade) error) (t *model.Trade, err error) {
	t, err = r.Get(tradeID)
	if err != nil {
		return nil, err
	}
	if t.TradeStatus != expectedStatus {
		return nil, ErrConflict
	}

	err = mutate(t)
	if err != nil {
		return nil, err
	}
	t.StatusChangedAt = model.GormTime(time.Now())

	res := r.db.Model(&model.Trade{}).
		Where("`id` = ? AND `trade_status` = ?", tradeID, expectedStatus).
		Select("*").Omit("id", "created_at").
		Updates(t)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}

	return
}

func (r *MySQL) CreateDispute(d *model.Dispute) (err error) {
	return r.db.Create(d).Error
}

// OpenDispute returns the unresolved dispute of a trade, ErrNotFound if none.
func (r *MySQL) OpenDispute(tradeID string) (d *model.Dispute, err error) {
	d = &model.Dispute{}
	err = r.db.Model(model.Dispute{}).
		Where("`trade_id` = ? AND `resolved` = 0", tradeID).
		Order("id desc").Limit(1).Find(d).Error
	if err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, ErrNotFound
	}
	return
}

func (r *MySQL) SaveDispute(d *model.Dispute) (err error) {
	return r.db.Save(d).Error
}

func (r *MySQL) Legs(tradeID string) (legs []model.SettlementLeg, err error) {
	err = r.db.Model(model.SettlementLeg{}).
		Where("`trade_id` = ?", tradeID).
		Order("seq asc").Find(&legs).Error
	return
}

// SaveLeg upserts a leg by (trade, seq). The insert happens before broadcast,
// updates record broadcast/confirm progress.
func (r *MySQL) SaveLeg(leg *model.SettlementLeg) (err error) {
	if leg.ID > 0 {
		return r.db.Save(leg).Error
	}

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}, {Name: "seq"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "tx_id", "dest", "amount"}),
	}).Create(leg).Error
}

var _ Repo = (*MySQL)(nil)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
