package repo

import (
	"sort"
	"sync"
	"time"

	"escrowd/pkg/model"
)

// Memory is an in-memory repository with the same CAS semantics as MySQL.
// Used by tests and local development without a database.
type Memory struct {
	mu       sync.Mutex
	trades   map[string]model.Trade
	disputes []model.Dispute
	legs     map[string][]model.SettlementLeg

	nextDisputeID int64
	nextLegID     int64
}

func NewMemory() *Memory {
	return &Memory{
		trades: map[string]model.Trade{},
		legs:   map[string][]model.SettlementLeg{},
	}
}

func (r *Memory) Get(tradeID string) (t *model.Trade, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.trades[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := stored
	return &cp, nil
}

func (r *Memory) Create(t *model.Trade) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.CreatedAt = time.Now()
	r.trades[t.ID] = *t
	return nil
}

func (r *Memory) CompareAndUpdate(tradeID string, expectedStatus int8, mutate func(t *model.Trade) error) (t *model.Trade, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.trades[tradeID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.TradeStatus != expectedStatus {
		return nil, ErrConflict
	}

	cp := stored
	err = mutate(&cp)
	if err != nil {
		return nil, err
	}
	cp.StatusChangedAt = model.GormTime(time.Now())

	r.trades[tradeID] = cp
	return &cp, nil
}

func (r *Memory) CreateDispute(d *model.Dispute) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextDisputeID++
	d.ID = r.nextDisputeID
	d.CreatedAt = time.Now()
	r.disputes = append(r.disputes, *d)
	return nil
}

func (r *Memory) OpenDispute(tradeID string) (d *model.Dispute, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.disputes) - 1; i >= 0; i-- {
		if r.disputes[i].TradeID == tradeID && !r.disputes[i].Resolved {
			cp := r.disputes[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *Memory) SaveDispute(d *model.Dispute) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.disputes {
		if r.disputes[i].ID == d.ID {
			r.disputes[i] = *d
			return nil
		}
	}
	r.disputes = append(r.disputes, *d)
	return nil
}

func (r *Memory) Legs(tradeID string) (legs []model.SettlementLeg, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	legs = append(legs, r.legs[tradeID]...)
	sort.Slice(legs, func(i, j int) bool { return legs[i].Seq < legs[j].Seq })
	return
}

func (r *Memory) SaveLeg(leg *model.SettlementLeg) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.legs[leg.TradeID]
	for i := range stored {
		if stored[i].Seq == leg.Seq {
			leg.ID = stored[i].ID
			stored[i] = *leg
			return nil
		}
	}

	r.nextLegID++
	leg.ID = r.nextLegID
	r.legs[leg.TradeID] = append(stored, *leg)
	return nil
}

var _ Repo = (*Memory)(nil)
