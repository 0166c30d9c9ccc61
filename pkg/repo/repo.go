// Package repo is the trade repository, the sole writer of trade state.
// CompareAndUpdate is the concurrency primitive: every transition conditions
// on the status it read, so two racing transitions cannot both apply.
package repo

import (
	"errors"

	"escrowd/pkg/model"
)

var (
	ErrNotFound = errors.New("trade not found")
	ErrConflict = errors.New("trade status changed underneath, retry")
)

type Repo interface {
	Get(tradeID string) (t *model.Trade, err error)
	Create(t *model.Trade) (err error)

	// CompareAndUpdate re-reads the trade, verifies its status still equals
	// expectedStatus, applies mutate and persists the result only if the
	// stored status is still expectedStatus. Returns ErrConflict otherwise.
	CompareAndUpdate(tradeID string, expectedStatus int8, mutate func(t *model.Trade) error) (t *model.Trade, err error)

	CreateDispute(d *model.Dispute) (err error)
	OpenDispute(tradeID string) (d *model.Dispute, err error)
	SaveDispute(d *model.Dispute) (err error)

	Legs(tradeID string) (legs []model.SettlementLeg, err error)
	SaveLeg(leg *model.SettlementLeg) (err error)
}
