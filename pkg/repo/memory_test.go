package repo_test

import (
	"testing"

	"escrowd/pkg/model"
	"escrowd/pkg/repo"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTrade(id string) *model.Trade {
	return &model.Trade{
		ID:          id,
		Seller:      1,
		Asset:       "BTC",
		Amount:      decimal.NewFromInt(10),
		TradeStatus: model.TradeStatusPending,
		IsActive:    true,
	}
}

func TestCompareAndUpdate(t *testing.T) {
	r := repo.NewMemory()
	require.Nil(t, r.Create(newTrade("t1")))

	out, err := r.CompareAndUpdate("t1", model.TradeStatusPending, func(tr *model.Trade) error {
		tr.TradeStatus = model.TradeStatusDeposited
		tr.CryptoDeposited = true
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusDeposited, out.TradeStatus)

	// the guard status is stale now
	_, err = r.CompareAndUpdate("t1", model.TradeStatusPending, func(tr *model.Trade) error {
		tr.TradeStatus = model.TradeStatusDeposited
		return nil
	})
	require.ErrorIs(t, err, repo.ErrConflict)

	_, err = r.CompareAndUpdate("missing", model.TradeStatusPending, func(tr *model.Trade) error {
		return nil
	})
	require.True(t, repo.IsNotFound(err))
}

func TestMutateErrorLeavesTradeUntouched(t *testing.T) {
	r := repo.NewMemory()
	require.Nil(t, r.Create(newTrade("t1")))

	wantErr := repo.ErrConflict
	_, err := r.CompareAndUpdate("t1", model.TradeStatusPending, func(tr *model.Trade) error {
		tr.TradeStatus = model.TradeStatusCompleted
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	got, err := r.Get("t1")
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusPending, got.TradeStatus)
}

func TestGetReturnsCopy(t *testing.T) {
	r := repo.NewMemory()
	require.Nil(t, r.Create(newTrade("t1")))

	a, err := r.Get("t1")
	require.Nil(t, err)
	a.TradeStatus = model.TradeStatusCompleted

	b, err := r.Get("t1")
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusPending, b.TradeStatus)
}

func TestLegsUpsertBySeq(t *testing.T) {
	r := repo.NewMemory()

	leg := &model.SettlementLeg{TradeID: "t1", Seq: 0, Kind: model.LegKindRecipient, State: model.LegStatePlanned}
	require.Nil(t, r.SaveLeg(leg))
	require.Nil(t, r.SaveLeg(&model.SettlementLeg{TradeID: "t1", Seq: 1, Kind: model.LegKindReclaim}))

	leg.State = model.LegStateBroadcast
	leg.TxID = "abc"
	require.Nil(t, r.SaveLeg(leg))

	legs, err := r.Legs("t1")
	require.Nil(t, err)
	require.Len(t, legs, 2)
	require.Equal(t, model.LegStateBroadcast, legs[0].State)
	require.Equal(t, "abc", legs[0].TxID)

	legs, err = r.Legs("other")
	require.Nil(t, err)
	require.Empty(t, legs)
}

func TestDisputeLifecycle(t *testing.T) {
	r := repo.NewMemory()

	require.Nil(t, r.CreateDispute(&model.Dispute{TradeID: "t1", Raiser: 2, Complaint: "no show"}))

	d, err := r.OpenDispute("t1")
	require.Nil(t, err)
	require.EqualValues(t, 2, d.Raiser)

	d.Resolved = true
	d.Verdict = model.VerdictCloseNoPayout
	require.Nil(t, r.SaveDispute(d))

	_, err = r.OpenDispute("t1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}
