package settle_test

import (
	"context"
	"testing"
	"time"

	"escrowd/pkg/chain"
	"escrowd/pkg/model"
	"escrowd/pkg/repo"
	"escrowd/pkg/settle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	asset     string
	balance   decimal.Decimal
	fee       decimal.Decimal
	errs      []error
	perOutput bool

	calls   int
	outputs [][]chain.Output
}

func (d *fakeDriver) Asset() string                 { return d.asset }
func (d *fakeDriver) ValidateAddress(a string) bool { return a != "" }
func (d *fakeDriver) Atomic() bool                  { return !d.perOutput }

func (d *fakeDriver) SpendableBalance(ctx context.Context, escrowHandle string) (decimal.Decimal, error) {
	return d.balance, nil
}

func (d *fakeDriver) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return d.fee, nil
}

func (d *fakeDriver) BuildAndBroadcast(ctx context.Context, escrowHandle string, outputs []chain.Output) (string, error) {
	d.calls++
	d.outputs = append(d.outputs, outputs)

	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return "", err
		}
	}

	for _, o := range outputs {
		d.balance = d.balance.Sub(o.Amount)
	}
	return "0xtxid", nil
}

func (d *fakeDriver) AwaitConfirmation(ctx context.Context, txid string, minConf int) (chain.ConfState, error) {
	return chain.ConfPending, nil
}

func newDispatcher(t *testing.T, driver *fakeDriver) (*settle.Dispatcher, *repo.Memory) {
	t.Helper()

	r := repo.NewMemory()
	registry := chain.NewRegistry()
	registry.Register(driver)

	d := settle.New(r, registry, 0.02)
	d.Retry = chain.RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	d.FeeWallets[driver.asset] = "0xfee"
	d.Precisions[driver.asset] = 8
	return d, r
}

func newTrade(t *testing.T, r *repo.Memory, amount int64, brokerRate float64, brokerWallet string) *model.Trade {
	t.Helper()

	tr := &model.Trade{
		ID:              uuid.New().String(),
		Seller:          1,
		Buyer:           2,
		Kind:            model.TradeKindCryptoToFiat,
		Asset:           "ETH",
		Amount:          decimal.NewFromInt(amount),
		BrokerFeeRate:   brokerRate,
		BrokerWallet:    brokerWallet,
		TradeStatus:     model.TradeStatusAwaitingAddress,
		CryptoDeposited: true,
		IsActive:        true,
		EscrowWallet:    "escrow-1",
		BuyerAddress:    "0xbuyer",
		SellerAddress:   "0xseller",
	}
	require.Nil(t, r.Create(tr))
	return tr
}

func TestDispatchSplitsWithBroker(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(500)}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 500, 0.01, "0xbroker")

	out, ns, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)
	require.False(t, out.IsActive)

	// 500 at 2% platform + 1% broker: 10 + 5 + 485
	require.Equal(t, 1, driver.calls)
	outs := driver.outputs[0]
	require.Len(t, outs, 3)
	require.Equal(t, "0xfee", outs[0].Dest)
	require.True(t, outs[0].Amount.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "0xbroker", outs[1].Dest)
	require.True(t, outs[1].Amount.Equal(decimal.NewFromInt(5)))
	require.Equal(t, "0xbuyer", outs[2].Dest)
	require.True(t, outs[2].Amount.Equal(decimal.NewFromInt(485)))

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	require.Len(t, legs, 3)
	require.Equal(t, model.LegKindPlatformFee, legs[0].Kind)
	require.Equal(t, model.LegKindBrokerFee, legs[1].Kind)
	require.Equal(t, model.LegKindRecipient, legs[2].Kind)
	for _, leg := range legs {
		require.Equal(t, model.LegStateBroadcast, leg.State)
		require.Equal(t, "0xtxid", leg.TxID)
	}

	require.Len(t, ns, 2)
}

func TestDispatchZeroFeeSkipsFeeLeg(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(100)}
	d, r := newDispatcher(t, driver)
	d.PlatformRate = 0
	tr := newTrade(t, r, 100, 0, "")

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	require.Len(t, legs, 1)
	require.Equal(t, model.LegKindRecipient, legs[0].Kind)
	require.True(t, legs[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestDispatchRetriesNetworkErrors(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(100)}
	driver.errs = []error{chain.ErrNetworkUnavailable, chain.ErrTimeout}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")

	out, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)
	require.Equal(t, 3, driver.calls)
}

func TestDispatchStallsAfterRetriesExhausted(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(100)}
	driver.errs = []error{chain.ErrNetworkUnavailable, chain.ErrNetworkUnavailable, chain.ErrNetworkUnavailable}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.ErrorIs(t, err, chain.ErrNetworkUnavailable)
	require.Equal(t, 3, driver.calls)

	// the trade is not terminal, the plan stays attempted for a later run
	got, err := r.Get(tr.ID)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusAwaitingAddress, got.TradeStatus)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	for _, leg := range legs {
		require.Equal(t, model.LegStateAttempted, leg.State)
	}

	// network recovers, the same plan is re-run, nothing is planned twice
	out, _, err := d.Dispatch(context.Background(), got, settle.PlanSettle, got.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)
	require.Equal(t, 4, driver.calls)

	legs, err = r.Legs(tr.ID)
	require.Nil(t, err)
	require.Len(t, legs, 2)
}

func TestDispatchResumesAfterCrash(t *testing.T) {
	// crash scenario: legs were marked attempted, the broadcast landed, the
	// process died before recording the result. Escrow is empty now.
	driver := &fakeDriver{asset: "ETH", balance: decimal.Zero}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")

	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 0, Kind: model.LegKindPlatformFee,
		Dest: "0xfee", Amount: decimal.NewFromInt(2), State: model.LegStateAttempted,
	}))
	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 1, Kind: model.LegKindRecipient,
		Dest: "0xbuyer", Amount: decimal.NewFromInt(98), State: model.LegStateAttempted,
	}))

	out, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)

	// no second broadcast happened
	require.Equal(t, 0, driver.calls)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	for _, leg := range legs {
		require.Equal(t, model.LegStateBroadcast, leg.State)
	}
}

func TestDispatchPerOutputRetryDoesNotResend(t *testing.T) {
	// per-output driver: the fee send lands, the recipient send hits the
	// network; the retry must redo only the recipient leg
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(500), perOutput: true}
	driver.errs = []error{nil, chain.ErrNetworkUnavailable, nil}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 500, 0, "")

	out, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)

	// fee ok, recipient fails once, recipient ok
	require.Equal(t, 3, driver.calls)
	feeSends := 0
	for _, outs := range driver.outputs {
		require.Len(t, outs, 1)
		if outs[0].Dest == "0xfee" {
			feeSends++
			require.True(t, outs[0].Amount.Equal(decimal.NewFromInt(10)))
		}
	}
	require.Equal(t, 1, feeSends)
}

func TestDispatchPerOutputResumesMidPlan(t *testing.T) {
	// crash between legs: the fee send landed but was never recorded, the
	// recipient leg was not started. Escrow still holds the principal.
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(490), perOutput: true}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 500, 0, "")

	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 0, Kind: model.LegKindPlatformFee,
		Dest: "0xfee", Amount: decimal.NewFromInt(10), State: model.LegStateAttempted,
	}))
	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 1, Kind: model.LegKindRecipient,
		Dest: "0xbuyer", Amount: decimal.NewFromInt(490), State: model.LegStatePlanned,
	}))

	out, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)

	// the fee attempt is resolved from the balance, only the recipient is sent
	require.Equal(t, 1, driver.calls)
	require.Len(t, driver.outputs[0], 1)
	require.Equal(t, "0xbuyer", driver.outputs[0][0].Dest)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	require.Len(t, legs, 2)
	for _, leg := range legs {
		require.Equal(t, model.LegStateBroadcast, leg.State)
	}
}

func TestDispatchPerOutputRebroadcastsUnlandedAttempt(t *testing.T) {
	// crash before the fee send went out: the marker is set but the escrow
	// still holds everything, so the fee leg is safe to redo
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(500), perOutput: true}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 500, 0, "")

	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 0, Kind: model.LegKindPlatformFee,
		Dest: "0xfee", Amount: decimal.NewFromInt(10), State: model.LegStateAttempted,
	}))
	require.Nil(t, r.SaveLeg(&model.SettlementLeg{
		TradeID: tr.ID, Seq: 1, Kind: model.LegKindRecipient,
		Dest: "0xbuyer", Amount: decimal.NewFromInt(490), State: model.LegStatePlanned,
	}))

	out, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusCompleted, out.TradeStatus)

	require.Equal(t, 2, driver.calls)
	require.Equal(t, "0xfee", driver.outputs[0][0].Dest)
	require.Equal(t, "0xbuyer", driver.outputs[1][0].Dest)
}

func TestDispatchRequiresConfirmedDeposit(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(100)}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")
	tr.CryptoDeposited = false
	require.Nil(t, r.Create(tr))

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.ErrorIs(t, err, settle.ErrNotDeposited)
	require.Equal(t, 0, driver.calls)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	require.Empty(t, legs)
}

func TestDispatchFatalMarksLegsFailed(t *testing.T) {
	driver := &fakeDriver{asset: "ETH", balance: decimal.NewFromInt(1)}
	driver.errs = []error{chain.ErrInsufficientFunds}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	require.True(t, chain.Fatal(err))
	require.Equal(t, 1, driver.calls)

	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	for _, leg := range legs {
		require.Equal(t, model.LegStateFailed, leg.State)
	}

	got, err := r.Get(tr.ID)
	require.Nil(t, err)
	require.False(t, got.Terminal())
}

func TestDispatchRefund(t *testing.T) {
	driver := &fakeDriver{
		asset:   "ETH",
		balance: decimal.NewFromInt(100),
		fee:     decimal.NewFromInt(1),
	}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0.01, "0xbroker")
	tr.TradeStatus = model.TradeStatusDisputed
	require.Nil(t, r.Create(tr)) // overwrite with disputed status

	out, ns, err := d.Dispatch(context.Background(), tr, settle.PlanRefund, tr.SellerAddress)
	require.Nil(t, err)
	require.Equal(t, model.TradeStatusClosed, out.TradeStatus)

	// escrow balance minus network fee back, no platform or broker legs
	legs, err := r.Legs(tr.ID)
	require.Nil(t, err)
	require.Len(t, legs, 1)
	require.Equal(t, "0xseller", legs[0].Dest)
	require.True(t, legs[0].Amount.Equal(decimal.NewFromInt(99)))

	require.Len(t, ns, 2)
	require.EqualValues(t, 1, ns[0].Recipient)
	require.Equal(t, "trade.funds_received", ns[0].MessageKey)
}

func TestDispatchRejectsEmptyDest(t *testing.T) {
	driver := &fakeDriver{asset: "ETH"}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, "")
	require.ErrorIs(t, err, settle.ErrNoDest)
	require.Equal(t, 0, driver.calls)
}

func TestDispatchRejectsTerminalTrade(t *testing.T) {
	driver := &fakeDriver{asset: "ETH"}
	d, r := newDispatcher(t, driver)
	tr := newTrade(t, r, 100, 0, "")
	tr.TradeStatus = model.TradeStatusCompleted
	require.Nil(t, r.Create(tr))

	_, _, err := d.Dispatch(context.Background(), tr, settle.PlanSettle, tr.BuyerAddress)
	require.ErrorIs(t, err, settle.ErrBadState)
}
