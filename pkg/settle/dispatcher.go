// Package settle executes settlement plans. A plan is a short ordered list
// of legs persisted before any broadcast, so a crashed dispatch can be
// resumed without paying anyone twice.
package settle

import (
	"context"
	"errors"
	"fmt"

	"escrowd/pkg/chain"
	"escrowd/pkg/fees"
	"escrowd/pkg/model"
	"escrowd/pkg/repo"
	"escrowd/pkg/xlog"
	"escrowd/pkg/xnats"

	"github.com/shopspring/decimal"
)

var logger = xlog.GetLogger()

var (
	ErrNoDest       = errors.New("settlement destination address is empty")
	ErrBadState     = errors.New("trade not in a dispatchable status")
	ErrNotDeposited = errors.New("escrow deposit not confirmed")
)

// PlanKind selects what the plan pays out.
type PlanKind int8

const (
	// PlanSettle pays platform fee, broker fee and net principal to the buyer.
	PlanSettle PlanKind = 1
	// PlanRefund returns the escrow balance minus the network fee to the
	// seller, no platform or broker fees charged.
	PlanRefund PlanKind = 2
)

// reclaimer is implemented by drivers that can sweep leftover escrow dust to
// a hot wallet. Purely best effort.
type reclaimer interface {
	Reclaim(ctx context.Context, escrowHandle string) (txid string, err error)
}

// Dispatcher turns a trade into on-chain transfers.
type Dispatcher struct {
	Name string

	Repo    repo.Repo
	Drivers *chain.Registry
	Retry   chain.RetryPolicy

	PlatformRate float64
	FeeWallets   map[string]string // asset -> platform fee wallet
	Precisions   map[string]int32  // asset -> decimal places for fee truncation
	MinConfs     map[string]int
}

// New returns a Dispatcher with the default retry policy.
func New(r repo.Repo, drivers *chain.Registry, platformRate float64) *Dispatcher {
	return &Dispatcher{
		Name:         "Settle",
		Repo:         r,
		Drivers:      drivers,
		Retry:        chain.DefaultRetryPolicy(),
		PlatformRate: platformRate,
		FeeWallets:   map[string]string{},
		Precisions:   map[string]int32{},
		MinConfs:     map[string]int{},
	}
}

// Dispatch plans (or resumes) the trade's settlement, broadcasts it, and on
// acceptance moves the trade to its terminal status. Retryable chain errors
// are retried within Retry bounds and then returned to the caller with the
// plan intact, so a later Dispatch picks up where this one stopped.
func (d *Dispatcher) Dispatch(ctx context.Context, t *model.Trade, kind PlanKind, dest string) (out *model.Trade, ns []xnats.Notification, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("Dispatch trade:%s kind:%d failed with err:%s", t.ID, kind, err)
		} else {
			logger.Infof("Dispatch trade:%s kind:%d done, status:%s", t.ID, kind, model.TradeStatusName(out.TradeStatus))
		}
	}()

	if dest == "" {
		return nil, nil, ErrNoDest
	}
	if t.Terminal() {
		return nil, nil, ErrBadState
	}
	if !t.CryptoDeposited {
		return nil, nil, ErrNotDeposited
	}

	driver, err := d.Drivers.Get(t.Asset)
	if err != nil {
		return nil, nil, err
	}

	legs, err := d.loadOrPlan(ctx, driver, t, kind, dest)
	if err != nil {
		return nil, nil, err
	}

	err = d.execute(ctx, driver, t, legs)
	if err != nil {
		return nil, nil, err
	}

	out, err = d.finalize(t, kind)
	if err != nil {
		return nil, nil, err
	}

	d.reclaim(ctx, driver, out)
	d.poll(ctx, driver, out)

	return out, d.notifications(out, kind), nil
}

// loadOrPlan reuses a persisted plan when one exists, otherwise computes and
// persists a fresh one before anything touches the chain.
func (d *Dispatcher) loadOrPlan(ctx context.Context, driver chain.Driver, t *model.Trade, kind PlanKind, dest string) (legs []model.SettlementLeg, err error) {
	legs, err = d.Repo.Legs(t.ID)
	if err != nil || len(legs) > 0 {
		return
	}

	legs, err = d.plan(ctx, driver, t, kind, dest)
	if err != nil {
		return
	}

	for i := range legs {
		err = d.Repo.SaveLeg(&legs[i])
		if err != nil {
			return nil, err
		}
	}
	return
}

func (d *Dispatcher) plan(ctx context.Context, driver chain.Driver, t *model.Trade, kind PlanKind, dest string) (legs []model.SettlementLeg, err error) {
	if kind == PlanRefund {
		amount, rerr := d.refundAmount(ctx, driver, t)
		if rerr != nil {
			return nil, rerr
		}
		return []model.SettlementLeg{{
			TradeID: t.ID,
			Seq:     0,
			Kind:    model.LegKindRecipient,
			Dest:    dest,
			Amount:  amount,
		}}, nil
	}

	split, err := fees.Compute(t.Amount, d.PlatformRate, t.BrokerFeeRate, d.precision(t.Asset))
	if err != nil {
		return
	}

	seq := 0
	feeWallet := d.FeeWallets[t.Asset]
	if split.Platform.IsPositive() && feeWallet != "" {
		legs = append(legs, model.SettlementLeg{
			TradeID: t.ID, Seq: seq, Kind: model.LegKindPlatformFee,
			Dest: feeWallet, Amount: split.Platform,
		})
		seq++
	}
	if split.Broker.IsPositive() && t.BrokerWallet != "" {
		legs = append(legs, model.SettlementLeg{
			TradeID: t.ID, Seq: seq, Kind: model.LegKindBrokerFee,
			Dest: t.BrokerWallet, Amount: split.Broker,
		})
		seq++
	}

	// the recipient leg is always last so a UTXO remainder lands with the buyer
	legs = append(legs, model.SettlementLeg{
		TradeID: t.ID, Seq: seq, Kind: model.LegKindRecipient,
		Dest: dest, Amount: split.Net,
	})
	return
}

// refundAmount is what the escrow actually holds minus the network fee, so a
// refund empties the escrow instead of assuming the deposit matched the
// principal exactly.
func (d *Dispatcher) refundAmount(ctx context.Context, driver chain.Driver, t *model.Trade) (amount decimal.Decimal, err error) {
	var balance decimal.Decimal
	err = d.Retry.Do(ctx, func() error {
		var berr error
		balance, berr = driver.SpendableBalance(ctx, t.EscrowWallet)
		return berr
	})
	if err != nil {
		return
	}

	fee, err := driver.EstimateFee(ctx)
	if err != nil {
		return
	}

	amount = balance.Sub(fee)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: escrow holds %s, network fee %s",
			chain.ErrInsufficientFunds, balance, fee)
	}
	return
}

// execute broadcasts the plan's remaining legs. An atomic driver gets the
// whole plan as one transfer; a per-output driver is walked leg by leg, each
// leg with its own attempted marker, so neither a retry nor a restart ever
// re-sends a leg that already went out.
func (d *Dispatcher) execute(ctx context.Context, driver chain.Driver, t *model.Trade, legs []model.SettlementLeg) error {
	if driver.Atomic() {
		return d.executeBatch(ctx, driver, t, legs)
	}
	return d.executeSeq(ctx, driver, t, legs)
}

// executeBatch handles atomic drivers. All remaining legs are marked
// Attempted together, then one BuildAndBroadcast covers them; the single
// transaction cannot partially land, so one balance check resolves an
// interrupted attempt for the whole plan.
func (d *Dispatcher) executeBatch(ctx context.Context, driver chain.Driver, t *model.Trade, legs []model.SettlementLeg) (err error) {
	pending, attempted, _ := splitByState(legs)
	if len(pending) == 0 && len(attempted) == 0 {
		return nil // everything already on-chain
	}

	if len(attempted) > 0 {
		landed, berr := d.landed(ctx, driver, t, legs, 0)
		if berr != nil {
			return berr
		}
		if landed {
			for i := range legs {
				if legs[i].State == model.LegStateAttempted {
					legs[i].State = model.LegStateBroadcast
					if err = d.Repo.SaveLeg(&legs[i]); err != nil {
						return
					}
				}
			}
			return nil
		}
		// marker written but funds still in escrow, safe to retry the broadcast
		pending = append(pending, attempted...)
	}

	outputs := make([]chain.Output, 0, len(pending))
	for _, leg := range pending {
		outputs = append(outputs, chain.Output{Dest: leg.Dest, Amount: leg.Amount})
	}

	for i := range pending {
		pending[i].State = model.LegStateAttempted
		if err = d.Repo.SaveLeg(&pending[i]); err != nil {
			return
		}
	}

	var txid string
	err = d.Retry.Do(ctx, func() error {
		var berr error
		txid, berr = driver.BuildAndBroadcast(ctx, t.EscrowWallet, outputs)
		return berr
	})
	if err != nil {
		if chain.Fatal(err) {
			for i := range pending {
				pending[i].State = model.LegStateFailed
				if serr := d.Repo.SaveLeg(&pending[i]); serr != nil {
					logger.Errorf("executeBatch trade:%s mark failed leg seq:%d err:%s", t.ID, pending[i].Seq, serr)
				}
			}
		}
		return
	}

	for i := range pending {
		pending[i].State = model.LegStateBroadcast
		pending[i].TxID = txid
		if err = d.Repo.SaveLeg(&pending[i]); err != nil {
			return
		}
	}
	return
}

// executeSeq handles per-output drivers, one transaction per leg in plan
// order. Only one leg is ever in Attempted at a time, so an interrupted run
// resumes at that leg and everything before it stays sent exactly once.
func (d *Dispatcher) executeSeq(ctx context.Context, driver chain.Driver, t *model.Trade, legs []model.SettlementLeg) (err error) {
	for i := range legs {
		leg := &legs[i]
		if leg.Kind == model.LegKindReclaim {
			continue
		}

		switch leg.State {
		case model.LegStateBroadcast, model.LegStateConfirmed:
			continue
		case model.LegStateAttempted:
			// interrupted before the result was recorded, ask the chain
			landed, berr := d.landed(ctx, driver, t, legs, i)
			if berr != nil {
				return berr
			}
			if landed {
				leg.State = model.LegStateBroadcast
				if err = d.Repo.SaveLeg(leg); err != nil {
					return
				}
				continue
			}
		default:
			leg.State = model.LegStateAttempted
			if err = d.Repo.SaveLeg(leg); err != nil {
				return
			}
		}

		var txid string
		output := []chain.Output{{Dest: leg.Dest, Amount: leg.Amount}}
		err = d.Retry.Do(ctx, func() error {
			var berr error
			txid, berr = driver.BuildAndBroadcast(ctx, t.EscrowWallet, output)
			return berr
		})
		if err != nil {
			if chain.Fatal(err) {
				leg.State = model.LegStateFailed
				if serr := d.Repo.SaveLeg(leg); serr != nil {
					logger.Errorf("executeSeq trade:%s mark failed leg seq:%d err:%s", t.ID, leg.Seq, serr)
				}
			}
			return
		}

		leg.State = model.LegStateBroadcast
		leg.TxID = txid
		if err = d.Repo.SaveLeg(leg); err != nil {
			return
		}
	}
	return
}

// landed decides whether an interrupted attempt at legs[from] made it
// on-chain. Everything before from is already broadcast, so an escrow balance
// below the total still owed means the attempt went out.
func (d *Dispatcher) landed(ctx context.Context, driver chain.Driver, t *model.Trade, legs []model.SettlementLeg, from int) (landed bool, err error) {
	remaining := decimal.Zero
	for j := from; j < len(legs); j++ {
		if legs[j].Kind == model.LegKindReclaim {
			continue
		}
		switch legs[j].State {
		case model.LegStateBroadcast, model.LegStateConfirmed:
		default:
			remaining = remaining.Add(legs[j].Amount)
		}
	}

	var balance decimal.Decimal
	err = d.Retry.Do(ctx, func() error {
		var berr error
		balance, berr = driver.SpendableBalance(ctx, t.EscrowWallet)
		return berr
	})
	if err != nil {
		return
	}

	return balance.LessThan(remaining), nil
}

// finalize moves the trade to its terminal status with the same CAS guard as
// any other transition.
func (d *Dispatcher) finalize(t *model.Trade, kind PlanKind) (out *model.Trade, err error) {
	target := model.TradeStatusCompleted
	if kind == PlanRefund {
		target = model.TradeStatusClosed
	}

	out, err = d.Repo.CompareAndUpdate(t.ID, t.TradeStatus, func(t *model.Trade) error {
		t.IsActive = false
		t.TradeStatus = target
		return nil
	})
	if err == repo.ErrConflict {
		// someone else finalized between our broadcast and this update
		out, err = d.Repo.Get(t.ID)
		if err == nil && !out.Terminal() {
			return nil, repo.ErrConflict
		}
	}
	return
}

// reclaim sweeps leftover dust if the driver knows how. Never fails a
// settlement that already paid out.
func (d *Dispatcher) reclaim(ctx context.Context, driver chain.Driver, t *model.Trade) {
	r, ok := driver.(reclaimer)
	if !ok {
		return
	}

	txid, err := r.Reclaim(ctx, t.EscrowWallet)
	if err != nil {
		logger.Infof("reclaim trade:%s skipped, err:%s", t.ID, err)
		return
	}
	if txid == "" {
		return
	}

	err = d.Repo.SaveLeg(&model.SettlementLeg{
		TradeID: t.ID,
		Seq:     reclaimSeq,
		Kind:    model.LegKindReclaim,
		State:   model.LegStateBroadcast,
		TxID:    txid,
	})
	if err != nil {
		logger.Errorf("reclaim trade:%s save leg failed with err:%s", t.ID, err)
	}
}

// reclaimSeq keeps the sweep leg out of the plan's ordered range.
const reclaimSeq = 1000

// poll runs one confirmation check per broadcast leg. Confirmation is
// advisory, the trade is already terminal.
func (d *Dispatcher) poll(ctx context.Context, driver chain.Driver, t *model.Trade) {
	legs, err := d.Repo.Legs(t.ID)
	if err != nil {
		return
	}

	minConf := d.MinConfs[t.Asset]
	if minConf <= 0 {
		minConf = 1
	}

	for i := range legs {
		if legs[i].State != model.LegStateBroadcast || legs[i].TxID == "" {
			continue
		}

		state, cerr := driver.AwaitConfirmation(ctx, legs[i].TxID, minConf)
		if cerr != nil {
			continue
		}
		switch state {
		case chain.ConfConfirmed:
			legs[i].State = model.LegStateConfirmed
		case chain.ConfFailed:
			legs[i].State = model.LegStateFailed
		default:
			continue
		}
		if serr := d.Repo.SaveLeg(&legs[i]); serr != nil {
			logger.Errorf("poll trade:%s save leg seq:%d failed with err:%s", t.ID, legs[i].Seq, serr)
		}
	}
}

// Confirm re-runs confirmation polling for a trade, for operators chasing a
// slow chain.
func (d *Dispatcher) Confirm(ctx context.Context, tradeID string) (legs []model.SettlementLeg, err error) {
	t, err := d.Repo.Get(tradeID)
	if err != nil {
		return
	}
	driver, err := d.Drivers.Get(t.Asset)
	if err != nil {
		return
	}
	d.poll(ctx, driver, t)
	return d.Repo.Legs(tradeID)
}

func (d *Dispatcher) precision(asset string) int32 {
	p, ok := d.Precisions[asset]
	if !ok {
		return 8
	}
	return p
}

func (d *Dispatcher) notifications(t *model.Trade, kind PlanKind) (ns []xnats.Notification) {
	ctx := map[string]interface{}{"tradeID": t.ID, "asset": t.Asset}
	if kind == PlanRefund {
		ns = append(ns, xnats.Notification{Recipient: t.Seller, MessageKey: xnats.MsgFundsReceived, Context: ctx})
		if t.Buyer != 0 {
			ns = append(ns, xnats.Notification{Recipient: t.Buyer, MessageKey: xnats.MsgTradeClosed, Context: ctx})
		}
		return
	}

	ns = append(ns, xnats.Notification{Recipient: t.Buyer, MessageKey: xnats.MsgFundsReceived, Context: ctx})
	ns = append(ns, xnats.Notification{Recipient: t.Seller, MessageKey: xnats.MsgFundsReleased, Context: ctx})
	return
}

func splitByState(legs []model.SettlementLeg) (pending, attempted, done []model.SettlementLeg) {
	for _, leg := range legs {
		if leg.Kind == model.LegKindReclaim {
			continue
		}
		switch leg.State {
		case model.LegStatePlanned, model.LegStateFailed:
			pending = append(pending, leg)
		case model.LegStateAttempted:
			attempted = append(attempted, leg)
		default:
			done = append(done, leg)
		}
	}
	return
}
