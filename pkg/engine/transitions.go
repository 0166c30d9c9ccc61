package engine

import (
	"context"
	"fmt"
	"strings"

	"escrowd/pkg/chain"
	"escrowd/pkg/model"
	"escrowd/pkg/repo"
	"escrowd/pkg/settle"
	"escrowd/pkg/xnats"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateTrade opens a new trade for a seller. escrowHandle may be empty for
// assets the secret store can generate keys for, otherwise it references a
// pre-imported wallet. sellerAddress is the seller's own receive address,
// used for refunds.
func (w *Worker) CreateTrade(seller int64, kind int8, asset string, amount decimal.Decimal, terms string,
	broker int64, brokerRate float64, brokerWallet string, escrowHandle string, sellerAddress string,
) (t *model.Trade, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("CreateTrade seller:%d asset:%s failed with err:%s", seller, asset, err)
		} else {
			logger.Infof("CreateTrade done, trade:%s seller:%d asset:%s amount:%s", t.ID, seller, asset, amount)
		}
	}()

	if !amount.IsPositive() {
		return nil, ErrBadAmount
	}
	if kind != model.TradeKindCryptoToCrypto && kind != model.TradeKindCryptoToFiat {
		return nil, ErrInvalidTransition
	}
	asset = strings.ToUpper(asset)
	if _, err = w.Drivers.Get(asset); err != nil {
		return nil, err
	}

	if escrowHandle == "" {
		escrowHandle, _, err = w.Secrets.Allocate(asset)
		if err != nil {
			return nil, err
		}
	}

	t = &model.Trade{
		ID:            uuid.New().String(),
		Seller:        seller,
		Kind:          kind,
		Asset:         asset,
		Amount:        amount,
		Terms:         terms,
		Broker:        broker,
		BrokerFeeRate: brokerRate,
		BrokerWallet:  brokerWallet,
		TradeStatus:   model.TradeStatusPending,
		IsActive:      true,
		EscrowWallet:  escrowHandle,
		SellerAddress: sellerAddress,
	}

	err = w.Repo.Create(t)
	if err != nil {
		return nil, err
	}

	w.appendLog(t, seller, "create_trade", model.TradeStatusPending, model.TradeStatusPending)
	return
}

// AttachInvoice records the fiat rail invoice of a CryptoToFiat trade, once.
func (w *Worker) AttachInvoice(tradeID string, invoiceID string) (t *model.Trade, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}
	if t.Kind != model.TradeKindCryptoToFiat || t.InvoiceID != "" {
		return nil, ErrInvalidTransition
	}

	t, err = w.Repo.CompareAndUpdate(tradeID, t.TradeStatus, func(t *model.Trade) error {
		if t.InvoiceID != "" {
			return ErrInvalidTransition
		}
		t.InvoiceID = invoiceID
		return nil
	})
	return t, w.mapRepoErr(err)
}

// ConfirmCryptoDeposit is invoked by the adapter after the escrow deposit is
// observed on-chain or on the invoice rail. Webhooks redeliver, so a repeat
// call on a deposited trade answers ErrAlreadyInTargetState, which callers
// treat as success.
func (w *Worker) ConfirmCryptoDeposit(tradeID string) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.CryptoDeposited {
		return t, nil, ErrAlreadyInTargetState
	}
	if t.Terminal() {
		return nil, nil, ErrInvalidTransition
	}

	// a deposit observed after the buyer already joined records the flag
	// only, the status is past Deposited and must not regress
	from := t.TradeStatus
	t, err = w.Repo.CompareAndUpdate(tradeID, from, func(t *model.Trade) error {
		t.CryptoDeposited = true
		if t.TradeStatus == model.TradeStatusPending {
			t.TradeStatus = model.TradeStatusDeposited
		}
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, 0, "confirm_crypto_deposit", from, t.TradeStatus)

	ns = []xnats.Notification{{
		Recipient:  t.Seller,
		MessageKey: xnats.MsgDepositConfirmed,
		Context:    map[string]interface{}{"tradeID": t.ID, "amount": t.Amount.String(), "asset": t.Asset},
	}}
	return
}

// JoinTrade attaches a buyer. A buyer, once set, is immutable.
func (w *Worker) JoinTrade(tradeID string, buyerID int64) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.Buyer == buyerID && t.TradeStatus == model.TradeStatusBuyerJoined {
		return t, nil, ErrAlreadyInTargetState
	}
	if t.Buyer != 0 {
		return nil, nil, ErrInvalidTransition
	}
	if buyerID == t.Seller || buyerID == 0 {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusPending && t.TradeStatus != model.TradeStatusDeposited {
		return nil, nil, ErrInvalidTransition
	}

	from := t.TradeStatus
	t, err = w.Repo.CompareAndUpdate(tradeID, from, func(t *model.Trade) error {
		t.Buyer = buyerID
		t.TradeStatus = model.TradeStatusBuyerJoined
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, buyerID, "join_trade", from, model.TradeStatusBuyerJoined)

	ns = []xnats.Notification{{
		Recipient:  t.Seller,
		MessageKey: xnats.MsgBuyerJoined,
		Context:    map[string]interface{}{"tradeID": t.ID, "buyer": buyerID},
	}}
	return
}

// SubmitPaymentProof attaches the buyer's evidence of the fiat payment. A
// rejected proof may be resubmitted, an accepted one may not be replaced.
func (w *Worker) SubmitPaymentProof(tradeID string, buyerID int64, proofFile string) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.TradeStatus == model.TradeStatusProofSubmitted {
		return t, nil, ErrAlreadyInTargetState
	}
	if t.Buyer == 0 || buyerID != t.Buyer {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusBuyerJoined && t.TradeStatus != model.TradeStatusFiatPaid {
		return nil, nil, ErrInvalidTransition
	}
	if t.ProofFile != "" {
		return nil, nil, ErrProofAttached
	}

	from := t.TradeStatus
	t, err = w.Repo.CompareAndUpdate(tradeID, from, func(t *model.Trade) error {
		t.ProofFile = proofFile
		t.ProofFrom = buyerID
		t.FiatPaid = true
		t.TradeStatus = model.TradeStatusProofSubmitted
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, buyerID, "submit_payment_proof", from, model.TradeStatusProofSubmitted)

	ns = []xnats.Notification{{
		Recipient:  t.Seller,
		MessageKey: xnats.MsgProofSubmitted,
		Context:    map[string]interface{}{"tradeID": t.ID, "proof": proofFile},
	}}
	return
}

// ApproveFiatPayment is the seller accepting the proof. The buyer is asked
// for a payout address next.
func (w *Worker) ApproveFiatPayment(tradeID string, sellerID int64) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.TradeStatus == model.TradeStatusAwaitingAddress {
		return t, nil, ErrAlreadyInTargetState
	}
	if sellerID != t.Seller {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusProofSubmitted {
		return nil, nil, ErrInvalidTransition
	}

	t, err = w.Repo.CompareAndUpdate(tradeID, model.TradeStatusProofSubmitted, func(t *model.Trade) error {
		t.FiatApproved = true
		t.TradeStatus = model.TradeStatusAwaitingAddress
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, sellerID, "approve_fiat_payment", model.TradeStatusProofSubmitted, model.TradeStatusAwaitingAddress)

	ns = []xnats.Notification{{
		Recipient:  t.Buyer,
		MessageKey: xnats.MsgNeedBuyerAddress,
		Context:    map[string]interface{}{"tradeID": t.ID, "asset": t.Asset},
	}}
	return
}

// RejectFiatPayment clears the proof so the buyer can resubmit.
func (w *Worker) RejectFiatPayment(tradeID string, sellerID int64, reason string) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if sellerID != t.Seller {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusProofSubmitted {
		return nil, nil, ErrInvalidTransition
	}

	// FiatPaid stays set: the buyer's claim stands, only the proof is redone
	t, err = w.Repo.CompareAndUpdate(tradeID, model.TradeStatusProofSubmitted, func(t *model.Trade) error {
		t.ProofFile = ""
		t.ProofFrom = 0
		t.TradeStatus = model.TradeStatusBuyerJoined
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, sellerID, "reject_fiat_payment", model.TradeStatusProofSubmitted, model.TradeStatusBuyerJoined)

	ns = []xnats.Notification{{
		Recipient:  t.Buyer,
		MessageKey: xnats.MsgProofRejected,
		Context:    map[string]interface{}{"tradeID": t.ID, "reason": reason},
	}}
	return
}

// SetBuyerAddress records the payout address and triggers settlement as a
// follow-on action. The address is validated against the asset's format
// rules before acceptance.
func (w *Worker) SetBuyerAddress(ctx context.Context, tradeID string, buyerID int64, address string) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if buyerID != t.Buyer {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusAwaitingAddress {
		return nil, nil, ErrInvalidTransition
	}

	driver, err := w.Drivers.Get(t.Asset)
	if err != nil {
		return nil, nil, err
	}
	if !driver.ValidateAddress(address) {
		return nil, nil, fmt.Errorf("%w: %s", chain.ErrAddressInvalid, address)
	}

	t, err = w.Repo.CompareAndUpdate(tradeID, model.TradeStatusAwaitingAddress, func(t *model.Trade) error {
		if t.BuyerAddress != "" && t.BuyerAddress != address {
			return ErrInvalidTransition
		}
		t.BuyerAddress = address
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, buyerID, "set_buyer_address", model.TradeStatusAwaitingAddress, model.TradeStatusAwaitingAddress)

	return w.dispatch(ctx, t, settle.PlanSettle, t.BuyerAddress)
}

// RaiseDispute freezes the trade for admin intervention. The prior status is
// retained so a no-payout resolution knows whether a deposit is refundable.
func (w *Worker) RaiseDispute(tradeID string, actor int64, complaint string) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.TradeStatus == model.TradeStatusDisputed {
		return t, nil, ErrAlreadyInTargetState
	}
	if t.Terminal() {
		return nil, nil, ErrInvalidTransition
	}
	if actor != 0 && actor != t.Seller && actor != t.Buyer && !w.isAdmin(actor) {
		return nil, nil, ErrNotAuthorized
	}

	from := t.TradeStatus
	t, err = w.Repo.CompareAndUpdate(tradeID, from, func(t *model.Trade) error {
		t.PrevStatus = from
		t.TradeStatus = model.TradeStatusDisputed
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	err = w.Repo.CreateDispute(&model.Dispute{
		TradeID:   tradeID,
		Raiser:    actor,
		Complaint: complaint,
	})
	if err != nil {
		return nil, nil, err
	}

	w.appendLog(t, actor, "raise_dispute", from, model.TradeStatusDisputed)

	ns = notifyParties(t, xnats.MsgDisputeRaised, map[string]interface{}{"tradeID": t.ID})
	return
}

// ResolveDispute applies an admin verdict and drives settlement accordingly.
func (w *Worker) ResolveDispute(ctx context.Context, tradeID string, adminID int64, verdict int8) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if !w.isAdmin(adminID) {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusDisputed {
		if t.Terminal() {
			return t, nil, ErrAlreadyInTargetState
		}
		return nil, nil, ErrInvalidTransition
	}

	switch verdict {
	case model.VerdictReleaseToBuyer:
		if t.Buyer == 0 {
			return nil, nil, ErrInvalidTransition
		}
		if t.BuyerAddress == "" {
			// no payout address yet, send the trade to collect one
			t, err = w.Repo.CompareAndUpdate(tradeID, model.TradeStatusDisputed, func(t *model.Trade) error {
				t.TradeStatus = model.TradeStatusAwaitingAddress
				return nil
			})
			if err != nil {
				return nil, nil, w.mapRepoErr(err)
			}
			w.appendLog(t, adminID, "resolve_dispute", model.TradeStatusDisputed, model.TradeStatusAwaitingAddress)
			ns = []xnats.Notification{{
				Recipient:  t.Buyer,
				MessageKey: xnats.MsgNeedBuyerAddress,
				Context:    map[string]interface{}{"tradeID": t.ID, "asset": t.Asset},
			}}
			break
		}
		t, ns, err = w.dispatch(ctx, t, settle.PlanSettle, t.BuyerAddress)

	case model.VerdictRefundToSeller:
		if t.SellerAddress == "" {
			return nil, nil, ErrInvalidTransition
		}
		t, ns, err = w.dispatch(ctx, t, settle.PlanRefund, t.SellerAddress)

	case model.VerdictCloseNoPayout:
		t, err = w.Repo.CompareAndUpdate(tradeID, model.TradeStatusDisputed, func(t *model.Trade) error {
			t.IsActive = false
			t.TradeStatus = model.TradeStatusClosed
			return nil
		})
		if err != nil {
			return nil, nil, w.mapRepoErr(err)
		}
		w.appendLog(t, adminID, "resolve_dispute", model.TradeStatusDisputed, model.TradeStatusClosed)
		if t.CryptoDeposited {
			// the verdict leaves the deposit in escrow until an operator
			// moves it, the adapter surfaces escrowHeld to both parties
			logger.Warningf("ResolveDispute trade:%s closed without payout, deposit still in escrow:%s", t.ID, t.EscrowWallet)
		}
		ns = notifyParties(t, xnats.MsgTradeClosed, map[string]interface{}{"tradeID": t.ID, "escrowHeld": t.CryptoDeposited})

	default:
		return nil, nil, ErrBadVerdict
	}
	if err != nil {
		return nil, nil, err
	}

	err = w.closeDispute(tradeID, verdict)
	if err != nil {
		return nil, nil, err
	}

	ns = append(ns, xnats.Notification{
		Recipient:  adminID,
		MessageKey: xnats.MsgDisputeResolved,
		Context:    map[string]interface{}{"tradeID": t.ID, "verdict": verdict},
	})
	return
}

// CloseTrade abandons a trade before funds are committed to a counterparty.
// A deposited trade is refunded to the seller first.
func (w *Worker) CloseTrade(ctx context.Context, tradeID string, actor int64) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if t.TradeStatus == model.TradeStatusClosed {
		return t, nil, ErrAlreadyInTargetState
	}
	if actor != t.Seller && !w.isAdmin(actor) {
		return nil, nil, ErrNotAuthorized
	}
	if t.TradeStatus != model.TradeStatusPending && t.TradeStatus != model.TradeStatusDeposited {
		return nil, nil, ErrInvalidTransition
	}

	if t.CryptoDeposited && t.SellerAddress != "" {
		return w.dispatch(ctx, t, settle.PlanRefund, t.SellerAddress)
	}

	from := t.TradeStatus
	t, err = w.Repo.CompareAndUpdate(tradeID, from, func(t *model.Trade) error {
		t.IsActive = false
		t.TradeStatus = model.TradeStatusClosed
		return nil
	})
	if err != nil {
		return nil, nil, w.mapRepoErr(err)
	}

	w.appendLog(t, actor, "close_trade", from, model.TradeStatusClosed)

	ns = notifyParties(t, xnats.MsgTradeClosed, map[string]interface{}{"tradeID": t.ID})
	return
}

// RetrySettlement re-runs a stalled dispatch after a retryable failure, e.g.
// once the chain network recovers. Already-broadcast legs are not redone.
func (w *Worker) RetrySettlement(ctx context.Context, tradeID string, adminID int64) (t *model.Trade, ns []xnats.Notification, err error) {
	t, err = w.get(tradeID)
	if err != nil {
		return
	}

	if !w.isAdmin(adminID) {
		return nil, nil, ErrNotAuthorized
	}
	if t.Terminal() {
		return t, nil, ErrAlreadyInTargetState
	}

	legs, err := w.Repo.Legs(tradeID)
	if err != nil {
		return nil, nil, err
	}
	if len(legs) == 0 {
		return nil, nil, ErrInvalidTransition
	}

	dest := legs[len(legs)-1].Dest
	kind := settle.PlanSettle
	if len(legs) == 1 && legs[0].Dest == t.SellerAddress {
		kind = settle.PlanRefund
	}
	return w.dispatch(ctx, t, kind, dest)
}

// dispatch hands the trade to the settlement dispatcher and converts fatal
// failures into a disputed-eligible escalation.
func (w *Worker) dispatch(ctx context.Context, t *model.Trade, kind settle.PlanKind, dest string) (out *model.Trade, ns []xnats.Notification, err error) {
	out, ns, err = w.Settler.Dispatch(ctx, t, kind, dest)
	if err == nil {
		w.appendLog(out, 0, "dispatch", t.TradeStatus, out.TradeStatus)
		return
	}

	if chain.Fatal(err) {
		// escalate: the trade needs a human, record a system dispute
		_, _, derr := w.RaiseDispute(t.ID, 0, "settlement failed: "+err.Error())
		if derr != nil && !AlreadyDone(derr) {
			logger.Errorf("dispatch escalation for trade:%s failed with err:%s", t.ID, derr)
		}
		ns = append(ns, xnats.Notification{
			Recipient:  t.Seller,
			MessageKey: xnats.MsgSettlementStalled,
			Context:    map[string]interface{}{"tradeID": t.ID},
		})
	}
	return nil, ns, err
}

func (w *Worker) closeDispute(tradeID string, verdict int8) (err error) {
	d, err := w.Repo.OpenDispute(tradeID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil
		}
		return
	}

	d.Resolved = true
	d.Verdict = verdict
	return w.Repo.SaveDispute(d)
}

func (w *Worker) get(tradeID string) (t *model.Trade, err error) {
	t, err = w.Repo.Get(tradeID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return
}

// mapRepoErr folds a lost CAS race into the transition taxonomy.
func (w *Worker) mapRepoErr(err error) error {
	if err == nil {
		return nil
	}
	if err == repo.ErrConflict {
		return ErrInvalidTransition
	}
	if repo.IsNotFound(err) {
		return ErrTradeNotFound
	}
	return err
}

func notifyParties(t *model.Trade, key string, ctx map[string]interface{}) (ns []xnats.Notification) {
	ns = append(ns, xnats.Notification{Recipient: t.Seller, MessageKey: key, Context: ctx})
	if t.Buyer != 0 {
		ns = append(ns, xnats.Notification{Recipient: t.Buyer, MessageKey: key, Context: ctx})
	}
	return
}
