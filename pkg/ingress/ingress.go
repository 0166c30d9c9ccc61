// Package ingress consumes normalized adapter events from NATS, deduplicates
// provider redelivery, and drives the engine. It is the only caller of the
// engine in production, transitions stay serialized per trade by the repo's
// compare-and-update underneath.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowd/pkg/engine"
	"escrowd/pkg/model"
	"escrowd/pkg/xlog"
	"escrowd/pkg/xnats"

	"github.com/nats-io/nats.go"
)

var logger = xlog.GetLogger()

var ErrBadEvent = errors.New("event missing required fields")

const (
	dedupKeyPrefix = "escrowd:evt:"
	dedupTTL       = 24 * time.Hour
	handleTimeout  = 10 * time.Minute // settlement dispatch can retry inside
)

// Worker is the event ingress.
type Worker struct {
	Name  string
	State string

	Engine *engine.Worker

	LatestMsgSeq uint64 // stream seq of the latest NATS message handled

	js nats.JetStreamContext
	nc *nats.Conn
	ch chan *nats.Msg
}

// New returns a Worker and recovers the subscription seq from MySQL, so a
// restart resumes the stream instead of replaying it.
func New(e *engine.Worker) (w *Worker, err error) {
	w = &Worker{
		Name:   "Ingress",
		State:  "Init",
		Engine: e,
		ch:     make(chan *nats.Msg, 256),
	}

	w.LatestMsgSeq, err = loadSeq()
	if err != nil {
		return nil, err
	}

	logger.Infof("ingress worker created, seq:%d", w.LatestMsgSeq)
	return
}

// Run subscribes and handles events until the stream closes.
func (w *Worker) Run() (err error) {
	err = w.SubNats()
	if err != nil {
		return
	}

	w.State = "Working"
	for {
		m, ok := <-w.ch
		if !ok {
			return nil
		}
		w.handleMsg(m)
	}
}

func (w *Worker) handleMsg(m *nats.Msg) {
	var e xnats.Event
	err := json.Unmarshal(m.Data, &e)
	if err != nil {
		logger.Errorf("ingress bad event data:%q err:%s", string(m.Data), err)
		w.advance(m)
		return
	}

	dup, err := w.seen(e.EventID)
	if err != nil {
		logger.Errorf("ingress dedup check event:%s failed with err:%s", e.EventID, err)
		// fall through, the engine's idempotent transitions are the backstop
	}
	if dup {
		logger.Infof("ingress duplicate event:%s kind:%s dropped", e.EventID, e.Kind)
		w.advance(m)
		return
	}

	ns, err := w.HandleEvent(e)
	if err != nil && !engine.AlreadyDone(err) {
		logger.Errorf("ingress event:%s kind:%s trade:%s failed with err:%s", e.EventID, e.Kind, e.TradeID, err)
	}

	for _, n := range ns {
		perr := xnats.PublishNotification(w.js, n)
		if perr != nil {
			logger.Errorf("ingress notify recipient:%d key:%s failed with err:%s", n.Recipient, n.MessageKey, perr)
		}
	}

	w.advance(m)
}

// HandleEvent maps one event kind to its engine transition.
func (w *Worker) HandleEvent(e xnats.Event) (ns []xnats.Notification, err error) {
	if e.TradeID == "" || e.Kind == "" {
		return nil, ErrBadEvent
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch e.Kind {
	case xnats.EventDepositConfirmed:
		_, ns, err = w.Engine.ConfirmCryptoDeposit(e.TradeID)

	case xnats.EventJoinTrade:
		_, ns, err = w.Engine.JoinTrade(e.TradeID, e.Actor)

	case xnats.EventSubmitProof:
		_, ns, err = w.Engine.SubmitPaymentProof(e.TradeID, e.Actor, payloadString(e, "proofFile"))

	case xnats.EventApproveFiat:
		_, ns, err = w.Engine.ApproveFiatPayment(e.TradeID, e.Actor)

	case xnats.EventRejectFiat:
		_, ns, err = w.Engine.RejectFiatPayment(e.TradeID, e.Actor, payloadString(e, "reason"))

	case xnats.EventSetBuyerAddress:
		_, ns, err = w.Engine.SetBuyerAddress(ctx, e.TradeID, e.Actor, payloadString(e, "address"))

	case xnats.EventRaiseDispute:
		_, ns, err = w.Engine.RaiseDispute(e.TradeID, e.Actor, payloadString(e, "complaint"))

	case xnats.EventResolveDispute:
		_, ns, err = w.Engine.ResolveDispute(ctx, e.TradeID, e.Actor, payloadInt8(e, "verdict"))

	case xnats.EventCloseTrade:
		_, ns, err = w.Engine.CloseTrade(ctx, e.TradeID, e.Actor)

	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrBadEvent, e.Kind)
	}
	return
}

// seen marks the event id handled and reports whether it already was. No
// redis means no dedup, the engine's precondition checks still hold.
func (w *Worker) seen(eventID string) (dup bool, err error) {
	if eventID == "" {
		return false, nil
	}
	rdb := model.GetRedis()
	if rdb == nil {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fresh, err := rdb.SetNX(ctx, dedupKeyPrefix+eventID, 1, dedupTTL).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

func payloadString(e xnats.Event, key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

func payloadInt8(e xnats.Event, key string) int8 {
	v, _ := e.Payload[key].(float64)
	return int8(v)
}
