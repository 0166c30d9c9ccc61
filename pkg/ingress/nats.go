package ingress

import (
	"escrowd/pkg/config"
	"escrowd/pkg/model"
	"escrowd/pkg/xetcd"
	"escrowd/pkg/xnats"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm/clause"
)

// SubNats subscribes to the event stream, resuming after the last handled seq.
func (w *Worker) SubNats() (err error) {
	natsUrl := ""
	if xetcd.Shared != nil {
		natsUrl, err = xetcd.Get(xetcd.KeyNatsService())
		if err != nil {
			return
		}
	} else {
		natsUrl = config.Shared.Nats.Main.Url
	}

	w.js, w.nc, err = xnats.Connect(natsUrl)
	if err != nil {
		return
	}

	err = xnats.EnsureStream(w.js)
	if err != nil {
		return
	}

	_, err = w.js.ChanSubscribe(xnats.SubjectEvents, w.ch,
		nats.StartSequence(w.LatestMsgSeq+1), nats.AckAll())
	return
}

// advance records the message as handled, acks it, and persists the seq so a
// restart resumes one past it.
func (w *Worker) advance(m *nats.Msg) {
	meta, err := m.Metadata()
	if err == nil {
		w.LatestMsgSeq = meta.Sequence.Stream
	}

	err = m.Ack()
	if err != nil {
		logger.Errorf("ingress ack seq:%d failed with err:%s", w.LatestMsgSeq, err)
	}

	err = saveSeq(w.LatestMsgSeq)
	if err != nil {
		logger.Errorf("ingress save seq:%d failed with err:%s", w.LatestMsgSeq, err)
	}
}

func loadSeq() (seq uint64, err error) {
	db := model.GetMySQLSlience()
	if db == nil {
		return 0, nil
	}

	var kv model.Lastkv
	r := db.Where("app = ? AND `key` = ?", "ingress", model.LASTKV_K_NATS_SEQ).Limit(1).Find(&kv)
	if r.Error != nil {
		return 0, r.Error
	}
	return uint64(kv.Val), nil
}

func saveSeq(seq uint64) (err error) {
	db := model.GetMySQLSlience()
	if db == nil {
		return nil
	}

	kv := model.Lastkv{
		App: "ingress",
		Key: model.LASTKV_K_NATS_SEQ,
		Val: int64(seq),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"val"}),
	}).Create(&kv).Error
}
