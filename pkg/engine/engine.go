// Package engine is the trade state machine. Every transition re-reads the
// trade, re-checks preconditions against the stored status and applies its
// mutation through the repository's compare-and-update, so concurrent
// requests against one trade cannot both win.
package engine

import (
	"encoding/json"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"escrowd/pkg/chain"
	"escrowd/pkg/config"
	"escrowd/pkg/journal"
	"escrowd/pkg/model"
	"escrowd/pkg/repo"
	"escrowd/pkg/secret"
	"escrowd/pkg/settle"
	"escrowd/pkg/xlog"
)

var logger = xlog.GetLogger()

// Worker is the settlement core orchestrator.
type Worker struct {
	Name  string
	State string

	Repo    repo.Repo
	Secrets secret.Store
	Drivers *chain.Registry
	Settler *settle.Dispatcher

	PlatformRate float64
	Admins       map[int64]bool

	LogID int64 // ID of the latest journal line

	jnl *journal.Journal
}

// New returns a Worker instance and completes some preparatory work before
// the worker starts serving transitions.
func New(r repo.Repo, secrets secret.Store, drivers *chain.Registry, settler *settle.Dispatcher) (w *Worker, err error) {
	w = &Worker{
		Name:    "Engine",
		State:   "Init",
		Repo:    r,
		Secrets: secrets,
		Drivers: drivers,
		Settler: settler,
		Admins:  map[int64]bool{},
	}

	if config.Shared != nil {
		w.PlatformRate = config.Shared.Fees.PlatformRate
		for _, id := range config.Shared.Admins {
			w.Admins[id] = true
		}
	}

	return
}

// OpenJournal attaches the transition journal and recovers the last log id.
func (w *Worker) OpenJournal(dataDir string) (err error) {
	w.jnl, err = journal.New(path.Join(dataDir, "journal", "engine.log"))
	if err != nil {
		return
	}

	txt, err := w.jnl.ReadLastLine()
	if err != nil {
		return
	}
	if txt != "" {
		var tl TransitionLog
		err = json.Unmarshal([]byte(txt), &tl)
		if err != nil {
			return
		}
		w.LogID = tl.LogID
	}

	w.State = "Working"
	logger.Infof("engine journal opened, logID:%d", w.LogID)
	return
}

// StartWriter follows the journal and batches lines into MySQL, one trade_logs
// partition per asset. Runs until the process exits.
func (w *Worker) StartWriter() (err error) {
	if w.jnl == nil {
		return ErrNoJournal
	}
	w.jnl.ToMySQLHandler = w.ParseAndWriteLogs

	round := 0
	for {
		round++
		logger.Infof("StartWriter round:%d started", round)

		ch := make(chan string, 1024)
		go func() {
			terr := w.jnl.Tailf(ch)
			if terr != nil {
				logger.Errorf("journal Tailf failed with err:%s", terr)
			}
			close(ch)
		}()

		err = w.jnl.ToMySQL(ch)
		if err != nil {
			logger.Errorf("StartWriter round:%d failed with err:%s", round, err)
		} else {
			logger.Infof("StartWriter round:%d done", round)
		}
		time.Sleep(time.Second)
	}
}

// ParseAndWriteLogs converts raw journal lines to TradeLog rows.
func (w *Worker) ParseAndWriteLogs(lines []string) (err error) {
	db := model.GetMySQLSlience()
	if db == nil {
		return nil // journal-only mode, nothing to mirror
	}

	byAsset := map[string][]model.TradeLog{}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var tl TransitionLog
		err = json.Unmarshal([]byte(line), &tl)
		if err != nil {
			logger.Errorf("ParseAndWriteLogs bad line:%q err:%s", line, err)
			return
		}

		byAsset[tl.Asset] = append(byAsset[tl.Asset], model.TradeLog{
			LogID:      tl.LogID,
			TradeID:    tl.TradeID,
			Actor:      tl.Actor,
			FromStatus: tl.FromStatus,
			ToStatus:   tl.ToStatus,
			Op:         tl.Op,
			Time:       tl.Ts,
		})
	}

	for asset, rows := range byAsset {
		err = db.Scopes(model.TradeLogTable(asset)).Create(&rows).Error
		if err != nil {
			return
		}
	}

	return
}

// appendLog journals one applied transition. Journal problems are logged but
// never fail a transition that already committed.
func (w *Worker) appendLog(t *model.Trade, actor int64, op string, from, to int8) {
	logID := atomic.AddInt64(&w.LogID, 1)

	tl := TransitionLog{
		LogID:      logID,
		Ts:         time.Now().UnixNano(),
		TradeID:    t.ID,
		Asset:      t.Asset,
		Actor:      actor,
		Op:         op,
		FromStatus: from,
		ToStatus:   to,
	}

	if w.jnl == nil {
		return
	}

	b, err := json.Marshal(tl)
	if err != nil {
		logger.Errorf("appendLog marshal failed with err:%s", err)
		return
	}
	err = w.jnl.WriteLine(string(b) + "\n")
	if err != nil {
		logger.Errorf("appendLog write failed with err:%s", err)
	}
}

func (w *Worker) isAdmin(actor int64) bool {
	return w.Admins[actor]
}
