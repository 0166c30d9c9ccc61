package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"escrowd/pkg/chain"
	"escrowd/pkg/chain/evm"
	"escrowd/pkg/chain/utxo"
	"escrowd/pkg/config"
	"escrowd/pkg/engine"
	"escrowd/pkg/info"
	"escrowd/pkg/ingress"
	"escrowd/pkg/journal"
	"escrowd/pkg/model"
	"escrowd/pkg/repo"
	"escrowd/pkg/secret"
	"escrowd/pkg/settle"
	"escrowd/pkg/xetcd"
	"escrowd/pkg/xlog"
)

var logger = xlog.GetLogger()

var (
	fApp     string
	fLogDir  string
	fLogFile string
)

var (
	apps = map[string]bool{"engine": true, "migrate": true, "jm": true}
)

func init() {
	flag.StringVar(&fApp, "app", "", "")
	flag.StringVar(&fLogDir, "logdir", "", "")
	flag.StringVar(&fLogFile, "logfile", "", "")
}

func main() {
	var err error
	flag.Parse()

	if !apps[fApp] {
		validApps := ""
		for k := range apps {
			validApps += k + ", "
		}
		panic("invalid app, only (" + validApps + ") avaliable")
	}

	// Initialize the Shared config
	config.EasyInit()

	// Initialize the logger
	if fLogDir == "" {
		fLogDir = filepath.Join(config.Shared.DataDir, "logs")
	}
	if fLogFile == "" {
		fLogFile = fApp + ".log"
	}
	logPath := filepath.Join(fLogDir, fLogFile)
	xlog.Init(fApp, logPath, nil)
	logger.Info(fApp + " started")
	logger.Infof("xlog in %s", logPath)

	// Handle signals
	go handleSignals()

	// Initialize the etcd instance
	if config.Shared.Etcd.Main.Enable {
		err = xetcd.InitShared([]string{config.Shared.Etcd.Main.Url})
		if err != nil {
			logger.Errorf("xetcd.InitShared failed with err:%s", err)
			panic(err)
		}
	}

	// Initialize the database instances(mysql, redis)
	// fatal if failed
	model.DBInit()

	// Start the app
	switch fApp {
	case "":
		return
	case "engine":
		err = startEngine()
	case "migrate":
		err = startMigrate()
	case "jm":
		err = startJournalMonitor()
	default:
		return
	}

	if err != nil {
		logger.Error(err)
		panic(err)
	}
}

// handleSignals handles linux signals
//
//	Function 1: Change log level via SIGUSR1 signal
//		docker exec <container_id> sh -c 'export XLOG_LVL=TRACE && kill -SIGUSR1 1'
func handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)
	logLevelChan := make(chan string)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				// Read log level from environment variable
				level := os.Getenv("XLOG_LVL")
				if level != "" {
					logLevelChan <- level
				}
			}
		case level := <-logLevelChan:
			logger := xlog.GetLogger()
			logger.SetLevel(level)
			logger.Infof("Log level set to %s via signal", level)
		}
	}
}

// buildDrivers constructs one payout driver per configured chain.
func buildDrivers(secrets secret.Store) (registry *chain.Registry, err error) {
	registry = chain.NewRegistry()

	for asset, cfg := range config.Shared.Chains {
		asset = strings.ToUpper(asset)

		var d chain.Driver
		switch cfg.Family {
		case "utxo":
			d, err = utxo.New(asset, cfg, secrets)
		case "evm":
			d, err = evm.New(asset, cfg, secrets)
		default:
			err = fmt.Errorf("unknown chain family %q for %s", cfg.Family, asset)
		}
		if err != nil {
			return nil, err
		}

		registry.Register(d)
		logger.Infof("chain driver registered, asset:%s family:%s", asset, cfg.Family)
	}

	return
}

// startEngine runs the full settlement core: state machine, dispatcher,
// journal writer and the NATS ingress, in one process.
func startEngine() (err error) {
	gdb := model.GetMySQL()

	secrets, err := secret.NewMySQL(gdb, config.Shared.AESKey)
	if err != nil {
		return
	}

	registry, err := buildDrivers(secrets)
	if err != nil {
		return
	}

	err = model.Migrate(gdb, registry.Assets())
	if err != nil {
		return
	}

	r := repo.NewMySQL(gdb)

	settler := settle.New(r, registry, config.Shared.Fees.PlatformRate)
	settler.Retry = chain.RetryPolicy{
		Attempts: config.Shared.RetryAttempts(),
		Delay:    config.Shared.RetryDelay(),
	}
	for asset, cfg := range config.Shared.Chains {
		asset = strings.ToUpper(asset)
		settler.FeeWallets[asset] = cfg.FeeWallet
		settler.Precisions[asset] = cfg.Precision
		settler.MinConfs[asset] = cfg.MinConf
	}

	eng, err := engine.New(r, secrets, registry, settler)
	if err != nil {
		return
	}

	err = eng.OpenJournal(config.Shared.DataDir)
	if err != nil {
		return
	}
	go func() {
		werr := eng.StartWriter()
		if werr != nil {
			logger.Errorf("engine StartWriter failed with err:%s", werr)
		}
	}()

	// Announce this instance and the stream location
	if xetcd.Shared != nil {
		err = xetcd.Put(xetcd.KeyEngineService(), info.InstanceID)
		if err != nil {
			return
		}
		err = xetcd.Put(xetcd.KeyNatsService(), config.Shared.Nats.Main.Url)
		if err != nil {
			return
		}
	}

	ing, err := ingress.New(eng)
	if err != nil {
		return
	}

	return ing.Run()
}

// startMigrate creates or updates the schema and exits.
func startMigrate() (err error) {
	assets := make([]string, 0, len(config.Shared.Chains))
	for asset := range config.Shared.Chains {
		assets = append(assets, strings.ToUpper(asset))
	}

	err = model.Migrate(model.GetMySQL(), assets)
	if err != nil {
		return
	}

	logger.Infof("migrate done, assets:%v", assets)
	return
}

// startJournalMonitor prints journal throughput every 30 seconds.
func startJournalMonitor() (err error) {
	for {
		time.Sleep(30 * time.Second)
		err = runJournalMonitorOne()
		if err != nil {
			logger.Errorf("runJournalMonitorOne failed with err:%s", err)
		}
	}
}

// runJournalMonitorOne walks the journal dir, reads the first and last line
// of each .log file and reports the logID rate between them.
func runJournalMonitorOne() (err error) {
	journalDir := path.Join(config.Shared.DataDir, "journal")

	err = filepath.Walk(journalDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".log") {
			return nil
		}

		jnl, err := journal.New(path)
		if err != nil {
			return err
		}
		defer jnl.Close()

		firstLine, err := jnl.ReadFirstLine()
		if err != nil {
			return err
		}
		lastLine, err := jnl.ReadLastLine()
		if err != nil {
			return err
		}
		if firstLine == "" || lastLine == "" {
			return nil
		}

		var firstLog, lastLog struct {
			Ts    int64 `json:"ts"`
			LogID int64 `json:"logID"`
		}
		if err := json.Unmarshal([]byte(firstLine), &firstLog); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(lastLine), &lastLog); err != nil {
			return err
		}

		duration := time.Duration(lastLog.Ts-firstLog.Ts) * time.Nanosecond
		logIDDiff := lastLog.LogID - firstLog.LogID

		rate := int64(0)
		if int64(duration.Seconds()) > 0 {
			rate = logIDDiff / int64(duration.Seconds())
		}
		fmt.Printf(
			"Journal: %s holds %d transitions over %s, last at %s, rate %d/sec\n",
			path, logIDDiff, duration, time.Unix(0, lastLog.Ts).Format(time.RFC3339), rate,
		)
		return nil
	})
	if err != nil {
		return
	}

	return
}
