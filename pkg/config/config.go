package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config structs

type Config struct {
	IsDebug bool `yaml:"is_debug"`

	DataDir string `yaml:"data_dir"`
	AESKey  string `yaml:"aes_key"` // hex, 32 bytes, for the escrow key store

	MySQL MySQL `yaml:"mysql"`
	Redis Redis `yaml:"redis"`
	Etcd  Etcd  `yaml:"etcd"`
	Nats  Nats  `yaml:"nats"`

	Fees   Fees             `yaml:"fees"`
	Retry  Retry            `yaml:"retry"`
	Chains map[string]Chain `yaml:"chains"` // keyed by asset code, e.g. BTC, ETH, USDT
	Admins []int64          `yaml:"admins"` // user ids allowed to resolve disputes

	Env Env `yaml:"env"`
}

type MySQL struct {
	Main MySQLServer `yaml:"main"`
}

type MySQLServer struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Pass         string `yaml:"pass"`
	DB           string `yaml:"db"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Redis struct {
	Main RedisServer `yaml:"main"`
}

type RedisServer struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
	Pass    string `yaml:"pass"`
	Timeout int    `yaml:"timeout"`
}

type Etcd struct {
	Main EtcdServer `yaml:"main"`
}

type EtcdServer struct {
	Enable bool   `yaml:"enable"`
	Url    string `yaml:"url"`
}

type Nats struct {
	Main NatsServer `yaml:"main"`
}

type NatsServer struct {
	Enabled bool   `yaml:"enabled"`
	Url     string `yaml:"url"`
}

// Fees holds the platform-wide fee settings. Broker fee rates live on each
// trade, this is only the platform's own cut.
type Fees struct {
	PlatformRate float64 `yaml:"platform_rate"` // e.g. 0.02
}

// Retry bounds for retryable chain failures (NetworkUnavailable, Timeout,
// BroadcastRejected). Fatal failures are never retried.
type Retry struct {
	Attempts int `yaml:"attempts"`  // default 3
	DelaySec int `yaml:"delay_sec"` // default 5
}

// Chain is the per-asset driver configuration, read-mostly after startup.
type Chain struct {
	Family    string `yaml:"family"` // utxo | evm
	RpcUrl    string `yaml:"rpc_url"`
	RpcUser   string `yaml:"rpc_user"`
	RpcPass   string `yaml:"rpc_pass"`
	Precision int32  `yaml:"precision"` // decimal places of the smallest unit

	FeeWallet string `yaml:"fee_wallet"` // platform fee recipient address

	// utxo family
	FixedFee string `yaml:"fixed_fee"` // network fee, decimal string

	// evm family
	GasLimit      uint64 `yaml:"gas_limit"`
	TokenContract string `yaml:"token_contract"` // empty for the native coin
	HotWallet     string `yaml:"hot_wallet"`     // gas relay / reclaim target
	HotWalletKey  string `yaml:"hot_wallet_key"` // secret store handle
	MinConf       int    `yaml:"min_conf"`
}

type Env struct {
	XlogMode  string `yaml:"xlog_mode"`
	XlogColor bool   `yaml:"xlog_color"`
}

// Global variables

const DEVDATA = "/usr/local/escrowd/devdata"

var Shared *Config // single instance of the config

var (
	fConfig string // config file path
)

func init() {
	flag.StringVar(&fConfig, "config", "", "specify the config file")
}

// Initialize the Shared config with the given config file path
func Init(configFile string) {
	file, err := os.Open(configFile)
	if err != nil {
		panic(err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	err = decoder.Decode(&Shared)
	if err != nil {
		panic(err)
	}
}

// Initialize the Shared config with the default config file path
func EasyInit() {
	fpath := fConfig
	if fpath == "" {
		fpath = "config/config.yml"
	}

	// if the config file does not exist, use the default config file path
	if _, err := os.Stat(fpath); os.IsNotExist(err) {
		fpath = DEVDATA + "/config.yml"
		printf(fmt.Sprintf("use config: %s (DEVDATA)", fpath))
	} else {
		printf(fmt.Sprintf("use config: %s", fpath))
	}

	// initialize the config
	Init(fpath)
}

// RetryAttempts returns the configured retry attempt bound, defaulting to 3.
func (c *Config) RetryAttempts() int {
	if c.Retry.Attempts <= 0 {
		return 3
	}
	return c.Retry.Attempts
}

// RetryDelay returns the configured delay between attempts, defaulting to 5s.
func (c *Config) RetryDelay() time.Duration {
	if c.Retry.DelaySec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Retry.DelaySec) * time.Second
}

// Print the given string to the standard output
func printf(s string) {
	fmt.Printf("%s %s\n", time.Now().Format("2006/01/02 15:04:05"), s)
}
