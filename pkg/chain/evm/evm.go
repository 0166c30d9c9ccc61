// Package evm is the payout driver for account-style chains (ETH and ERC-20
// tokens such as USDT), built on go-ethereum's RPC client.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowd/pkg/chain"
	"escrowd/pkg/config"
	"escrowd/pkg/secret"
	"escrowd/pkg/xlog"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var logger = xlog.GetLogger()

const (
	rpcTimeout = 15 * time.Second

	nativeGasLimit = 21000

	// relay funding is polled at fixed intervals up to this bound, then the
	// whole call fails with a retryable Timeout
	relayPollInterval = 5 * time.Second
	relayPollMax      = 24
)

// transfer(address,uint256)
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// balanceOf(address)
var erc20BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Driver serves one evm-family asset. A token asset (TokenContract set)
// additionally needs the hot wallet for gas relay funding.
type Driver struct {
	asset   string
	cfg     config.Chain
	client  *ethclient.Client
	secrets secret.Store

	chainID *big.Int
}

func New(asset string, cfg config.Chain, secrets secret.Store) (d *Driver, err error) {
	client, err := ethclient.Dial(cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrNetworkUnavailable, err)
	}

	d = &Driver{
		asset:   strings.ToUpper(asset),
		cfg:     cfg,
		client:  client,
		secrets: secrets,
	}
	return
}

func (d *Driver) Asset() string {
	return d.asset
}

// Atomic is false: outputs go out as separate transactions, one send each.
func (d *Driver) Atomic() bool {
	return false
}

// ValidateAddress accepts 0x-prefixed 40-hex-digit addresses only.
func (d *Driver) ValidateAddress(address string) bool {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return false
	}
	return common.IsHexAddress(address)
}

func (d *Driver) SpendableBalance(ctx context.Context, escrowHandle string) (bal decimal.Decimal, err error) {
	creds, err := d.secrets.GetEscrowCredentials(escrowHandle)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	addr := common.HexToAddress(creds.Address)

	var raw *big.Int
	if d.cfg.TokenContract == "" {
		raw, err = d.client.BalanceAt(ctx, addr, nil)
	} else {
		raw, err = d.tokenBalance(ctx, addr)
	}
	if err != nil {
		return decimal.Zero, d.mapErr(err)
	}

	return decimal.NewFromBigInt(raw, -d.cfg.Precision), nil
}

// EstimateFee prices one native transfer at the current gas price. Token
// transfers cost the escrow nothing in token units, gas is relay-funded.
func (d *Driver) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	if d.cfg.TokenContract != "" {
		return decimal.Zero, nil
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, d.mapErr(err)
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeGasLimit))
	return decimal.NewFromBigInt(cost, -d.cfg.Precision), nil
}

// BuildAndBroadcast sends one transaction per output, in order. For token
// assets the escrow address is relay-funded with gas first, and the funding
// transaction must confirm before the token transfer is attempted.
func (d *Driver) BuildAndBroadcast(ctx context.Context, escrowHandle string, outputs []chain.Output) (txid string, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("evm(%s) BuildAndBroadcast escrow:%s failed with err:%s", d.asset, escrowHandle, err)
		} else {
			logger.Infof("evm(%s) BuildAndBroadcast escrow:%s done, txid:%s", d.asset, escrowHandle, txid)
		}
	}()

	if len(outputs) == 0 {
		return "", fmt.Errorf("%w: no outputs", chain.ErrBroadcastRejected)
	}
	for _, out := range outputs {
		if !d.ValidateAddress(out.Dest) {
			return "", fmt.Errorf("%w: %s", chain.ErrAddressInvalid, out.Dest)
		}
	}

	creds, err := d.secrets.GetEscrowCredentials(escrowHandle)
	if err != nil {
		return
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivKey, "0x"))
	if err != nil {
		return
	}
	from := common.HexToAddress(creds.Address)

	if d.cfg.TokenContract != "" {
		err = d.ensureGas(ctx, from)
		if err != nil {
			return "", err
		}
	}

	for _, out := range outputs {
		txid, err = d.sendOne(ctx, key, from, out.Dest, d.toBase(out.Amount))
		if err != nil {
			return "", err
		}
	}

	return
}

func (d *Driver) AwaitConfirmation(ctx context.Context, txid string, minConf int) (chain.ConfState, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	receipt, err := d.client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return chain.ConfPending, chain.ErrTimeout
		}
		// not found means still in the mempool
		return chain.ConfPending, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.ConfFailed, nil
	}

	head, err := d.client.BlockNumber(ctx)
	if err != nil {
		return chain.ConfPending, d.mapErr(err)
	}

	confs := int64(head) - receipt.BlockNumber.Int64() + 1
	if confs >= int64(minConf) {
		return chain.ConfConfirmed, nil
	}
	return chain.ConfPending, nil
}

// Reclaim sweeps leftover native balance of the escrow back to the hot
// wallet. Best effort, the dispatcher ignores failures here.
func (d *Driver) Reclaim(ctx context.Context, escrowHandle string) (txid string, err error) {
	if d.cfg.HotWallet == "" {
		return "", nil
	}

	creds, err := d.secrets.GetEscrowCredentials(escrowHandle)
	if err != nil {
		return
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivKey, "0x"))
	if err != nil {
		return
	}
	from := common.HexToAddress(creds.Address)

	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	bal, err := d.client.BalanceAt(cctx, from, nil)
	if err != nil {
		return "", d.mapErr(err)
	}
	gasPrice, err := d.client.SuggestGasPrice(cctx)
	if err != nil {
		return "", d.mapErr(err)
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeGasLimit))
	left := new(big.Int).Sub(bal, cost)
	if left.Sign() <= 0 {
		return "", nil // nothing worth sweeping
	}

	return d.sendOneRaw(ctx, key, from, common.HexToAddress(d.cfg.HotWallet), left, nil, nativeGasLimit)
}

// ensureGas relay-funds the escrow address from the hot wallet so a token
// transfer can pay for gas, and waits (bounded) for the funding to confirm.
func (d *Driver) ensureGas(ctx context.Context, escrow common.Address) (err error) {
	cctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	gasPrice, err := d.client.SuggestGasPrice(cctx)
	cancel()
	if err != nil {
		return d.mapErr(err)
	}

	need := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(d.gasLimit()))

	cctx, cancel = context.WithTimeout(ctx, rpcTimeout)
	bal, err := d.client.BalanceAt(cctx, escrow, nil)
	cancel()
	if err != nil {
		return d.mapErr(err)
	}
	if bal.Cmp(need) >= 0 {
		return nil
	}

	hot, err := d.secrets.GetEscrowCredentials(d.cfg.HotWalletKey)
	if err != nil {
		return
	}
	hotKey, err := crypto.HexToECDSA(strings.TrimPrefix(hot.PrivKey, "0x"))
	if err != nil {
		return
	}

	topup := new(big.Int).Sub(need, bal)
	txid, err := d.sendOneRaw(ctx, hotKey, common.HexToAddress(hot.Address), escrow, topup, nil, nativeGasLimit)
	if err != nil {
		return
	}

	logger.Infof("evm(%s) relay funding escrow:%s txid:%s, waiting", d.asset, escrow.Hex(), txid)

	// wait-then-poll, bounded; a timeout is retryable, never treated as done
	for i := 0; i < relayPollMax; i++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: relay funding interrupted", chain.ErrTimeout)
		case <-time.After(relayPollInterval):
		}

		state, cerr := d.AwaitConfirmation(ctx, txid, 1)
		if cerr != nil {
			continue
		}
		if state == chain.ConfConfirmed {
			return nil
		}
		if state == chain.ConfFailed {
			return fmt.Errorf("%w: relay funding reverted", chain.ErrBroadcastRejected)
		}
	}

	return fmt.Errorf("%w: relay funding unconfirmed after %s", chain.ErrTimeout,
		time.Duration(relayPollMax)*relayPollInterval)
}

// sendOne builds either a native transfer or an ERC-20 transfer to dest.
func (d *Driver) sendOne(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, dest string, amount *big.Int) (txid string, err error) {
	if d.cfg.TokenContract == "" {
		return d.sendOneRaw(ctx, key, from, common.HexToAddress(dest), amount, nil, nativeGasLimit)
	}

	data := append(append([]byte{}, erc20TransferSelector...),
		append(common.LeftPadBytes(common.HexToAddress(dest).Bytes(), 32),
			common.LeftPadBytes(amount.Bytes(), 32)...)...)

	return d.sendOneRaw(ctx, key, from, common.HexToAddress(d.cfg.TokenContract), big.NewInt(0), data, d.gasLimit())
}

func (d *Driver) sendOneRaw(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, value *big.Int, data []byte, gasLimit uint64) (txid string, err error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	nonce, err := d.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", d.mapErr(err)
	}
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", d.mapErr(err)
	}

	if d.chainID == nil {
		d.chainID, err = d.client.NetworkID(ctx)
		if err != nil {
			return "", d.mapErr(err)
		}
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(d.chainID), key)
	if err != nil {
		return
	}

	err = d.client.SendTransaction(ctx, signedTx)
	if err != nil {
		return "", d.mapErr(err)
	}

	return signedTx.Hash().Hex(), nil
}

// tokenBalance calls balanceOf(escrow) on the token contract.
func (d *Driver) tokenBalance(ctx context.Context, addr common.Address) (raw *big.Int, err error) {
	contract := common.HexToAddress(d.cfg.TokenContract)

	data := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(addr.Bytes(), 32)...)
	res, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return
	}

	return new(big.Int).SetBytes(res), nil
}

func (d *Driver) gasLimit() uint64 {
	if d.cfg.GasLimit > 0 {
		return d.cfg.GasLimit
	}
	return 60000
}

// toBase converts a decimal amount to the chain's smallest unit, truncating.
func (d *Driver) toBase(amount decimal.Decimal) *big.Int {
	return amount.Shift(d.cfg.Precision).Truncate(0).BigInt()
}

// mapErr folds go-ethereum errors into the driver failure taxonomy.
func (d *Driver) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", chain.ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return fmt.Errorf("%w: %v", chain.ErrInsufficientFunds, err)
	}
	if strings.Contains(msg, "nonce") || strings.Contains(msg, "underpriced") || strings.Contains(msg, "rejected") {
		return fmt.Errorf("%w: %v", chain.ErrBroadcastRejected, err)
	}
	return fmt.Errorf("%w: %v", chain.ErrNetworkUnavailable, err)
}

var _ chain.Driver = (*Driver)(nil)
