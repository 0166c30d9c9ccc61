// Package utxo is the payout driver for UTXO-style chains (BTC and its
// relatives), speaking bitcoind-compatible JSON-RPC.
//
// Fee policy is a fixed network fee from config. When the swept inputs exceed
// the requested outputs plus fee, the remainder is added to the LAST output
// instead of creating a change output, so no dust is left in escrow.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowd/pkg/chain"
	"escrowd/pkg/config"
	"escrowd/pkg/secret"
	"escrowd/pkg/xlog"

	"github.com/shopspring/decimal"
)

var logger = xlog.GetLogger()

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

type Driver struct {
	asset    string
	cfg      config.Chain
	fixedFee decimal.Decimal
	rpc      *rpcClient
	secrets  secret.Store
}

func New(asset string, cfg config.Chain, secrets secret.Store) (d *Driver, err error) {
	fee := decimal.Zero
	if cfg.FixedFee != "" {
		fee, err = decimal.NewFromString(cfg.FixedFee)
		if err != nil {
			return nil, fmt.Errorf("bad fixed_fee for %s: %w", asset, err)
		}
	}

	d = &Driver{
		asset:    strings.ToUpper(asset),
		cfg:      cfg,
		fixedFee: fee,
		rpc:      newRPCClient(cfg.RpcUrl, cfg.RpcUser, cfg.RpcPass),
		secrets:  secrets,
	}
	return
}

func (d *Driver) Asset() string {
	return d.asset
}

// Atomic is true: the whole plan is one transaction, it lands whole or not
// at all.
func (d *Driver) Atomic() bool {
	return true
}

// ValidateAddress is format-only: legacy base58 addresses, 26-35 chars,
// version prefix 1 or 3. Anything ambiguous is rejected.
func (d *Driver) ValidateAddress(address string) bool {
	if len(address) < 26 || len(address) > 35 {
		return false
	}
	if address[0] != '1' && address[0] != '3' {
		return false
	}
	for _, c := range address {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}

// EstimateFee is the configured fixed network fee.
func (d *Driver) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return d.fixedFee, nil
}

type unspent struct {
	TxID      string          `json:"txid"`
	Vout      uint32          `json:"vout"`
	Amount    decimal.Decimal `json:"amount"`
	Spendable bool            `json:"spendable"`
}

func (d *Driver) SpendableBalance(ctx context.Context, escrowHandle string) (bal decimal.Decimal, err error) {
	creds, err := d.secrets.GetEscrowCredentials(escrowHandle)
	if err != nil {
		return
	}

	utxos, err := d.listUnspent(ctx, creds.Address)
	if err != nil {
		return decimal.Zero, err
	}

	for _, u := range utxos {
		bal = bal.Add(u.Amount)
	}
	return
}

// BuildAndBroadcast sweeps every unspent output of the escrow address into a
// single transaction paying the requested outputs.
func (d *Driver) BuildAndBroadcast(ctx context.Context, escrowHandle string, outputs []chain.Output) (txid string, err error) {
	defer func() {
		if err != nil {
			logger.Errorf("utxo(%s) BuildAndBroadcast escrow:%s failed with err:%s", d.asset, escrowHandle, err)
		} else {
			logger.Infof("utxo(%s) BuildAndBroadcast escrow:%s done, txid:%s", d.asset, escrowHandle, txid)
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

	utxos, err := d.listUnspent(ctx, creds.Address)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: escrow %s has no unspent outputs", chain.ErrInsufficientFunds, creds.Address)
	}

	total := decimal.Zero
	inputs := make([]map[string]interface{}, 0, len(utxos))
	for _, u := range utxos {
		total = total.Add(u.Amount)
		inputs = append(inputs, map[string]interface{}{"txid": u.TxID, "vout": u.Vout})
	}

	want := decimal.Zero
	for _, out := range outputs {
		want = want.Add(out.Amount)
	}

	remainder := total.Sub(want).Sub(d.fixedFee)
	if remainder.IsNegative() {
		return "", fmt.Errorf("%w: have %s, need %s plus fee %s",
			chain.ErrInsufficientFunds, total, want, d.fixedFee)
	}

	// positive remainder goes to the last output, never back to escrow
	outMap := map[string]string{}
	for i, out := range outputs {
		amount := out.Amount
		if i == len(outputs)-1 {
			amount = amount.Add(remainder)
		}
		if prev, ok := outMap[out.Dest]; ok {
			// same destination twice folds into one output
			p, _ := decimal.NewFromString(prev)
			amount = amount.Add(p)
		}
		outMap[out.Dest] = amount.Truncate(d.precision()).String()
	}

	var rawTx string
	err = d.rpc.call(ctx, "createrawtransaction", []interface{}{inputs, outMap}, &rawTx)
	if err != nil {
		return "", err
	}

	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	err = d.rpc.call(ctx, "signrawtransactionwithkey", []interface{}{rawTx, []string{creds.PrivKey}}, &signed)
	if err != nil {
		return "", err
	}
	if !signed.Complete {
		return "", fmt.Errorf("%w: incomplete signature", chain.ErrBroadcastRejected)
	}

	err = d.rpc.call(ctx, "sendrawtransaction", []interface{}{signed.Hex}, &txid)
	if errors.Is(err, errAlreadyInChain) {
		// an earlier broadcast of this sweep landed, recover its txid
		var decoded struct {
			TxID string `json:"txid"`
		}
		err = d.rpc.call(ctx, "decoderawtransaction", []interface{}{signed.Hex}, &decoded)
		if err != nil {
			return "", err
		}
		return decoded.TxID, nil
	}
	if err != nil {
		return "", err
	}

	return
}

func (d *Driver) AwaitConfirmation(ctx context.Context, txid string, minConf int) (chain.ConfState, error) {
	var res struct {
		Confirmations int64 `json:"confirmations"`
	}
	err := d.rpc.call(ctx, "gettransaction", []interface{}{txid}, &res)
	if err != nil {
		if chain.Retryable(err) {
			return chain.ConfPending, err
		}
		// unknown txid: either still propagating or dropped, keep polling
		return chain.ConfPending, nil
	}

	if res.Confirmations < 0 {
		// conflicted, a competing spend confirmed instead
		return chain.ConfFailed, nil
	}
	if res.Confirmations >= int64(minConf) {
		return chain.ConfConfirmed, nil
	}
	return chain.ConfPending, nil
}

func (d *Driver) listUnspent(ctx context.Context, address string) (utxos []unspent, err error) {
	var all []unspent
	err = d.rpc.call(ctx, "listunspent", []interface{}{1, 9999999, []string{address}}, &all)
	if err != nil {
		return nil, err
	}

	for _, u := range all {
		if u.Spendable {
			utxos = append(utxos, u)
		}
	}
	return
}

func (d *Driver) precision() int32 {
	if d.cfg.Precision > 0 {
		return d.cfg.Precision
	}
	return 8
}

var _ chain.Driver = (*Driver)(nil)
