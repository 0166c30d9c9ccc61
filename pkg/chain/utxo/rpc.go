package utxo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"escrowd/pkg/chain"
)

const rpcTimeout = 15 * time.Second

// rpcClient is a minimal bitcoind JSON-RPC 1.0 client with basic auth.
type rpcClient struct {
	url  string
	user string
	pass string
	http *http.Client
}

func newRPCClient(url, user, pass string) *rpcClient {
	return &rpcClient{
		url:  url,
		user: user,
		pass: pass,
		http: &http.Client{Timeout: rpcTimeout},
	}
}

type rpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// bitcoind error codes that matter for the failure taxonomy
const (
	rpcWalletInsufficientFunds = -6
	rpcVerifyRejected          = -26
	rpcVerifyAlreadyInChain    = -27
)

func (c *rpcClient) call(ctx context.Context, method string, params []interface{}, result interface{}) (err error) {
	body, err := json.Marshal(rpcRequest{
		JsonRPC: "1.0",
		ID:      "escrowd",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", chain.ErrTimeout, method)
		}
		return fmt.Errorf("%w: %v", chain.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	err = json.NewDecoder(resp.Body).Decode(&rr)
	if err != nil {
		return fmt.Errorf("%w: bad rpc response: %v", chain.ErrNetworkUnavailable, err)
	}

	if rr.Error != nil {
		return mapRPCError(method, rr.Error)
	}
	if result == nil {
		return nil
	}

	return json.Unmarshal(rr.Result, result)
}

// errAlreadyInChain: the node already knows this transaction, so the rejected
// broadcast actually succeeded earlier. The caller resolves it as success.
var errAlreadyInChain = errors.New("transaction already in chain")

func mapRPCError(method string, e *rpcError) error {
	switch e.Code {
	case rpcWalletInsufficientFunds:
		return fmt.Errorf("%w: %s: %s", chain.ErrInsufficientFunds, method, e.Message)
	case rpcVerifyRejected:
		return fmt.Errorf("%w: %s: %s", chain.ErrBroadcastRejected, method, e.Message)
	case rpcVerifyAlreadyInChain:
		return fmt.Errorf("%w: %s: %s", errAlreadyInChain, method, e.Message)
	}
	return fmt.Errorf("rpc %s failed: code:%d msg:%s", method, e.Code, e.Message)
}
