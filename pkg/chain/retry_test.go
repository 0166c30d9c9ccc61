package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowd/pkg/chain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFailureTaxonomy(t *testing.T) {
	require.True(t, chain.Retryable(chain.ErrNetworkUnavailable))
	require.True(t, chain.Retryable(chain.ErrBroadcastRejected))
	require.True(t, chain.Retryable(chain.ErrTimeout))
	require.False(t, chain.Retryable(chain.ErrInsufficientFunds))
	require.False(t, chain.Retryable(chain.ErrAddressInvalid))

	require.True(t, chain.Fatal(chain.ErrInsufficientFunds))
	require.True(t, chain.Fatal(chain.ErrAddressInvalid))
	require.False(t, chain.Fatal(chain.ErrNetworkUnavailable))

	// wrapped errors keep their class
	wrapped := chain.ErrTimeout
	require.True(t, chain.Retryable(errors.Join(errors.New("rpc: eth_sendRawTransaction"), wrapped)))
}

func TestRetryPolicyBounds(t *testing.T) {
	p := chain.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return chain.ErrNetworkUnavailable
	})
	require.ErrorIs(t, err, chain.ErrNetworkUnavailable)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnFatal(t *testing.T) {
	p := chain.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return chain.ErrInsufficientFunds
	})
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	require.Equal(t, 1, calls)
}

func TestRetryPolicySucceedsMidway(t *testing.T) {
	p := chain.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return chain.ErrTimeout
		}
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	p := chain.RetryPolicy{Attempts: 10, Delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return chain.ErrNetworkUnavailable
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

type stubDriver struct{ asset string }

func (d *stubDriver) Asset() string                 { return d.asset }
func (d *stubDriver) ValidateAddress(a string) bool { return true }
func (d *stubDriver) Atomic() bool                  { return true }
func (d *stubDriver) SpendableBalance(ctx context.Context, h string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (d *stubDriver) EstimateFee(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (d *stubDriver) BuildAndBroadcast(ctx context.Context, h string, o []chain.Output) (string, error) {
	return "", nil
}
func (d *stubDriver) AwaitConfirmation(ctx context.Context, txid string, minConf int) (chain.ConfState, error) {
	return chain.ConfPending, nil
}

func TestRegistry(t *testing.T) {
	r := chain.NewRegistry()
	r.Register(&stubDriver{asset: "btc"})

	// lookup is case-insensitive
	d, err := r.Get("BTC")
	require.Nil(t, err)
	require.Equal(t, "btc", d.Asset())

	_, err = r.Get("DOGE")
	require.ErrorIs(t, err, chain.ErrNoDriver)

	require.Equal(t, []string{"BTC"}, r.Assets())
}
