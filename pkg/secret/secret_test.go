package secret_test

import (
	"strings"
	"testing"

	"escrowd/pkg/secret"

	"github.com/stretchr/testify/require"
)

func TestMemoryAllocate(t *testing.T) {
	s := secret.NewMemory()

	handle, address, err := s.Allocate("ETH")
	require.Nil(t, err)
	require.NotEmpty(t, handle)
	require.True(t, strings.HasPrefix(address, "0x"))
	require.Len(t, address, 42)

	creds, err := s.GetEscrowCredentials(handle)
	require.Nil(t, err)
	require.Equal(t, "ETH", creds.Asset)
	require.Equal(t, address, creds.Address)
	require.NotEmpty(t, creds.PrivKey)

	// each escrow gets its own wallet
	handle2, address2, err := s.Allocate("ETH")
	require.Nil(t, err)
	require.NotEqual(t, handle, handle2)
	require.NotEqual(t, address, address2)
}

func TestMemoryPutAndLookup(t *testing.T) {
	s := secret.NewMemory()

	err := s.Put("btc-cold-1", secret.Credentials{
		Asset:   "BTC",
		Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		PrivKey: "cVjzvdGy...",
	})
	require.Nil(t, err)

	creds, err := s.GetEscrowCredentials("btc-cold-1")
	require.Nil(t, err)
	require.Equal(t, "BTC", creds.Asset)

	_, err = s.GetEscrowCredentials("nope")
	require.ErrorIs(t, err, secret.ErrNotFound)
}
