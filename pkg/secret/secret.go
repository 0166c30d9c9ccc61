// Package secret is the escrow credential boundary. The settlement core only
// ever sees opaque wallet handles, signing material stays behind this store.
package secret

import "errors"

var (
	ErrNotFound    = errors.New("escrow credentials not found")
	ErrUnsupported = errors.New("asset family unsupported for key generation")
)

// Credentials is the signing material of one escrow wallet, valid for the
// duration of a single driver call.
type Credentials struct {
	Asset   string
	Address string
	PrivKey string // hex for evm, WIF for utxo
}

type Store interface {
	// GetEscrowCredentials resolves a wallet handle to signing material.
	GetEscrowCredentials(handle string) (Credentials, error)

	// Allocate creates a fresh escrow wallet for a new trade and returns its
	// handle. Wallet generation for families the store cannot generate keys
	// for returns ErrUnsupported, those handles are imported via Put.
	Allocate(asset string) (handle string, address string, err error)

	// Put imports externally generated credentials under a new handle.
	Put(handle string, creds Credentials) error
}
