package secret

import (
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Memory keeps credentials in a map, for tests and local development.
type Memory struct {
	mu    sync.Mutex
	creds map[string]Credentials
}

func NewMemory() *Memory {
	return &Memory{creds: map[string]Credentials{}}
}

func (s *Memory) GetEscrowCredentials(handle string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, ok := s.creds[handle]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return creds, nil
}

func (s *Memory) Allocate(asset string) (handle string, address string, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return
	}

	handle = uuid.New().String()
	address = crypto.PubkeyToAddress(key.PublicKey).Hex()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[handle] = Credentials{
		Asset:   asset,
		Address: address,
		PrivKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}
	return
}

func (s *Memory) Put(handle string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[handle] = creds
	return nil
}

var _ Store = (*Memory)(nil)
