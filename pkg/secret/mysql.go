package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"escrowd/pkg/config"
	"escrowd/pkg/model"
	"escrowd/pkg/xlog"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var logger = xlog.GetLogger()

// MySQL stores AES-GCM sealed escrow keys in the escrow_keys table.
type MySQL struct {
	db  *gorm.DB
	key []byte
}

func NewMySQL(db *gorm.DB, aesKeyHex string) (s *MySQL, err error) {
	key, err := hex.DecodeString(aesKeyHex)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.New("aes key must be 32 bytes")
	}

	return &MySQL{db: db, key: key}, nil
}

func (s *MySQL) GetEscrowCredentials(handle string) (creds Credentials, err error) {
	var row model.EscrowKey
	err = s.db.Model(model.EscrowKey{}).Where("`handle` = ?", handle).Limit(1).Find(&row).Error
	if err != nil {
		return
	}
	if row.ID == 0 {
		err = ErrNotFound
		return
	}

	priv, err := s.open(row.SealedKey)
	if err != nil {
		logger.Errorf("secret open handle:%s failed with err:%s", handle, err)
		return
	}

	creds = Credentials{
		Asset:   row.Asset,
		Address: row.Address,
		PrivKey: string(priv),
	}
	return
}

// Allocate generates a wallet for evm-family assets. utxo wallets are
// generated by the external wallet tool and imported via Put.
func (s *MySQL) Allocate(asset string) (handle string, address string, err error) {
	asset = strings.ToUpper(asset)
	cc, ok := config.Shared.Chains[asset]
	if !ok || cc.Family != "evm" {
		err = ErrUnsupported
		return
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return
	}

	address = crypto.PubkeyToAddress(key.PublicKey).Hex()
	handle = uuid.New().String()

	err = s.Put(handle, Credentials{
		Asset:   asset,
		Address: address,
		PrivKey: hex.EncodeToString(crypto.FromECDSA(key)),
	})
	if err != nil {
		return "", "", err
	}

	return
}

func (s *MySQL) Put(handle string, creds Credentials) (err error) {
	sealed, err := s.seal([]byte(creds.PrivKey))
	if err != nil {
		return
	}

	return s.db.Create(&model.EscrowKey{
		Handle:    handle,
		Asset:     strings.ToUpper(creds.Asset),
		Address:   creds.Address,
		SealedKey: sealed,
	}).Error
}

func (s *MySQL) seal(plain []byte) (out []byte, err error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return
	}

	nonce := make([]byte, gcm.NonceSize())
	_, err = io.ReadFull(rand.Reader, nonce)
	if err != nil {
		return
	}

	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *MySQL) open(sealed []byte) (plain []byte, err error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed key too short")
	}

	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}

var _ Store = (*MySQL)(nil)
