package model

// EscrowKey model, one sealed signing key per escrow wallet handle.
// The key column holds AES-GCM ciphertext, never plaintext material.
type EscrowKey struct {
	ID int64 `json:"id" gorm:"omitempty; primaryKey;"`

	Handle  string `json:"handle" gorm:"omitempty; not null; default:''; type:varchar(64); unique;"`
	Asset   string `json:"asset" gorm:"omitempty; not null; default:''; type:varchar(8);"`
	Address string `json:"address" gorm:"omitempty; not null; default:''; type:varchar(128);"`
	SealedKey []byte `json:"-" gorm:"omitempty; type:varbinary(512);"`

	Model
}
