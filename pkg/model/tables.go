package model

import (
	"strings"

	"gorm.io/gorm"
)

// TradeLogTable generates different table names based on the asset
func TradeLogTable(asset string) func(tx *gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Table(strings.ToLower(asset + "_trade_logs"))
	}
}
