package models

import (
	"github.com/shopspring/decimal"
)

type StockItem struct {
	SyncMeta
	Name              string           `gorm:"size:255;not null" json:"name"`
	Category          string           `gorm:"size:100" json:"category"`
	CurrentQuantity   int              `gorm:"default:0" json:"currentQuantity"`
	LowStockThreshold int              `gorm:"default:0" json:"lowStockThreshold"`
	IsForSale         bool             `gorm:"default:false" json:"isForSale"`
	Price             *decimal.Decimal `gorm:"type:decimal(20,4)" json:"price,omitempty"`
	PurchasePrice     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"purchasePrice,omitempty"`
}

func (s *StockItem) Meta() *SyncMeta      { return &s.SyncMeta }
func (*StockItem) Collection() Collection { return CollectionStockItems }

func (s *StockItem) LowStock() bool {
	return s.LowStockThreshold > 0 && s.CurrentQuantity <= s.LowStockThreshold
}
