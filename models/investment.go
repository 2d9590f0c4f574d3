package models

import (
	"github.com/shopspring/decimal"
)

type Investment struct {
	SyncMeta
	Label         string          `gorm:"size:255;not null" json:"label"`
	InitialAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"initialAmount"`
	Date          int64           `gorm:"index" json:"date"`
	Notes         string          `gorm:"type:text" json:"notes"`
}

func (i *Investment) Meta() *SyncMeta      { return &i.SyncMeta }
func (*Investment) Collection() Collection { return CollectionInvestments }
