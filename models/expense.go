package models

import (
	"github.com/shopspring/decimal"
)

type Expense struct {
	SyncMeta
	Label    string          `gorm:"size:255;not null" json:"label"`
	Category string          `gorm:"size:100" json:"category"`
	Amount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Date     int64           `gorm:"index" json:"date"`
	Notes    string          `gorm:"type:text" json:"notes"`
}

func (e *Expense) Meta() *SyncMeta      { return &e.SyncMeta }
func (*Expense) Collection() Collection { return CollectionExpenses }
