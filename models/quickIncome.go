package models

import (
	"github.com/shopspring/decimal"
)

// QuickIncome is a one-off income line recorded outside a reservation
// (walk-in sale, tip, misc. receipt). It still counts toward treasury.
type QuickIncome struct {
	SyncMeta
	Label    string          `gorm:"size:255" json:"label"`
	ClientId string          `gorm:"index;size:64" json:"clientId"`
	Amount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Date     int64           `gorm:"index" json:"date"`
}

func (q *QuickIncome) Meta() *SyncMeta      { return &q.SyncMeta }
func (*QuickIncome) Collection() Collection { return CollectionQuickIncomes }
