package models

import (
	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCompleted ReservationStatus = "completed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	SyncMeta
	ClientId    string            `gorm:"index;size:64" json:"clientId"`
	StockItemId string            `gorm:"index;size:64" json:"stockItemId"`
	Status      ReservationStatus `gorm:"size:20;default:'pending'" json:"status"`
	Quantity    int               `gorm:"default:1" json:"quantity"`
	TotalAmount decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"totalAmount"`
	AmountPaid  decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"amountPaid"`
	Date        int64             `gorm:"index" json:"date"`
	Notes       string            `gorm:"type:text" json:"notes"`
}

func (r *Reservation) Meta() *SyncMeta      { return &r.SyncMeta }
func (*Reservation) Collection() Collection { return CollectionReservations }

// Active means the reservation still holds its stock item: a cancelled or
// tombstoned reservation no longer blocks stock deletion.
func (r *Reservation) Active() bool {
	return !r.IsDeleted && r.Status != ReservationStatusCancelled
}
