package models

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Client struct {
	SyncMeta
	Name        string          `gorm:"size:255;not null" json:"name"`
	Phone       string          `gorm:"size:40" json:"phone"`
	Email       string          `gorm:"size:255" json:"email"`
	Notes       string          `gorm:"type:text" json:"notes"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"totalAmount"`
	AmountPaid  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amountPaid"`
}

func (c *Client) Meta() *SyncMeta      { return &c.SyncMeta }
func (*Client) Collection() Collection { return CollectionClients }

// RemainingBalance is what the client still owes.
func (c *Client) RemainingBalance() decimal.Decimal {
	return c.TotalAmount.Sub(c.AmountPaid)
}

// normalizeRead repairs the amountPaid <= totalAmount invariant at the mirror
// boundary. The UI enforces it on input but remote peers may not have; the
// core clamps and logs instead of rejecting or crashing.
func (c *Client) normalizeRead(logger *logrus.Logger) {
	if c.AmountPaid.GreaterThan(c.TotalAmount) {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"module":      "models",
				"clientId":    c.ID,
				"amountPaid":  c.AmountPaid.String(),
				"totalAmount": c.TotalAmount.String(),
			}).Warn("client amountPaid exceeds totalAmount; clamping on read")
		}
		c.AmountPaid = c.TotalAmount
	}
}
