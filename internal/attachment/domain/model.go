package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeGenerated      Type = "generated"
	TypePaymentReceipt Type = "payment_receipt"
	TypeCreditNote     Type = "credit_note"
)

func ParseType(raw string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

func (t Type) Valid() bool {
	switch t {
	case TypeGenerated, TypePaymentReceipt, TypeCreditNote:
		return true
	default:
		return false
	}
}

// Attachment links one stored document to one bill. Only IsPrimary changes
// after creation.
type Attachment struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	BillID        snowflake.ID    `gorm:"not null;index" json:"bill_id"`
	DocumentID    string          `gorm:"not null;uniqueIndex" json:"document_id"`
	Type          Type            `gorm:"type:text;not null" json:"type"`
	InvoiceNumber string          `gorm:"not null;default:''" json:"invoice_number"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	IsPrimary     bool            `gorm:"not null" json:"is_primary"`
	FileName      string          `gorm:"not null;default:''" json:"file_name"`
	ContentType   string          `gorm:"not null;default:''" json:"content_type"`
	CreatedBy     string          `gorm:"not null" json:"created_by"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
}

func (Attachment) TableName() string { return "invoice_attachments" }
