package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusOverdue   Status = "overdue"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// ParseStatus normalizes raw input into a known status.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusOverdue, StatusPaid, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports settled states. Terminal bills still accept credits and
// note edits, and admins may move them again through UpdateStatus.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type Bill struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	SubjectID        snowflake.ID    `gorm:"not null;index" json:"subject_id"`
	PeriodStart      time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd        time.Time       `gorm:"not null" json:"period_end"`
	Amount           decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	ComputedAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"computed_amount"`
	Status           Status          `gorm:"type:text;not null" json:"status"`
	CreditAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"credit_amount"`
	DueDate          *time.Time      `json:"due_date,omitempty"`
	Notes            string          `gorm:"not null;default:''" json:"notes"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	PaymentDate      *time.Time      `json:"payment_date,omitempty"`
	CreatedBy        string          `gorm:"not null" json:"created_by"`
	Version          int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (Bill) TableName() string { return "bills" }

// AmountDue is the amount left after credits, never negative.
func (b Bill) AmountDue() decimal.Decimal {
	due := b.Amount.Sub(b.CreditAmount)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}

// BillCredit is one append-only credit application.
type BillCredit struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	BillID    snowflake.ID    `gorm:"not null;index" json:"bill_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Reason    string          `gorm:"not null;default:''" json:"reason"`
	AppliedBy string          `gorm:"not null" json:"applied_by"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
}

func (BillCredit) TableName() string { return "bill_credits" }
