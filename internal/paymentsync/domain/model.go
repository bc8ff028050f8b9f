package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RecordStatus string

const (
	RecordStatusPending       RecordStatus = "pending"
	RecordStatusDraft         RecordStatus = "draft"
	RecordStatusOpen          RecordStatus = "open"
	RecordStatusPaid          RecordStatus = "paid"
	RecordStatusVoid          RecordStatus = "void"
	RecordStatusUncollectible RecordStatus = "uncollectible"
)

// ParseRemoteStatus maps a processor invoice status onto a record status.
func ParseRemoteStatus(raw string) (RecordStatus, bool) {
	switch s := RecordStatus(raw); s {
	case RecordStatusDraft, RecordStatusOpen, RecordStatusPaid, RecordStatusVoid, RecordStatusUncollectible:
		return s, true
	default:
		return "", false
	}
}

// ExternalInvoiceRecord mirrors the remote invoice created for a bill. It is
// written with status pending before any processor call so a retry can find
// it by IdempotencyKey.
type ExternalInvoiceRecord struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	BillID           snowflake.ID    `gorm:"not null;uniqueIndex" json:"bill_id"`
	SubjectID        snowflake.ID    `gorm:"not null;index" json:"subject_id"`
	PeriodStart      time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd        time.Time       `gorm:"not null" json:"period_end"`
	IdempotencyKey   string          `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	RemoteCustomerID string          `gorm:"not null;default:''" json:"remote_customer_id"`
	RemoteInvoiceID  *string         `gorm:"uniqueIndex" json:"remote_invoice_id,omitempty"`
	HostedURL        string          `gorm:"not null;default:''" json:"hosted_url"`
	Status           RecordStatus    `gorm:"type:text;not null" json:"status"`
	AmountDue        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount_due"`
	AmountPaid       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount_paid"`
	Attempts         int             `gorm:"not null" json:"attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	SyncedAt         *time.Time      `json:"synced_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (ExternalInvoiceRecord) TableName() string { return "external_invoice_records" }

// Reusable reports whether a finalized, live remote invoice already covers
// the bill.
func (r ExternalInvoiceRecord) Reusable() bool {
	if r.RemoteInvoiceID == nil {
		return false
	}
	switch r.Status {
	case RecordStatusOpen, RecordStatusPaid, RecordStatusUncollectible:
		return true
	default:
		return false
	}
}

// WebhookEvent is the durable log of inbound processor events, unique by
// RemoteEventID.
type WebhookEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	RemoteEventID string         `gorm:"not null;uniqueIndex" json:"remote_event_id"`
	EventType     string         `gorm:"not null" json:"event_type"`
	ObjectID      string         `gorm:"not null;default:''" json:"object_id"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Processed     bool           `gorm:"not null" json:"processed"`
	Attempts      int            `gorm:"not null" json:"attempts"`
	LastError     *string        `json:"last_error,omitempty"`
	ReceivedAt    time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
