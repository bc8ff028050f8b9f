package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertRecord(ctx context.Context, db *gorm.DB, record *ExternalInvoiceRecord) error
	UpdateRecord(ctx context.Context, db *gorm.DB, record *ExternalInvoiceRecord) error
	FindRecordByKey(ctx context.Context, db *gorm.DB, key string) (*ExternalInvoiceRecord, error)
	FindRecordByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*ExternalInvoiceRecord, error)
	FindRecordByRemoteInvoice(ctx context.Context, db *gorm.DB, remoteInvoiceID string) (*ExternalInvoiceRecord, error)
	DeleteRecordsForBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) error

	// InsertEventIfAbsent is a no-op when RemoteEventID already exists.
	InsertEventIfAbsent(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	FindEventByRemoteID(ctx context.Context, db *gorm.DB, remoteEventID string) (*WebhookEvent, error)
	// ClaimEvent counts an attempt on an unprocessed event and reports whether
	// it was claimed. Inside a transaction the row stays locked until commit,
	// so a concurrent delivery of the same event sees it processed.
	ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, at time.Time) error
	// MarkEventFailed counts the failed attempt; its claim was rolled back.
	MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error
	ListEvents(ctx context.Context, db *gorm.DB, processed *bool, limit int) ([]WebhookEvent, error)
}
