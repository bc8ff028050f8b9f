package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertRecord(ctx context.Context, db *gorm.DB, record *domain.ExternalInvoiceRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) UpdateRecord(ctx context.Context, db *gorm.DB, record *domain.ExternalInvoiceRecord) error {
	return db.WithContext(ctx).Exec(
		`UPDATE external_invoice_records
		 SET remote_customer_id = ?, remote_invoice_id = ?, hosted_url = ?, status = ?,
		     amount_due = ?, amount_paid = ?, attempts = ?, last_error = ?,
		     synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		record.RemoteCustomerID,
		record.RemoteInvoiceID,
		record.HostedURL,
		string(record.Status),
		record.AmountDue,
		record.AmountPaid,
		record.Attempts,
		record.LastError,
		record.SyncedAt,
		record.UpdatedAt,
		record.ID,
	).Error
}

func (r *repo) FindRecordByKey(ctx context.Context, db *gorm.DB, key string) (*domain.ExternalInvoiceRecord, error) {
	return firstRecord(db.WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *repo) FindRecordByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*domain.ExternalInvoiceRecord, error) {
	return firstRecord(db.WithContext(ctx).Where("bill_id = ?", billID))
}

func (r *repo) FindRecordByRemoteInvoice(ctx context.Context, db *gorm.DB, remoteInvoiceID string) (*domain.ExternalInvoiceRecord, error) {
	return firstRecord(db.WithContext(ctx).Where("remote_invoice_id = ?", remoteInvoiceID))
}

func (r *repo) DeleteRecordsForBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM external_invoice_records WHERE bill_id = ?`, billID).Error
}

func (r *repo) InsertEventIfAbsent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "remote_event_id"}},
			DoNothing: true,
		}).
		Create(event).Error
}

func (r *repo) FindEventByRemoteID(ctx context.Context, db *gorm.DB, remoteEventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Where("remote_event_id = ?", remoteEventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET attempts = attempts + 1 WHERE id = ? AND processed = ?`,
		id, false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed = ?, last_error = ?, processed_at = ? WHERE id = ?`,
		true, note, at, id,
	).Error
}

func (r *repo) MarkEventFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed = ?, last_error = ?, attempts = attempts + 1 WHERE id = ? AND processed = ?`,
		false, lastError, id, false,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, processed *bool, limit int) ([]domain.WebhookEvent, error) {
	stmt := db.WithContext(ctx).Model(&domain.WebhookEvent{})
	if processed != nil {
		stmt = stmt.Where("processed = ?", *processed)
	}
	stmt = stmt.Order("received_at DESC, id DESC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	var events []domain.WebhookEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func firstRecord(stmt *gorm.DB) (*domain.ExternalInvoiceRecord, error) {
	var record domain.ExternalInvoiceRecord
	err := stmt.Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
