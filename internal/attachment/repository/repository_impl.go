package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/backoffice/internal/attachment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, attachment *domain.Attachment) error {
	return db.WithContext(ctx).Create(attachment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (*domain.Attachment, error) {
	return first(db.WithContext(ctx).Where("bill_id = ? AND id = ?", billID, id))
}

func (r *repo) FindByDocumentID(ctx context.Context, db *gorm.DB, documentID string) (*domain.Attachment, error) {
	return first(db.WithContext(ctx).Where("document_id = ?", documentID))
}

func (r *repo) FindPrimary(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*domain.Attachment, error) {
	return first(db.WithContext(ctx).Where("bill_id = ? AND is_primary = ?", billID, true))
}

func (r *repo) ListByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Where("bill_id = ?", billID).
		Order("is_primary DESC, created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ClearPrimary(ctx context.Context, db *gorm.DB, billID, keepID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoice_attachments SET is_primary = ? WHERE bill_id = ? AND id <> ? AND is_primary = ?`,
		false, billID, keepID, true,
	).Error
}

func (r *repo) MarkPrimary(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoice_attachments SET is_primary = ? WHERE bill_id = ? AND id = ?`,
		true, billID, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM invoice_attachments WHERE bill_id = ? AND id = ?`, billID, id)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM invoice_attachments WHERE bill_id = ?`, billID).Error
}

func first(stmt *gorm.DB) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := stmt.Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attachment, nil
}
