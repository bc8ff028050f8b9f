package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, attachment *Attachment) error
	FindByID(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (*Attachment, error)
	FindByDocumentID(ctx context.Context, db *gorm.DB, documentID string) (*Attachment, error)
	FindPrimary(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*Attachment, error)
	ListByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]Attachment, error)
	// ClearPrimary unsets the flag on every attachment of the bill except keepID.
	ClearPrimary(ctx context.Context, db *gorm.DB, billID, keepID snowflake.ID) error
	MarkPrimary(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (int64, error)
	Delete(ctx context.Context, db *gorm.DB, billID, id snowflake.ID) (int64, error)
	DeleteByBill(ctx context.Context, db *gorm.DB, billID snowflake.ID) error
}
