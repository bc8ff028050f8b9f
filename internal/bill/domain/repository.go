package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ListFilter struct {
	SubjectID  *snowflake.ID
	Status     *Status
	PeriodFrom *time.Time
	PeriodTo   *time.Time
	AfterID    *snowflake.ID
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, bill *Bill) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bill, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bill, error)
	FindBySubjectPeriod(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, start, end time.Time) (*Bill, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Bill, error)
	// Update writes the mutable columns when the stored version still matches.
	Update(ctx context.Context, db *gorm.DB, bill *Bill, expectedVersion int64) (int64, error)
	AddCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, noteLine string, at time.Time) (int64, error)
	InsertCredit(ctx context.Context, db *gorm.DB, credit *BillCredit) error
	ListCredits(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]BillCredit, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
}
