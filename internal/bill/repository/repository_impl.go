package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/bill/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, bill *domain.Bill) error {
	return db.WithContext(ctx).Create(bill).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bill, error) {
	return first(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Bill, error) {
	stmt := db.WithContext(ctx).Where("id = ?", id)
	if supportsRowLocks(db) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return first(stmt)
}

func (r *repo) FindBySubjectPeriod(ctx context.Context, db *gorm.DB, subjectID snowflake.ID, start, end time.Time) (*domain.Bill, error) {
	return first(db.WithContext(ctx).
		Where("subject_id = ? AND period_start = ? AND period_end = ?", subjectID, start.UTC(), end.UTC()).
		Order("created_at DESC"))
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Bill, error) {
	stmt := db.WithContext(ctx).Model(&domain.Bill{})
	if filter.SubjectID != nil {
		stmt = stmt.Where("subject_id = ?", *filter.SubjectID)
	}
	if filter.Status != nil {
		stmt = stmt.Where("status = ?", string(*filter.Status))
	}
	if filter.PeriodFrom != nil {
		stmt = stmt.Where("period_start >= ?", filter.PeriodFrom.UTC())
	}
	if filter.PeriodTo != nil {
		stmt = stmt.Where("period_end <= ?", filter.PeriodTo.UTC())
	}
	if filter.AfterID != nil {
		stmt = stmt.Where("id < ?", *filter.AfterID)
	}
	stmt = stmt.Order("id DESC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var bills []domain.Bill
	if err := stmt.Find(&bills).Error; err != nil {
		return nil, err
	}
	return bills, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, bill *domain.Bill, expectedVersion int64) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE bills
		 SET status = ?, due_date = ?, notes = ?,
		     payment_method = ?, payment_reference = ?, payment_date = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(bill.Status),
		bill.DueDate,
		bill.Notes,
		bill.PaymentMethod,
		bill.PaymentReference,
		bill.PaymentDate,
		bill.UpdatedAt,
		bill.ID,
		expectedVersion,
	)
	return result.RowsAffected, result.Error
}

// AddCredit increments the running credit in one statement so concurrent
// applications never lose an update.
func (r *repo) AddCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, noteLine string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE bills
		 SET credit_amount = credit_amount + ?,
		     notes = CASE WHEN notes = '' THEN ? ELSE `+concat(db, "notes", "?")+` END,
		     version = version + 1, updated_at = ?
		 WHERE id = ?`,
		amount,
		noteLine,
		"\n"+noteLine,
		at,
		id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertCredit(ctx context.Context, db *gorm.DB, credit *domain.BillCredit) error {
	return db.WithContext(ctx).Create(credit).Error
}

func (r *repo) ListCredits(ctx context.Context, db *gorm.DB, billID snowflake.ID) ([]domain.BillCredit, error) {
	var credits []domain.BillCredit
	err := db.WithContext(ctx).
		Where("bill_id = ?", billID).
		Order("created_at ASC, id ASC").
		Find(&credits).Error
	return credits, err
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	if err := db.WithContext(ctx).Exec(`DELETE FROM bill_credits WHERE bill_id = ?`, id).Error; err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).Exec(`DELETE FROM bills WHERE id = ?`, id)
	return result.RowsAffected, result.Error
}

func first(stmt *gorm.DB) (*domain.Bill, error) {
	var bill domain.Bill
	err := stmt.Take(&bill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector.Name() != "sqlite"
}

func concat(db *gorm.DB, left, right string) string {
	if db.Dialector.Name() == "mysql" {
		return "CONCAT(" + left + ", " + right + ")"
	}
	return left + " || " + right
}
