package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"gorm.io/gorm"
)

type cleaner struct {
	repo domain.Repository
}

// NewCleaner removes external invoice records when their bill is deleted.
func NewCleaner(repo domain.Repository) billdomain.Cleaner {
	return &cleaner{repo: repo}
}

func (c *cleaner) DeleteForBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) error {
	return c.repo.DeleteRecordsForBill(ctx, tx, billID)
}
