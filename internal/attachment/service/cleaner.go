package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/backoffice/internal/attachment/domain"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"gorm.io/gorm"
)

type cleaner struct {
	repo domain.Repository
}

// NewCleaner removes a bill's attachments inside the bill delete transaction.
// Stored documents are left in place.
func NewCleaner(repo domain.Repository) billdomain.Cleaner {
	return &cleaner{repo: repo}
}

func (c *cleaner) DeleteForBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) error {
	return c.repo.DeleteByBill(ctx, tx, billID)
}
