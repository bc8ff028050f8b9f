package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateBillRequest struct {
	SubjectID    snowflake.ID
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Summary      activitydomain.ActivitySummary
	CustomAmount *decimal.Decimal
	DueDate      *time.Time
	Notes        string
	CreatedBy    actorcontext.Actor
}

// UpdateStatusRequest overwrites only the fields that are set.
type UpdateStatusRequest struct {
	BillID           snowflake.ID
	Status           Status
	PaymentDate      *time.Time
	PaymentMethod    *string
	PaymentReference *string
	Notes            *string
	DueDate          *time.Time
	RequestedBy      actorcontext.Actor
}

type UpdateDetailsRequest struct {
	BillID      snowflake.ID
	DueDate     *time.Time
	Notes       *string
	RequestedBy actorcontext.Actor
}

type ApplyCreditRequest struct {
	BillID    snowflake.ID
	Amount    decimal.Decimal
	Reason    string
	AppliedBy actorcontext.Actor
}

type ListBillsRequest struct {
	pagination.Pagination
	SubjectID  *snowflake.ID
	Status     *Status
	PeriodFrom *time.Time
	PeriodTo   *time.Time
}

type ListBillsResponse struct {
	pagination.PageInfo
	Bills []Bill `json:"bills"`
}

type Service interface {
	CreateBill(ctx context.Context, req CreateBillRequest) (Bill, error)
	UpdateStatus(ctx context.Context, req UpdateStatusRequest) (Bill, error)
	UpdateDetails(ctx context.Context, req UpdateDetailsRequest) (Bill, error)
	ApplyCredit(ctx context.Context, req ApplyCreditRequest) (Bill, error)
	DeleteBill(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) error
	GetBill(ctx context.Context, billID snowflake.ID) (Bill, error)
	FindForPeriod(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (*Bill, error)
	ListBills(ctx context.Context, req ListBillsRequest) (ListBillsResponse, error)
	ListCredits(ctx context.Context, billID snowflake.ID) ([]BillCredit, error)
}

// Cleaner removes rows owned by other modules when a bill is deleted. It runs
// inside the delete transaction.
type Cleaner interface {
	DeleteForBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) error
}
