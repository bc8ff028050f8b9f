package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	"github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/clock"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/observability/metrics"
	"github.com/smallbiznis/backoffice/pkg/db/pagination"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Authz    authorization.Service
	Billing  *config.BillingConfigHolder
	AuditSvc auditdomain.Service `optional:"true"`
	Clock    clock.Clock         `optional:"true"`
	Metrics  *metrics.Metrics    `optional:"true"`
	Cleaners []domain.Cleaner    `group:"bill.cleaners"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	authz    authorization.Service
	billing  *config.BillingConfigHolder
	auditSvc auditdomain.Service
	clock    clock.Clock
	metrics  *metrics.Metrics
	cleaners []domain.Cleaner
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("bill.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		authz:    p.Authz,
		billing:  p.Billing,
		auditSvc: p.AuditSvc,
		clock:    c,
		metrics:  p.Metrics,
		cleaners: p.Cleaners,
	}
}

func (s *Service) CreateBill(ctx context.Context, req domain.CreateBillRequest) (domain.Bill, error) {
	if err := s.authorize(ctx, req.CreatedBy, authorization.ActionBillCreate); err != nil {
		return domain.Bill{}, err
	}
	if req.SubjectID == 0 || req.Summary.SubjectID != req.SubjectID {
		return domain.Bill{}, domain.ErrInvalidSubject
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || req.PeriodEnd.Before(req.PeriodStart) {
		return domain.Bill{}, domain.ErrInvalidPeriod
	}

	minimum := s.billing.Get().MinimumAmount
	computed := req.Summary.TotalFee.Round(2)
	amount := computed
	if req.CustomAmount != nil {
		custom := req.CustomAmount.Round(2)
		if custom.LessThan(minimum) {
			return domain.Bill{}, errs.Validation(domain.ErrAmountBelowMinimum.Code,
				fmt.Sprintf("custom amount %s is below the minimum of %s", custom.StringFixed(2), minimum.StringFixed(2)))
		}
		if custom.GreaterThan(computed) {
			return domain.Bill{}, errs.Validation(domain.ErrAmountAboveComputed.Code,
				fmt.Sprintf("custom amount %s exceeds the activity total of %s", custom.StringFixed(2), computed.StringFixed(2)))
		}
		amount = custom
	}
	if amount.LessThan(minimum) {
		return domain.Bill{}, errs.Validation(domain.ErrAmountBelowMinimum.Code,
			fmt.Sprintf("activity total %s is below the minimum of %s", amount.StringFixed(2), minimum.StringFixed(2)))
	}

	now := s.clock.Now().UTC()
	bill := domain.Bill{
		ID:             s.genID.Generate(),
		SubjectID:      req.SubjectID,
		PeriodStart:    req.PeriodStart.UTC(),
		PeriodEnd:      req.PeriodEnd.UTC(),
		Amount:         amount,
		ComputedAmount: computed,
		Status:         domain.StatusDraft,
		CreditAmount:   decimal.Zero,
		DueDate:        s.dueDate(req.DueDate, now),
		Notes:          strings.TrimSpace(req.Notes),
		CreatedBy:      req.CreatedBy.ID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, &bill); err != nil {
		return domain.Bill{}, errs.Persistence("failed to create bill", err)
	}

	s.metrics.RecordBillCreated(ctx, req.CustomAmount != nil)
	s.audit(ctx, req.CreatedBy, "bill.created", bill.ID, map[string]any{
		"subject_id":      bill.SubjectID.String(),
		"amount":          bill.Amount.StringFixed(2),
		"computed_amount": bill.ComputedAmount.StringFixed(2),
		"custom_amount":   req.CustomAmount != nil,
	})
	return bill, nil
}

// UpdateStatus allows any transition. Each call is authorized once and
// audited with the from and to states.
func (s *Service) UpdateStatus(ctx context.Context, req domain.UpdateStatusRequest) (domain.Bill, error) {
	if !req.Status.Valid() {
		return domain.Bill{}, domain.ErrInvalidStatus
	}
	if err := s.authorize(ctx, req.RequestedBy, authorization.ActionBillUpdateStatus); err != nil {
		return domain.Bill{}, err
	}

	var (
		updated  domain.Bill
		previous domain.Status
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.load(ctx, tx, req.BillID)
		if err != nil {
			return err
		}
		previous = bill.Status
		expected := bill.Version

		bill.Status = req.Status
		if req.DueDate != nil {
			due := req.DueDate.UTC()
			bill.DueDate = &due
		}
		if req.Notes != nil {
			bill.Notes = strings.TrimSpace(*req.Notes)
		}
		if req.PaymentMethod != nil {
			bill.PaymentMethod = trimmed(req.PaymentMethod)
		}
		if req.PaymentReference != nil {
			bill.PaymentReference = trimmed(req.PaymentReference)
		}
		if req.PaymentDate != nil {
			paid := req.PaymentDate.UTC()
			bill.PaymentDate = &paid
		}
		now := s.clock.Now().UTC()
		if req.Status == domain.StatusPaid && bill.PaymentDate == nil {
			bill.PaymentDate = &now
		}
		bill.UpdatedAt = now

		if err := s.save(ctx, tx, bill, expected); err != nil {
			return err
		}
		updated = *bill
		return nil
	})
	if err != nil {
		return domain.Bill{}, err
	}

	hasPaymentFields := req.PaymentDate != nil || req.PaymentMethod != nil || req.PaymentReference != nil
	if hasPaymentFields && req.Status != domain.StatusPaid {
		s.log.Warn("payment details recorded on unpaid bill",
			zap.String("bill_id", updated.ID.String()),
			zap.String("status", string(updated.Status)),
		)
	}

	s.metrics.RecordBillTransition(ctx, string(previous), string(updated.Status))
	metadata := map[string]any{
		"from": string(previous),
		"to":   string(updated.Status),
	}
	if hasPaymentFields {
		metadata["payment_fields"] = true
		if updated.PaymentMethod != nil {
			metadata["payment_method"] = *updated.PaymentMethod
		}
		if updated.PaymentReference != nil {
			metadata["payment_reference"] = *updated.PaymentReference
		}
	}
	s.audit(ctx, req.RequestedBy, "bill.status_changed", updated.ID, metadata)
	return updated, nil
}

func (s *Service) UpdateDetails(ctx context.Context, req domain.UpdateDetailsRequest) (domain.Bill, error) {
	if req.DueDate == nil && req.Notes == nil {
		return domain.Bill{}, domain.ErrNothingToUpdate
	}
	if err := s.authorize(ctx, req.RequestedBy, authorization.ActionBillUpdate); err != nil {
		return domain.Bill{}, err
	}

	var updated domain.Bill
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.load(ctx, tx, req.BillID)
		if err != nil {
			return err
		}
		expected := bill.Version
		if req.DueDate != nil {
			due := req.DueDate.UTC()
			bill.DueDate = &due
		}
		if req.Notes != nil {
			bill.Notes = strings.TrimSpace(*req.Notes)
		}
		bill.UpdatedAt = s.clock.Now().UTC()

		if err := s.save(ctx, tx, bill, expected); err != nil {
			return err
		}
		updated = *bill
		return nil
	})
	if err != nil {
		return domain.Bill{}, err
	}

	s.audit(ctx, req.RequestedBy, "bill.updated", updated.ID, map[string]any{
		"due_date_changed": req.DueDate != nil,
		"notes_changed":    req.Notes != nil,
	})
	return updated, nil
}

func (s *Service) ApplyCredit(ctx context.Context, req domain.ApplyCreditRequest) (domain.Bill, error) {
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return domain.Bill{}, domain.ErrInvalidCreditAmount
	}
	if err := s.authorize(ctx, req.AppliedBy, authorization.ActionBillApplyCredit); err != nil {
		return domain.Bill{}, err
	}

	reason := strings.TrimSpace(req.Reason)
	now := s.clock.Now().UTC()
	noteLine := fmt.Sprintf("[%s] credit %s applied by %s", now.Format(time.DateOnly), amount.StringFixed(2), req.AppliedBy.ID)
	if reason != "" {
		noteLine += ": " + reason
	}

	var updated domain.Bill
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.AddCredit(ctx, tx, req.BillID, amount, noteLine, now)
		if err != nil {
			return errs.Persistence("failed to apply credit", err)
		}
		if rows == 0 {
			return domain.ErrBillNotFound
		}
		if err := s.repo.InsertCredit(ctx, tx, &domain.BillCredit{
			ID:        s.genID.Generate(),
			BillID:    req.BillID,
			Amount:    amount,
			Reason:    reason,
			AppliedBy: req.AppliedBy.ID,
			CreatedAt: now,
		}); err != nil {
			return errs.Persistence("failed to record credit", err)
		}
		bill, err := s.load(ctx, tx, req.BillID)
		if err != nil {
			return err
		}
		updated = *bill
		return nil
	})
	if err != nil {
		return domain.Bill{}, err
	}

	s.metrics.RecordCreditApplied(ctx)
	s.audit(ctx, req.AppliedBy, "bill.credit_applied", updated.ID, map[string]any{
		"amount":            amount.StringFixed(2),
		"reason":            reason,
		"cumulative_credit": updated.CreditAmount.StringFixed(2),
	})
	return updated, nil
}

func (s *Service) DeleteBill(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) error {
	if err := s.authorize(ctx, requestedBy, authorization.ActionBillDelete); err != nil {
		return err
	}

	var deleted domain.Bill
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.load(ctx, tx, billID)
		if err != nil {
			return err
		}
		deleted = *bill
		for _, cleaner := range s.cleaners {
			if err := cleaner.DeleteForBill(ctx, tx, billID); err != nil {
				return errs.Persistence("failed to delete bill dependents", err)
			}
		}
		rows, err := s.repo.Delete(ctx, tx, billID)
		if err != nil {
			return errs.Persistence("failed to delete bill", err)
		}
		if rows == 0 {
			return domain.ErrBillNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("bill deleted", zap.String("bill_id", billID.String()), zap.String("requested_by", requestedBy.ID))
	s.audit(ctx, requestedBy, "bill.deleted", billID, map[string]any{
		"subject_id": deleted.SubjectID.String(),
		"amount":     deleted.Amount.StringFixed(2),
		"status":     string(deleted.Status),
	})
	return nil
}

func (s *Service) GetBill(ctx context.Context, billID snowflake.ID) (domain.Bill, error) {
	bill, err := s.load(ctx, s.db, billID)
	if err != nil {
		return domain.Bill{}, err
	}
	return *bill, nil
}

func (s *Service) FindForPeriod(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (*domain.Bill, error) {
	bill, err := s.repo.FindBySubjectPeriod(ctx, s.db, subjectID, start, end)
	if err != nil {
		return nil, errs.Persistence("failed to load bill", err)
	}
	return bill, nil
}

func (s *Service) ListBills(ctx context.Context, req domain.ListBillsRequest) (domain.ListBillsResponse, error) {
	if req.Status != nil && !req.Status.Valid() {
		return domain.ListBillsResponse{}, domain.ErrInvalidStatus
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListBillsResponse{}, errs.Validation(pagination.ErrInvalidPageToken.Error(), "invalid page token")
	}
	var afterID *snowflake.ID
	if cursor != nil {
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListBillsResponse{}, errs.Validation(pagination.ErrInvalidPageToken.Error(), "invalid page token")
		}
		afterID = &id
	}

	limit := req.Limit()
	bills, err := s.repo.List(ctx, s.db, domain.ListFilter{
		SubjectID:  req.SubjectID,
		Status:     req.Status,
		PeriodFrom: req.PeriodFrom,
		PeriodTo:   req.PeriodTo,
		AfterID:    afterID,
		Limit:      limit,
	})
	if err != nil {
		return domain.ListBillsResponse{}, errs.Persistence("failed to list bills", err)
	}

	page, info := pagination.BuildCursorPageInfo(bills, limit, func(b domain.Bill) pagination.Cursor {
		return pagination.Cursor{ID: b.ID.String()}
	})
	return domain.ListBillsResponse{PageInfo: info, Bills: page}, nil
}

func (s *Service) ListCredits(ctx context.Context, billID snowflake.ID) ([]domain.BillCredit, error) {
	if _, err := s.load(ctx, s.db, billID); err != nil {
		return nil, err
	}
	credits, err := s.repo.ListCredits(ctx, s.db, billID)
	if err != nil {
		return nil, errs.Persistence("failed to list credits", err)
	}
	return credits, nil
}

func (s *Service) load(ctx context.Context, db *gorm.DB, billID snowflake.ID) (*domain.Bill, error) {
	if billID == 0 {
		return nil, domain.ErrBillNotFound
	}
	bill, err := s.repo.FindByIDForUpdate(ctx, db, billID)
	if err != nil {
		return nil, errs.Persistence("failed to load bill", err)
	}
	if bill == nil {
		return nil, domain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, bill *domain.Bill, expectedVersion int64) error {
	rows, err := s.repo.Update(ctx, tx, bill, expectedVersion)
	if err != nil {
		return errs.Persistence("failed to update bill", err)
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	bill.Version = expectedVersion + 1
	return nil
}

func (s *Service) authorize(ctx context.Context, actor actorcontext.Actor, action string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.ErrMissingActor
	}
	err := s.authz.Authorize(ctx, actor, authorization.ObjectBill, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, authorization.ErrInvalidActor):
		return domain.ErrForbidden
	default:
		return errs.Persistence("authorization unavailable", err)
	}
}

func (s *Service) dueDate(requested *time.Time, now time.Time) *time.Time {
	if requested != nil {
		due := requested.UTC()
		return &due
	}
	days := s.billing.Get().DefaultDueDays
	if days <= 0 {
		return nil
	}
	due := now.AddDate(0, 0, days)
	return &due
}

func (s *Service) audit(ctx context.Context, actor actorcontext.Actor, action string, billID snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType := actor.Type
	if actorType == "" {
		actorType = actorcontext.ActorTypeAdmin
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actor.ID,
		Action:     action,
		TargetType: "bill",
		TargetID:   billID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func trimmed(value *string) *string {
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	return &v
}
