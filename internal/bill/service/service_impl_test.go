package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	auditrepo "github.com/smallbiznis/backoffice/internal/audit/repository"
	auditservice "github.com/smallbiznis/backoffice/internal/audit/service"
	"github.com/smallbiznis/backoffice/internal/authorization"
	"github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/bill/repository"
	"github.com/smallbiznis/backoffice/internal/clock"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/testutil"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockAuthz struct {
	mock.Mock
}

func (m *mockAuthz) Authorize(ctx context.Context, actor actorcontext.Actor, object string, action string) error {
	return m.Called(ctx, actor, object, action).Error(0)
}

func allowAll() *mockAuthz {
	m := &mockAuthz{}
	m.On("Authorize", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return m
}

type recordingCleaner struct {
	calls []snowflake.ID
}

func (c *recordingCleaner) DeleteForBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) error {
	c.calls = append(c.calls, billID)
	return nil
}

// racingRepo bumps the stored version right before the guarded update, as a
// concurrent writer would.
type racingRepo struct {
	domain.Repository
}

func (r racingRepo) Update(ctx context.Context, db *gorm.DB, bill *domain.Bill, expectedVersion int64) (int64, error) {
	if err := db.Exec("UPDATE bills SET version = version + 1 WHERE id = ?", bill.ID).Error; err != nil {
		return 0, err
	}
	return r.Repository.Update(ctx, db, bill, expectedVersion)
}

// interleavedCreditRepo commits another credit on the same bill between the
// caller's read of the bill and its own increment.
type interleavedCreditRepo struct {
	domain.Repository
	other decimal.Decimal
}

func (r interleavedCreditRepo) AddCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, noteLine string, at time.Time) (int64, error) {
	if err := db.Exec("UPDATE bills SET credit_amount = credit_amount + ? WHERE id = ?", r.other, id).Error; err != nil {
		return 0, err
	}
	return r.Repository.AddCredit(ctx, db, id, amount, noteLine, at)
}

type fixture struct {
	svc     domain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
	cleaner *recordingCleaner
}

func newFixture(t *testing.T, authz authorization.Service, repo domain.Repository) fixture {
	t.Helper()
	db := testutil.OpenDB(t, &domain.Bill{}, &domain.BillCredit{}, &auditdomain.AuditLog{})
	node := testutil.Node(t)
	fc := clock.NewFakeClock(time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC))

	if repo == nil {
		repo = repository.Provide()
	}
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: fc,
	})
	cleaner := &recordingCleaner{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		Authz:    authz,
		Billing:  config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		AuditSvc: auditSvc,
		Clock:    fc,
		Cleaners: []domain.Cleaner{cleaner},
	})
	return fixture{svc: svc, db: db, clock: fc, cleaner: cleaner}
}

var (
	admin      = actorcontext.Actor{Type: actorcontext.ActorTypeAdmin, ID: "11", Role: authorization.RoleBillingAdmin}
	subject    = snowflake.ID(501)
	marchStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	marchEnd   = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
)

func marchSummary(total string) activitydomain.ActivitySummary {
	return activitydomain.ActivitySummary{
		SubjectID:         subject,
		PeriodStart:       marchStart,
		PeriodEnd:         marchEnd,
		EventCount:        15,
		StandardCount:     12,
		ManualReviewCount: 3,
		StandardFee:       decimal.RequireFromString("12.00"),
		ManualReviewFee:   decimal.RequireFromString("3.00"),
		TotalFee:          decimal.RequireFromString(total),
	}
}

func createMarchBill(t *testing.T, f fixture) domain.Bill {
	t.Helper()
	bill, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
		SubjectID:   subject,
		PeriodStart: marchStart,
		PeriodEnd:   marchEnd,
		Summary:     marchSummary("15.00"),
		CreatedBy:   admin,
	})
	require.NoError(t, err)
	return bill
}

func countBills(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.Bill{}).Count(&n).Error)
	return n
}

func TestCreateBillFromSummary(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	assert.Equal(t, "15.00", bill.Amount.StringFixed(2))
	assert.Equal(t, domain.StatusDraft, bill.Status)
	assert.True(t, bill.CreditAmount.IsZero())
	require.NotNil(t, bill.DueDate)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), *bill.DueDate)

	stored, err := f.svc.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, "15.00", stored.Amount.StringFixed(2))
	assert.Equal(t, "11", stored.CreatedBy)
}

func TestCreateBillCustomAmountBounds(t *testing.T) {
	cases := map[string]string{
		"below minimum":  "0.99",
		"above computed": "15.01",
	}
	for name, amount := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, allowAll(), nil)
			custom := decimal.RequireFromString(amount)
			_, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
				SubjectID:    subject,
				PeriodStart:  marchStart,
				PeriodEnd:    marchEnd,
				Summary:      marchSummary("15.00"),
				CustomAmount: &custom,
				CreatedBy:    admin,
			})
			assert.ErrorIs(t, err, errs.ErrValidation)
			assert.Zero(t, countBills(t, f.db))
		})
	}
}

func TestCreateBillCustomAmountWithinBounds(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	custom := decimal.RequireFromString("10.50")
	bill, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
		SubjectID:    subject,
		PeriodStart:  marchStart,
		PeriodEnd:    marchEnd,
		Summary:      marchSummary("15.00"),
		CustomAmount: &custom,
		CreatedBy:    admin,
	})
	require.NoError(t, err)
	assert.Equal(t, "10.50", bill.Amount.StringFixed(2))
	assert.Equal(t, "15.00", bill.ComputedAmount.StringFixed(2))
}

func TestCreateBillComputedBelowMinimum(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	_, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
		SubjectID:   subject,
		PeriodStart: marchStart,
		PeriodEnd:   marchEnd,
		Summary:     marchSummary("0.50"),
		CreatedBy:   admin,
	})
	assert.ErrorIs(t, err, domain.ErrAmountBelowMinimum)
	assert.Zero(t, countBills(t, f.db))
}

func TestCreateBillRejectsMismatchedSubject(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	_, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
		SubjectID:   subject + 1,
		PeriodStart: marchStart,
		PeriodEnd:   marchEnd,
		Summary:     marchSummary("15.00"),
		CreatedBy:   admin,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)
}

func TestCreateBillForbidden(t *testing.T) {
	authz := &mockAuthz{}
	authz.On("Authorize", mock.Anything, mock.Anything, authorization.ObjectBill, authorization.ActionBillCreate).
		Return(authorization.ErrForbidden)
	f := newFixture(t, authz, nil)

	_, err := f.svc.CreateBill(context.Background(), domain.CreateBillRequest{
		SubjectID:   subject,
		PeriodStart: marchStart,
		PeriodEnd:   marchEnd,
		Summary:     marchSummary("15.00"),
		CreatedBy:   admin,
	})
	assert.ErrorIs(t, err, errs.ErrSecurity)
}

func TestUpdateStatusToPaid(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	paidOn := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)
	method := "bank_transfer"
	updated, err := f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{
		BillID:        bill.ID,
		Status:        domain.StatusPaid,
		PaymentDate:   &paidOn,
		PaymentMethod: &method,
		RequestedBy:   admin,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, updated.Status)
	require.NotNil(t, updated.PaymentMethod)
	assert.Equal(t, "bank_transfer", *updated.PaymentMethod)
	assert.Equal(t, paidOn, *updated.PaymentDate)
	assert.Equal(t, int64(2), updated.Version)

	var transitions int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).Where("action = ?", "bill.status_changed").Count(&transitions).Error)
	assert.Equal(t, int64(1), transitions)
}

func TestUpdateStatusAnyToAny(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	for _, status := range []domain.Status{domain.StatusPaid, domain.StatusDraft, domain.StatusCancelled, domain.StatusSent} {
		updated, err := f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{
			BillID:      bill.ID,
			Status:      status,
			RequestedBy: admin,
		})
		require.NoError(t, err)
		assert.Equal(t, status, updated.Status)
	}

	var transitions int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).Where("action = ?", "bill.status_changed").Count(&transitions).Error)
	assert.Equal(t, int64(4), transitions)
}

func TestUpdateStatusValidation(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	_, err := f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{BillID: bill.ID, Status: "archived", RequestedBy: admin})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{BillID: 999, Status: domain.StatusSent, RequestedBy: admin})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{BillID: bill.ID, Status: domain.StatusSent})
	assert.ErrorIs(t, err, domain.ErrMissingActor)
}

func TestUpdateStatusVersionConflict(t *testing.T) {
	f := newFixture(t, allowAll(), racingRepo{Repository: repository.Provide()})
	bill := createMarchBill(t, f)

	_, err := f.svc.UpdateStatus(context.Background(), domain.UpdateStatusRequest{
		BillID:      bill.ID,
		Status:      domain.StatusSent,
		RequestedBy: admin,
	})
	assert.ErrorIs(t, err, errs.ErrConflict)

	stored, err := f.svc.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, stored.Status)
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	due := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	notes := "  net 30 agreed  "
	updated, err := f.svc.UpdateDetails(context.Background(), domain.UpdateDetailsRequest{
		BillID:      bill.ID,
		DueDate:     &due,
		Notes:       &notes,
		RequestedBy: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, "net 30 agreed", updated.Notes)
	assert.Equal(t, due, *updated.DueDate)
	assert.Equal(t, domain.StatusDraft, updated.Status)

	_, err = f.svc.UpdateDetails(context.Background(), domain.UpdateDetailsRequest{BillID: bill.ID, RequestedBy: admin})
	assert.ErrorIs(t, err, domain.ErrNothingToUpdate)
}

func TestApplyCreditAccumulates(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)
	ctx := context.Background()

	_, err := f.svc.ApplyCredit(ctx, domain.ApplyCreditRequest{BillID: bill.ID, Amount: decimal.RequireFromString("5.00"), Reason: "overpayment", AppliedBy: admin})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	updated, err := f.svc.ApplyCredit(ctx, domain.ApplyCreditRequest{BillID: bill.ID, Amount: decimal.RequireFromString("2.00"), Reason: "goodwill", AppliedBy: admin})
	require.NoError(t, err)

	assert.Equal(t, "7.00", updated.CreditAmount.StringFixed(2))
	assert.Equal(t, "8.00", updated.AmountDue().StringFixed(2))
	assert.Contains(t, updated.Notes, "overpayment")
	assert.Contains(t, updated.Notes, "goodwill")

	credits, err := f.svc.ListCredits(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, credits, 2)
	assert.Equal(t, "overpayment", credits[0].Reason)
	assert.Equal(t, "goodwill", credits[1].Reason)
}

func TestApplyCreditConcurrent(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	failures := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyCredit(ctx, domain.ApplyCreditRequest{
				BillID:    bill.ID,
				Amount:    decimal.RequireFromString("1.25"),
				Reason:    "goodwill",
				AppliedBy: admin,
			})
			failures <- err
		}()
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}

	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.CreditAmount.StringFixed(2))
	assert.Equal(t, bill.Version+writers, got.Version)

	credits, err := f.svc.ListCredits(ctx, bill.ID)
	require.NoError(t, err)
	assert.Len(t, credits, writers)
}

func TestApplyCreditKeepsInterleavedCredit(t *testing.T) {
	f := newFixture(t, allowAll(), interleavedCreditRepo{
		Repository: repository.Provide(),
		other:      decimal.RequireFromString("4.00"),
	})
	bill := createMarchBill(t, f)

	updated, err := f.svc.ApplyCredit(context.Background(), domain.ApplyCreditRequest{
		BillID:    bill.ID,
		Amount:    decimal.RequireFromString("5.00"),
		AppliedBy: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, "9.00", updated.CreditAmount.StringFixed(2))
}

func TestApplyCreditOnTerminalBill(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, domain.UpdateStatusRequest{BillID: bill.ID, Status: domain.StatusCancelled, RequestedBy: admin})
	require.NoError(t, err)

	updated, err := f.svc.ApplyCredit(ctx, domain.ApplyCreditRequest{BillID: bill.ID, Amount: decimal.RequireFromString("20.00"), AppliedBy: admin})
	require.NoError(t, err)
	assert.True(t, updated.AmountDue().IsZero())
}

func TestApplyCreditRejectsNonPositive(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	for _, amount := range []string{"0", "-1.00", "0.001"} {
		_, err := f.svc.ApplyCredit(context.Background(), domain.ApplyCreditRequest{
			BillID:    bill.ID,
			Amount:    decimal.RequireFromString(amount),
			AppliedBy: admin,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidCreditAmount, amount)
	}

	_, err := f.svc.ApplyCredit(context.Background(), domain.ApplyCreditRequest{BillID: 404, Amount: decimal.NewFromInt(1), AppliedBy: admin})
	assert.ErrorIs(t, err, domain.ErrBillNotFound)
}

func TestDeleteBill(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)
	ctx := context.Background()

	require.NoError(t, f.svc.DeleteBill(ctx, bill.ID, admin))
	assert.Equal(t, []snowflake.ID{bill.ID}, f.cleaner.calls)

	_, err := f.svc.GetBill(ctx, bill.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	err = f.svc.DeleteBill(ctx, bill.ID, admin)
	assert.ErrorIs(t, err, domain.ErrBillNotFound)
}

func TestListBillsPaginates(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createMarchBill(t, f)
	}

	req := domain.ListBillsRequest{SubjectID: &subject}
	req.PageSize = 2
	first, err := f.svc.ListBills(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.Bills, 2)
	assert.True(t, first.HasMore)

	req.PageToken = first.NextPageToken
	second, err := f.svc.ListBills(ctx, req)
	require.NoError(t, err)
	assert.Len(t, second.Bills, 1)
	assert.False(t, second.HasMore)

	paid := domain.StatusPaid
	none, err := f.svc.ListBills(ctx, domain.ListBillsRequest{Status: &paid})
	require.NoError(t, err)
	assert.Empty(t, none.Bills)
}

func TestFindForPeriod(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	bill := createMarchBill(t, f)

	found, err := f.svc.FindForPeriod(context.Background(), subject, marchStart, marchEnd)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, bill.ID, found.ID)

	missing, err := f.svc.FindForPeriod(context.Background(), subject, marchEnd, marchEnd)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
