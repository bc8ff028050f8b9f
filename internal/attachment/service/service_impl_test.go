package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/attachment/domain"
	"github.com/smallbiznis/backoffice/internal/attachment/repository"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	billrepo "github.com/smallbiznis/backoffice/internal/bill/repository"
	"github.com/smallbiznis/backoffice/internal/clock"
	"github.com/smallbiznis/backoffice/internal/document"
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

type mockActivity struct {
	mock.Mock
}

func (m *mockActivity) ComputeActivity(ctx context.Context, req activitydomain.ComputeRequest) ([]activitydomain.ActivitySummary, error) {
	args := m.Called(ctx, req)
	return args.Get(0).([]activitydomain.ActivitySummary), args.Error(1)
}

func (m *mockActivity) SubjectActivity(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (activitydomain.ActivitySummary, bool, error) {
	args := m.Called(ctx, subjectID, start, end)
	return args.Get(0).(activitydomain.ActivitySummary), args.Bool(1), args.Error(2)
}

var admin = actorcontext.Actor{Type: actorcontext.ActorTypeAdmin, ID: "7", Role: authorization.RoleBillingAdmin}

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	store    *document.MemoryStore
	node     *snowflake.Node
	activity *mockActivity
}

// staleLookupRepo returns no row for the next misses document lookups, as
// a check that ran before a concurrent link committed would.
type staleLookupRepo struct {
	domain.Repository
	misses int
}

func (r *staleLookupRepo) FindByDocumentID(ctx context.Context, db *gorm.DB, documentID string) (*domain.Attachment, error) {
	if r.misses > 0 {
		r.misses--
		return nil, nil
	}
	return r.Repository.FindByDocumentID(ctx, db, documentID)
}

func newFixture(t *testing.T, authzErr error) fixture {
	t.Helper()
	return newFixtureWithRepo(t, authzErr, repository.Provide())
}

func newFixtureWithRepo(t *testing.T, authzErr error, repo domain.Repository) fixture {
	t.Helper()
	db := testutil.OpenDB(t, &billdomain.Bill{}, &domain.Attachment{})
	node := testutil.Node(t)

	authz := &mockAuthz{}
	authz.On("Authorize", mock.Anything, mock.Anything, authorization.ObjectAttachment, mock.Anything).Return(authzErr)
	activity := &mockActivity{}
	store := document.NewMemoryStore()

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		Bills:    billrepo.Provide(),
		Store:    store,
		Authz:    authz,
		Activity: activity,
		Clock:    clock.NewFakeClock(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)),
	})
	return fixture{svc: svc, db: db, store: store, node: node, activity: activity}
}

func (f fixture) seedBill(t *testing.T, status billdomain.Status) billdomain.Bill {
	t.Helper()
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	bill := billdomain.Bill{
		ID:             f.node.Generate(),
		SubjectID:      snowflake.ID(900),
		PeriodStart:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		Amount:         decimal.RequireFromString("15.00"),
		ComputedAmount: decimal.RequireFromString("15.00"),
		Status:         status,
		CreatedBy:      "7",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.db.Create(&bill).Error)
	return bill
}

func upload(name string, primary bool, billID snowflake.ID) domain.AttachUploadRequest {
	return domain.AttachUploadRequest{
		BillID:    billID,
		File:      domain.File{Name: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4 " + name)},
		Type:      domain.TypeGenerated,
		IsPrimary: primary,
		CreatedBy: admin,
	}
}

func primaries(t *testing.T, f fixture, billID snowflake.ID) []domain.Attachment {
	t.Helper()
	all, err := f.svc.ListForBill(context.Background(), billID)
	require.NoError(t, err)
	var out []domain.Attachment
	for _, a := range all {
		if a.IsPrimary {
			out = append(out, a)
		}
	}
	return out
}

func TestAttachUploadedDocument(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)

	attachment, err := f.svc.AttachUploadedDocument(context.Background(), upload("Invoice March 2025.pdf", true, bill.ID))
	require.NoError(t, err)

	assert.Equal(t, "invoice-march-2025", attachment.InvoiceNumber)
	assert.Equal(t, "15.00", attachment.Amount.StringFixed(2))
	assert.True(t, attachment.IsPrimary)
	assert.Equal(t, domain.TypeGenerated, attachment.Type)

	meta, ok := f.store.Metadata(attachment.DocumentID)
	require.True(t, ok)
	assert.Equal(t, bill.ID.String(), meta.BillID)
}

func TestAttachKeepsExplicitNumberAndAmount(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)

	req := upload("scan.pdf", false, bill.ID)
	req.InvoiceNumber = "  CN-0042 "
	req.Type = domain.TypeCreditNote
	amount := decimal.RequireFromString("4.50")
	req.Amount = &amount

	attachment, err := f.svc.AttachUploadedDocument(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "CN-0042", attachment.InvoiceNumber)
	assert.Equal(t, "4.50", attachment.Amount.StringFixed(2))
	assert.False(t, attachment.IsPrimary)
}

func TestAttachRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	empty := upload("a.pdf", false, bill.ID)
	empty.File.Data = nil
	_, err := f.svc.AttachUploadedDocument(ctx, empty)
	assert.ErrorIs(t, err, domain.ErrEmptyFile)

	badType := upload("a.pdf", false, bill.ID)
	badType.Type = "quote"
	_, err = f.svc.AttachUploadedDocument(ctx, badType)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.AttachUploadedDocument(ctx, upload("a.pdf", false, 12345))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.Zero(t, f.store.Len())
}

func TestNewPrimaryClearsSiblings(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	first, err := f.svc.AttachUploadedDocument(ctx, upload("first.pdf", true, bill.ID))
	require.NoError(t, err)
	_, err = f.svc.AttachUploadedDocument(ctx, upload("receipt.pdf", false, bill.ID))
	require.NoError(t, err)

	got := primaries(t, f, bill.ID)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)

	second, err := f.svc.AttachUploadedDocument(ctx, upload("second.pdf", true, bill.ID))
	require.NoError(t, err)

	got = primaries(t, f, bill.ID)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	primary, err := f.svc.Primary(ctx, bill.ID)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, second.ID, primary.ID)
}

func TestAtMostOnePrimaryAfterMixedSequence(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		primary := i%3 != 1
		if i%2 == 0 {
			_, err := f.svc.AttachUploadedDocument(ctx, upload(fmt.Sprintf("doc-%d.pdf", i), primary, bill.ID))
			require.NoError(t, err)
			continue
		}
		id, err := f.store.Store(ctx, []byte("external"), document.Metadata{})
		require.NoError(t, err)
		_, err = f.svc.LinkExistingDocument(ctx, domain.LinkDocumentRequest{
			BillID:     bill.ID,
			DocumentID: id,
			Type:       domain.TypePaymentReceipt,
			IsPrimary:  primary,
			CreatedBy:  admin,
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(primaries(t, f, bill.ID)), 1)
	}
	assert.Len(t, primaries(t, f, bill.ID), 1)
}

func TestLinkExistingDocument(t *testing.T) {
	f := newFixture(t, nil)
	billA := f.seedBill(t, billdomain.StatusDraft)
	billB := f.seedBill(t, billdomain.StatusSent)
	ctx := context.Background()

	docID, err := f.store.Store(ctx, []byte("pdf"), document.Metadata{FileName: "external.pdf"})
	require.NoError(t, err)

	link := domain.LinkDocumentRequest{BillID: billA.ID, DocumentID: docID, Type: domain.TypeGenerated, FileName: "external.pdf", CreatedBy: admin}
	attachment, err := f.svc.LinkExistingDocument(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, "external", attachment.InvoiceNumber)

	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, domain.ErrDuplicateLink)
	assert.ErrorIs(t, err, errs.ErrConflict)

	link.BillID = billB.ID
	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, domain.ErrDocumentAlreadyLinked)

	link.DocumentID = "doc_01JMISSING"
	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	link.DocumentID = "../escape"
	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, domain.ErrInvalidDocument)
}

func TestLinkExistingDocumentLostRace(t *testing.T) {
	repo := &staleLookupRepo{Repository: repository.Provide()}
	f := newFixtureWithRepo(t, nil, repo)
	billA := f.seedBill(t, billdomain.StatusDraft)
	billB := f.seedBill(t, billdomain.StatusSent)
	ctx := context.Background()

	docID, err := f.store.Store(ctx, []byte("pdf"), document.Metadata{FileName: "external.pdf"})
	require.NoError(t, err)
	link := domain.LinkDocumentRequest{BillID: billA.ID, DocumentID: docID, Type: domain.TypeGenerated, CreatedBy: admin}
	_, err = f.svc.LinkExistingDocument(ctx, link)
	require.NoError(t, err)

	repo.misses = 1
	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, domain.ErrDuplicateLink)

	repo.misses = 1
	link.BillID = billB.ID
	_, err = f.svc.LinkExistingDocument(ctx, link)
	assert.ErrorIs(t, err, domain.ErrDocumentAlreadyLinked)

	all, err := f.svc.ListForBill(ctx, billA.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentPrimaryChangesLeaveOnePrimary(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	var existing []domain.Attachment
	for i := 0; i < 4; i++ {
		a, err := f.svc.AttachUploadedDocument(ctx, upload(fmt.Sprintf("seed-%d.pdf", i), false, bill.ID))
		require.NoError(t, err)
		existing = append(existing, a)
	}

	var wg sync.WaitGroup
	failures := make(chan error, 2*len(existing))
	for i, a := range existing {
		wg.Add(2)
		go func(id snowflake.ID) {
			defer wg.Done()
			_, err := f.svc.SetPrimary(ctx, bill.ID, id, admin)
			failures <- err
		}(a.ID)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.AttachUploadedDocument(ctx, upload(fmt.Sprintf("new-%d.pdf", i), true, bill.ID))
			failures <- err
		}(i)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}

	all, err := f.svc.ListForBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2*len(existing))
	assert.Len(t, primaries(t, f, bill.ID), 1)
}

func TestSetPrimaryAndUnlink(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	first, err := f.svc.AttachUploadedDocument(ctx, upload("one.pdf", true, bill.ID))
	require.NoError(t, err)
	second, err := f.svc.AttachUploadedDocument(ctx, upload("two.pdf", false, bill.ID))
	require.NoError(t, err)

	updated, err := f.svc.SetPrimary(ctx, bill.ID, second.ID, admin)
	require.NoError(t, err)
	assert.True(t, updated.IsPrimary)
	got := primaries(t, f, bill.ID)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	_, err = f.svc.SetPrimary(ctx, bill.ID, 999, admin)
	assert.ErrorIs(t, err, domain.ErrAttachmentNotFound)

	require.NoError(t, f.svc.Unlink(ctx, bill.ID, first.ID, admin))
	all, err := f.svc.ListForBill(ctx, bill.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, f.store.Len())

	err = f.svc.Unlink(ctx, bill.ID, first.ID, admin)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	attachment, err := f.svc.AttachUploadedDocument(ctx, upload("one.pdf", true, bill.ID))
	require.NoError(t, err)

	got, data, err := f.svc.Download(ctx, bill.ID, attachment.ID)
	require.NoError(t, err)
	assert.Equal(t, attachment.DocumentID, got.DocumentID)
	assert.Equal(t, "%PDF-1.4 one.pdf", string(data))
}

func TestCleanerDeletesBillAttachments(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	_, err := f.svc.AttachUploadedDocument(ctx, upload("one.pdf", true, bill.ID))
	require.NoError(t, err)
	_, err = f.svc.AttachUploadedDocument(ctx, upload("two.pdf", false, bill.ID))
	require.NoError(t, err)

	require.NoError(t, NewCleaner(repository.Provide()).DeleteForBill(ctx, f.db, bill.ID))

	var n int64
	require.NoError(t, f.db.Model(&domain.Attachment{}).Where("bill_id = ?", bill.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestGenerateInvoiceDocument(t *testing.T) {
	f := newFixture(t, nil)
	bill := f.seedBill(t, billdomain.StatusDraft)
	ctx := context.Background()

	f.activity.On("SubjectActivity", mock.Anything, bill.SubjectID, mock.Anything, mock.Anything).Return(activitydomain.ActivitySummary{
		SubjectID:         bill.SubjectID,
		SubjectEmail:      "client@example.com",
		SubjectName:       "Client Co",
		EventCount:        15,
		StandardCount:     12,
		ManualReviewCount: 3,
		StandardFee:       decimal.RequireFromString("12.00"),
		ManualReviewFee:   decimal.RequireFromString("3.00"),
		TotalFee:          decimal.RequireFromString("15.00"),
	}, true, nil)

	_, err := f.svc.AttachUploadedDocument(ctx, upload("manual.pdf", true, bill.ID))
	require.NoError(t, err)

	generated, err := f.svc.GenerateInvoiceDocument(ctx, bill.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeGenerated, generated.Type)
	assert.True(t, generated.IsPrimary)
	assert.Equal(t, "INV-202503-"+bill.ID.String(), generated.InvoiceNumber)
	assert.Equal(t, "application/pdf", generated.ContentType)

	_, data, err := f.svc.Download(ctx, bill.ID, generated.ID)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
	assert.Len(t, primaries(t, f, bill.ID), 1)
}

func TestGenerateReceiptRequiresPaidBill(t *testing.T) {
	f := newFixture(t, nil)
	draft := f.seedBill(t, billdomain.StatusDraft)
	paid := f.seedBill(t, billdomain.StatusPaid)
	ctx := context.Background()
	f.activity.On("SubjectActivity", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(activitydomain.ActivitySummary{}, false, nil)

	_, err := f.svc.GenerateReceiptDocument(ctx, draft.ID, admin)
	assert.ErrorIs(t, err, domain.ErrBillNotPaid)

	receipt, err := f.svc.GenerateReceiptDocument(ctx, paid.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.TypePaymentReceipt, receipt.Type)
	assert.False(t, receipt.IsPrimary)
	assert.Equal(t, "RCT-202503-"+paid.ID.String(), receipt.InvoiceNumber)
}

func TestForbiddenActor(t *testing.T) {
	f := newFixture(t, authorization.ErrForbidden)
	bill := f.seedBill(t, billdomain.StatusDraft)

	_, err := f.svc.AttachUploadedDocument(context.Background(), upload("one.pdf", true, bill.ID))
	assert.ErrorIs(t, err, errs.ErrSecurity)
	assert.Zero(t, f.store.Len())
}
