package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/attachment/domain"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/clock"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/document"
	"github.com/smallbiznis/backoffice/internal/providers/pdf"
	"github.com/smallbiznis/backoffice/pkg/db"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const primaryIndexName = "ux_invoice_attachments_primary"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Bills    billdomain.Repository
	Store    document.Store
	Authz    authorization.Service
	PDF      pdf.Provider                `optional:"true"`
	Activity activitydomain.Service      `optional:"true"`
	Billing  *config.BillingConfigHolder `optional:"true"`
	AuditSvc auditdomain.Service         `optional:"true"`
	Clock    clock.Clock                 `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	bills    billdomain.Repository
	store    document.Store
	authz    authorization.Service
	pdf      pdf.Provider
	activity activitydomain.Service
	billing  *config.BillingConfigHolder
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}
	billing := p.Billing
	if billing == nil {
		billing = config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("attachment.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		bills:    p.Bills,
		store:    p.Store,
		authz:    p.Authz,
		pdf:      renderer,
		activity: p.Activity,
		billing:  billing,
		auditSvc: p.AuditSvc,
		clock:    c,
	}
}

// newAttachment carries a row that has not been linked yet. A nil amount is
// resolved to the bill amount under the bill lock.
type newAttachment struct {
	row     domain.Attachment
	amount  *decimal.Decimal
	primary bool
}

func (s *Service) AttachUploadedDocument(ctx context.Context, req domain.AttachUploadRequest) (domain.Attachment, error) {
	if len(req.File.Data) == 0 {
		return domain.Attachment{}, domain.ErrEmptyFile
	}
	if err := validateCommon(req.Type, req.Amount); err != nil {
		return domain.Attachment{}, err
	}
	if err := s.authorize(ctx, req.CreatedBy, authorization.ActionAttachmentManage); err != nil {
		return domain.Attachment{}, err
	}
	if _, err := s.loadBill(ctx, s.db, req.BillID); err != nil {
		return domain.Attachment{}, err
	}

	fileName := strings.TrimSpace(req.File.Name)
	documentID, err := s.store.Store(ctx, req.File.Data, document.Metadata{
		FileName:    fileName,
		ContentType: req.File.ContentType,
		BillID:      req.BillID.String(),
	})
	if err != nil {
		return domain.Attachment{}, err
	}

	attachment, err := s.link(ctx, newAttachment{
		row: domain.Attachment{
			BillID:        req.BillID,
			DocumentID:    documentID,
			Type:          req.Type,
			InvoiceNumber: invoiceNumber(req.InvoiceNumber, fileName),
			FileName:      fileName,
			ContentType:   strings.TrimSpace(req.File.ContentType),
			CreatedBy:     req.CreatedBy.ID,
		},
		amount:  req.Amount,
		primary: req.IsPrimary,
	})
	if err != nil {
		s.log.Warn("stored document left unlinked",
			zap.String("document_id", documentID),
			zap.String("bill_id", req.BillID.String()),
			zap.Error(err),
		)
		return domain.Attachment{}, err
	}

	s.audit(ctx, req.CreatedBy, "invoice_attachment.uploaded", attachment)
	return attachment, nil
}

func (s *Service) LinkExistingDocument(ctx context.Context, req domain.LinkDocumentRequest) (domain.Attachment, error) {
	documentID := strings.TrimSpace(req.DocumentID)
	if err := document.ValidateID(documentID); err != nil {
		return domain.Attachment{}, domain.ErrInvalidDocument
	}
	if err := validateCommon(req.Type, req.Amount); err != nil {
		return domain.Attachment{}, err
	}
	if err := s.authorize(ctx, req.CreatedBy, authorization.ActionAttachmentManage); err != nil {
		return domain.Attachment{}, err
	}
	if _, err := s.loadBill(ctx, s.db, req.BillID); err != nil {
		return domain.Attachment{}, err
	}

	exists, err := s.store.Exists(ctx, documentID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if !exists {
		return domain.Attachment{}, domain.ErrDocumentNotFound
	}

	existing, err := s.repo.FindByDocumentID(ctx, s.db, documentID)
	if err != nil {
		return domain.Attachment{}, errs.Persistence("failed to load attachment", err)
	}
	if existing != nil {
		if existing.BillID == req.BillID {
			return domain.Attachment{}, domain.ErrDuplicateLink
		}
		return domain.Attachment{}, domain.ErrDocumentAlreadyLinked
	}

	fileName := strings.TrimSpace(req.FileName)
	attachment, err := s.link(ctx, newAttachment{
		row: domain.Attachment{
			BillID:        req.BillID,
			DocumentID:    documentID,
			Type:          req.Type,
			InvoiceNumber: invoiceNumber(req.InvoiceNumber, fileName),
			FileName:      fileName,
			ContentType:   strings.TrimSpace(req.ContentType),
			CreatedBy:     req.CreatedBy.ID,
		},
		amount:  req.Amount,
		primary: req.IsPrimary,
	})
	if err != nil {
		return domain.Attachment{}, err
	}

	s.audit(ctx, req.CreatedBy, "invoice_attachment.linked", attachment)
	return attachment, nil
}

func (s *Service) SetPrimary(ctx context.Context, billID, attachmentID snowflake.ID, requestedBy actorcontext.Actor) (domain.Attachment, error) {
	if err := s.authorize(ctx, requestedBy, authorization.ActionAttachmentManage); err != nil {
		return domain.Attachment{}, err
	}

	var updated domain.Attachment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockBill(ctx, tx, billID); err != nil {
			return err
		}
		attachment, err := s.repo.FindByID(ctx, tx, billID, attachmentID)
		if err != nil {
			return errs.Persistence("failed to load attachment", err)
		}
		if attachment == nil {
			return domain.ErrAttachmentNotFound
		}
		if err := s.repo.ClearPrimary(ctx, tx, billID, attachmentID); err != nil {
			return errs.Persistence("failed to clear primary attachment", err)
		}
		if _, err := s.repo.MarkPrimary(ctx, tx, billID, attachmentID); err != nil {
			return mapWriteErr(err)
		}
		attachment.IsPrimary = true
		updated = *attachment
		return nil
	})
	if err != nil {
		return domain.Attachment{}, err
	}

	s.audit(ctx, requestedBy, "invoice_attachment.primary_set", updated)
	return updated, nil
}

// Unlink removes the attachment row. The stored document is kept.
func (s *Service) Unlink(ctx context.Context, billID, attachmentID snowflake.ID, requestedBy actorcontext.Actor) error {
	if err := s.authorize(ctx, requestedBy, authorization.ActionAttachmentManage); err != nil {
		return err
	}

	var removed domain.Attachment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockBill(ctx, tx, billID); err != nil {
			return err
		}
		attachment, err := s.repo.FindByID(ctx, tx, billID, attachmentID)
		if err != nil {
			return errs.Persistence("failed to load attachment", err)
		}
		if attachment == nil {
			return domain.ErrAttachmentNotFound
		}
		if _, err := s.repo.Delete(ctx, tx, billID, attachmentID); err != nil {
			return errs.Persistence("failed to unlink attachment", err)
		}
		removed = *attachment
		return nil
	})
	if err != nil {
		return err
	}

	s.audit(ctx, requestedBy, "invoice_attachment.unlinked", removed)
	return nil
}

func (s *Service) ListForBill(ctx context.Context, billID snowflake.ID) ([]domain.Attachment, error) {
	if _, err := s.loadBill(ctx, s.db, billID); err != nil {
		return nil, err
	}
	attachments, err := s.repo.ListByBill(ctx, s.db, billID)
	if err != nil {
		return nil, errs.Persistence("failed to list attachments", err)
	}
	return attachments, nil
}

func (s *Service) Primary(ctx context.Context, billID snowflake.ID) (*domain.Attachment, error) {
	if _, err := s.loadBill(ctx, s.db, billID); err != nil {
		return nil, err
	}
	attachment, err := s.repo.FindPrimary(ctx, s.db, billID)
	if err != nil {
		return nil, errs.Persistence("failed to load primary attachment", err)
	}
	return attachment, nil
}

func (s *Service) Download(ctx context.Context, billID, attachmentID snowflake.ID) (domain.Attachment, []byte, error) {
	attachment, err := s.repo.FindByID(ctx, s.db, billID, attachmentID)
	if err != nil {
		return domain.Attachment{}, nil, errs.Persistence("failed to load attachment", err)
	}
	if attachment == nil {
		return domain.Attachment{}, nil, domain.ErrAttachmentNotFound
	}
	data, err := s.store.Fetch(ctx, attachment.DocumentID)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			return domain.Attachment{}, nil, domain.ErrDocumentNotFound
		}
		return domain.Attachment{}, nil, err
	}
	return *attachment, data, nil
}

// link inserts the row with the bill locked. A primary row clears its
// siblings first so the bill never has two.
func (s *Service) link(ctx context.Context, in newAttachment) (domain.Attachment, error) {
	row := in.row
	row.ID = s.genID.Generate()
	row.CreatedAt = s.clock.Now().UTC()

	var insertErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bill, err := s.lockBill(ctx, tx, row.BillID)
		if err != nil {
			return err
		}
		row.Amount = bill.Amount
		if in.amount != nil {
			row.Amount = in.amount.Round(2)
		}
		if in.primary {
			if err := s.repo.ClearPrimary(ctx, tx, row.BillID, row.ID); err != nil {
				return errs.Persistence("failed to clear primary attachment", err)
			}
			row.IsPrimary = true
		}
		if err := s.repo.Insert(ctx, tx, &row); err != nil {
			insertErr = err
			return err
		}
		return nil
	})
	if insertErr != nil {
		return domain.Attachment{}, s.linkErr(ctx, row, insertErr)
	}
	if err != nil {
		return domain.Attachment{}, err
	}
	return row, nil
}

// linkErr maps a failed insert after its transaction rolled back. A document
// id conflict is resolved against the row that won, so relinking to the same
// bill reports a duplicate link.
func (s *Service) linkErr(ctx context.Context, row domain.Attachment, err error) error {
	if !db.IsDuplicateKeyErr(err) || isPrimaryConflict(err) {
		return mapWriteErr(err)
	}
	existing, findErr := s.repo.FindByDocumentID(ctx, s.db, row.DocumentID)
	if findErr != nil {
		return errs.Persistence("failed to load attachment", findErr)
	}
	if existing != nil && existing.BillID == row.BillID {
		return domain.ErrDuplicateLink
	}
	return domain.ErrDocumentAlreadyLinked
}

func (s *Service) loadBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) (*billdomain.Bill, error) {
	if billID == 0 {
		return nil, domain.ErrBillNotFound
	}
	bill, err := s.bills.FindByID(ctx, tx, billID)
	if err != nil {
		return nil, errs.Persistence("failed to load bill", err)
	}
	if bill == nil {
		return nil, domain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) lockBill(ctx context.Context, tx *gorm.DB, billID snowflake.ID) (*billdomain.Bill, error) {
	bill, err := s.bills.FindByIDForUpdate(ctx, tx, billID)
	if err != nil {
		return nil, errs.Persistence("failed to lock bill", err)
	}
	if bill == nil {
		return nil, domain.ErrBillNotFound
	}
	return bill, nil
}

func (s *Service) authorize(ctx context.Context, actor actorcontext.Actor, action string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.ErrMissingActor
	}
	err := s.authz.Authorize(ctx, actor, authorization.ObjectAttachment, action)
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

func (s *Service) audit(ctx context.Context, actor actorcontext.Actor, action string, attachment domain.Attachment) {
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
		TargetID:   attachment.BillID.String(),
		Metadata: map[string]any{
			"attachment_id":  attachment.ID.String(),
			"document_id":    attachment.DocumentID,
			"type":           string(attachment.Type),
			"invoice_number": attachment.InvoiceNumber,
			"is_primary":     attachment.IsPrimary,
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func validateCommon(t domain.Type, amount *decimal.Decimal) error {
	if !t.Valid() {
		return domain.ErrInvalidType
	}
	if amount != nil && amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	return nil
}

// invoiceNumber keeps an explicit number, otherwise slugs the file stem.
func invoiceNumber(explicit, fileName string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	return slug.Make(stem)
}

func mapWriteErr(err error) error {
	if db.IsDuplicateKeyErr(err) {
		if isPrimaryConflict(err) {
			return domain.ErrPrimaryConflict
		}
		return domain.ErrDocumentAlreadyLinked
	}
	return errs.Persistence("failed to write attachment", err)
}

func isPrimaryConflict(err error) bool {
	return db.ViolatedConstraint(err) == primaryIndexName || strings.Contains(err.Error(), primaryIndexName)
}
