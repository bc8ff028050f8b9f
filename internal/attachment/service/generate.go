package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/attachment/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/document"
	"github.com/smallbiznis/backoffice/internal/providers/pdf"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/zap"
)

const (
	issuerName    = "Agency Back Office"
	pdfMediaType  = "application/pdf"
	displayLayout = time.DateOnly
)

// GenerateInvoiceDocument renders the bill as a PDF and links it as the
// primary generated invoice.
func (s *Service) GenerateInvoiceDocument(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) (domain.Attachment, error) {
	if err := s.authorize(ctx, requestedBy, authorization.ActionAttachmentManage); err != nil {
		return domain.Attachment{}, err
	}
	bill, err := s.loadBill(ctx, s.db, billID)
	if err != nil {
		return domain.Attachment{}, err
	}

	data, err := s.invoiceData(ctx, bill)
	if err != nil {
		return domain.Attachment{}, err
	}
	content, err := s.pdf.RenderInvoice(ctx, data)
	if err != nil {
		return domain.Attachment{}, errs.Persistence("failed to render invoice", err)
	}
	return s.storeGenerated(ctx, bill, requestedBy, content, data.InvoiceNumber, domain.TypeGenerated, true)
}

// GenerateReceiptDocument renders a payment receipt for a paid bill. The
// receipt never replaces the primary invoice.
func (s *Service) GenerateReceiptDocument(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) (domain.Attachment, error) {
	if err := s.authorize(ctx, requestedBy, authorization.ActionAttachmentManage); err != nil {
		return domain.Attachment{}, err
	}
	bill, err := s.loadBill(ctx, s.db, billID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if bill.Status != billdomain.StatusPaid {
		return domain.Attachment{}, domain.ErrBillNotPaid
	}

	invoice, err := s.invoiceData(ctx, bill)
	if err != nil {
		return domain.Attachment{}, err
	}
	receipt := pdf.ReceiptData{InvoiceData: invoice}
	if bill.PaymentDate != nil {
		receipt.DatePaid = bill.PaymentDate.Format(displayLayout)
	}
	if bill.PaymentMethod != nil {
		receipt.PaymentMethod = *bill.PaymentMethod
	}
	if bill.PaymentReference != nil {
		receipt.PaymentReference = *bill.PaymentReference
	}

	content, err := s.pdf.RenderReceipt(ctx, receipt)
	if err != nil {
		return domain.Attachment{}, errs.Persistence("failed to render receipt", err)
	}
	number := "RCT-" + strings.TrimPrefix(invoice.InvoiceNumber, "INV-")
	return s.storeGenerated(ctx, bill, requestedBy, content, number, domain.TypePaymentReceipt, false)
}

func (s *Service) storeGenerated(ctx context.Context, bill *billdomain.Bill, actor actorcontext.Actor, content []byte, number string, kind domain.Type, primary bool) (domain.Attachment, error) {
	fileName := number + ".pdf"
	documentID, err := s.store.Store(ctx, content, document.Metadata{
		FileName:    fileName,
		ContentType: pdfMediaType,
		BillID:      bill.ID.String(),
	})
	if err != nil {
		return domain.Attachment{}, err
	}

	amount := bill.Amount
	attachment, err := s.link(ctx, newAttachment{
		row: domain.Attachment{
			BillID:        bill.ID,
			DocumentID:    documentID,
			Type:          kind,
			InvoiceNumber: number,
			FileName:      fileName,
			ContentType:   pdfMediaType,
			CreatedBy:     actor.ID,
		},
		amount:  &amount,
		primary: primary,
	})
	if err != nil {
		s.log.Warn("generated document left unlinked",
			zap.String("document_id", documentID),
			zap.String("bill_id", bill.ID.String()),
			zap.Error(err),
		)
		return domain.Attachment{}, err
	}

	s.audit(ctx, actor, "invoice_attachment.generated", attachment)
	return attachment, nil
}

func (s *Service) invoiceData(ctx context.Context, bill *billdomain.Bill) (pdf.InvoiceData, error) {
	billing := s.billing.Get()
	currency := strings.ToUpper(billing.Currency)
	money := func(d decimal.Decimal) string {
		return d.StringFixed(2) + " " + currency
	}

	data := pdf.InvoiceData{
		IssuerName:    issuerName,
		InvoiceNumber: fmt.Sprintf("INV-%s-%s", bill.PeriodStart.Format("200601"), bill.ID.String()),
		IssueDate:     s.clock.Now().UTC().Format(displayLayout),
		ServicePeriod: bill.PeriodStart.Format(displayLayout) + " to " + bill.PeriodEnd.Format(displayLayout),
		Subtotal:      money(bill.Amount),
		Total:         money(bill.Amount),
		AmountDue:     money(bill.AmountDue()),
		Notes:         bill.Notes,
	}
	if bill.DueDate != nil {
		data.DueDate = bill.DueDate.Format(displayLayout)
	}
	if bill.CreditAmount.IsPositive() {
		data.Credits = money(bill.CreditAmount)
	}

	var summary *activitydomain.ActivitySummary
	if s.activity != nil {
		found, ok, err := s.activity.SubjectActivity(ctx, bill.SubjectID, bill.PeriodStart, bill.PeriodEnd)
		if err != nil {
			return pdf.InvoiceData{}, err
		}
		if ok {
			summary = &found
			data.BillToName = found.SubjectName
			data.BillToEmail = found.SubjectEmail
		}
	}
	if data.BillToName == "" {
		data.BillToName = "Client " + bill.SubjectID.String()
	}

	data.Items = lineItems(bill, summary, billing.StandardUnitRate, billing.ManualReviewRate, money)
	return data, nil
}

func lineItems(bill *billdomain.Bill, summary *activitydomain.ActivitySummary, standardRate, reviewRate decimal.Decimal, money func(decimal.Decimal) string) []pdf.LineItem {
	var items []pdf.LineItem
	if summary != nil && summary.EventCount > 0 {
		if summary.StandardCount > 0 {
			items = append(items, pdf.LineItem{
				Description: "Messages",
				Qty:         summary.StandardCount,
				UnitPrice:   money(standardRate),
				Amount:      money(summary.StandardFee),
			})
		}
		if summary.ManualReviewCount > 0 {
			items = append(items, pdf.LineItem{
				Description: "Manual review",
				Qty:         summary.ManualReviewCount,
				UnitPrice:   money(reviewRate),
				Amount:      money(summary.ManualReviewFee),
			})
		}
	} else {
		items = append(items, pdf.LineItem{
			Description: "Billable activity",
			Qty:         1,
			UnitPrice:   money(bill.ComputedAmount),
			Amount:      money(bill.ComputedAmount),
		})
	}

	if adjustment := bill.Amount.Sub(bill.ComputedAmount); !adjustment.IsZero() {
		items = append(items, pdf.LineItem{
			Description: "Adjustment",
			Qty:         1,
			UnitPrice:   money(adjustment),
			Amount:      money(adjustment),
		})
	}
	return items
}
