package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/pkg/db"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/zap"
)

const keyDateLayout = "20060102"

// CreateBatchInvoices creates one finalized remote invoice per summary. A
// failing subject is reported in the result and never aborts the others.
func (s *Service) CreateBatchInvoices(ctx context.Context, req domain.BatchRequest) (domain.BatchResult, error) {
	if err := s.authorize(ctx, req.RequestedBy, authorization.ObjectPaymentSync, authorization.ActionPaymentSyncBatch); err != nil {
		return domain.BatchResult{}, err
	}
	if len(req.Summaries) == 0 {
		return domain.BatchResult{}, domain.ErrEmptyBatch
	}
	if len(req.Summaries) > s.batchLimit {
		return domain.BatchResult{}, errs.Security(domain.ErrBatchTooLarge.Code,
			fmt.Sprintf("batch of %d exceeds the limit of %d invoices", len(req.Summaries), s.batchLimit))
	}
	if s.processor == nil {
		return domain.BatchResult{}, domain.ErrProcessorNotSet
	}

	label := strings.TrimSpace(req.BillingPeriodLabel)
	if label == "" {
		label = req.Summaries[0].PeriodStart.UTC().Format("2006-01")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}

	if s.locker != nil && s.lockTTL > 0 {
		key := "paymentsync:batch:" + label
		token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		switch {
		case err != nil:
			s.log.Warn("batch lock unavailable, continuing without it", zap.String("label", label), zap.Error(err))
		case !ok:
			return domain.BatchResult{}, domain.ErrBatchInProgress
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn("batch lock release failed", zap.String("label", label), zap.Error(err))
				}
			}()
		}
	}

	result := domain.BatchResult{
		Success:     []domain.BatchSuccess{},
		Errors:      []domain.BatchError{},
		TotalAmount: decimal.Zero,
	}
	for _, summary := range req.Summaries {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, batchError(summary, remoteErr(err)))
			continue
		}
		ok, err := s.syncSubject(ctx, req, summary, label, currency)
		if err != nil {
			s.metrics.RecordBatchInvoice(ctx, "failed")
			s.log.Warn("batch invoice failed",
				zap.String("subject_id", summary.SubjectID.String()),
				zap.String("label", label),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, batchError(summary, err))
			continue
		}
		outcome := "created"
		if ok.Reused {
			outcome = "reused"
		}
		s.metrics.RecordBatchInvoice(ctx, outcome)
		result.Success = append(result.Success, ok)
		result.TotalAmount = result.TotalAmount.Add(ok.Amount)
	}

	s.log.Info("batch invoices processed",
		zap.String("label", label),
		zap.Int("success", len(result.Success)),
		zap.Int("errors", len(result.Errors)),
		zap.String("total", result.TotalAmount.StringFixed(2)),
	)
	s.audit(ctx, req.RequestedBy, "payment_sync.batch_created", "payment_sync", label, map[string]any{
		"requested": len(req.Summaries),
		"success":   len(result.Success),
		"errors":    len(result.Errors),
		"total":     result.TotalAmount.StringFixed(2),
		"currency":  currency,
	})
	return result, nil
}

func (s *Service) syncSubject(ctx context.Context, req domain.BatchRequest, summary activitydomain.ActivitySummary, label, currency string) (domain.BatchSuccess, error) {
	email := strings.TrimSpace(summary.SubjectEmail)
	if summary.SubjectID == 0 {
		return domain.BatchSuccess{}, errs.Validation("invalid_subject", "summary has no subject")
	}
	if err := s.validate.Var(email, "required,email"); err != nil {
		return domain.BatchSuccess{}, errs.Validation(domain.ErrInvalidEmail.Code,
			fmt.Sprintf("subject %s has an invalid email %q", summary.SubjectID, email))
	}

	key := idempotencyKey(summary)
	record, err := s.repo.FindRecordByKey(ctx, s.db, key)
	if err != nil {
		return domain.BatchSuccess{}, errs.Persistence("failed to load external invoice", err)
	}
	if record != nil && record.Reusable() {
		return domain.BatchSuccess{
			SubjectID:       summary.SubjectID,
			BillID:          record.BillID,
			RemoteInvoiceID: *record.RemoteInvoiceID,
			HostedURL:       record.HostedURL,
			Amount:          record.AmountDue,
			Reused:          true,
		}, nil
	}

	bill, err := s.billFor(ctx, req, summary)
	if err != nil {
		return domain.BatchSuccess{}, err
	}
	if bill.Status.IsTerminal() {
		return domain.BatchSuccess{}, domain.ErrBillNotBillable
	}
	due := bill.AmountDue()
	if !due.IsPositive() {
		return domain.BatchSuccess{}, domain.ErrNothingDue
	}

	now := s.clock.Now().UTC()
	if record == nil {
		record = &domain.ExternalInvoiceRecord{
			ID:             s.genID.Generate(),
			BillID:         bill.ID,
			SubjectID:      summary.SubjectID,
			PeriodStart:    bill.PeriodStart,
			PeriodEnd:      bill.PeriodEnd,
			IdempotencyKey: key,
			Status:         domain.RecordStatusPending,
			AmountDue:      due,
			AmountPaid:     decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertRecord(ctx, s.db, record); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.BatchSuccess{}, domain.ErrSyncInProgress
			}
			return domain.BatchSuccess{}, errs.Persistence("failed to record external invoice", err)
		}
	} else if record.RemoteInvoiceID != nil {
		if err := s.discardDraft(ctx, record); err != nil {
			msg := err.Error()
			record.LastError = &msg
			record.UpdatedAt = now
			if uerr := s.repo.UpdateRecord(ctx, s.db, record); uerr != nil {
				s.log.Error("failed to record batch failure", zap.String("bill_id", bill.ID.String()), zap.Error(uerr))
			}
			return domain.BatchSuccess{}, err
		}
	}

	record.Attempts++
	record.AmountDue = due
	record.UpdatedAt = now
	if err := s.repo.UpdateRecord(ctx, s.db, record); err != nil {
		return domain.BatchSuccess{}, errs.Persistence("failed to update external invoice", err)
	}

	remote, err := s.pushInvoice(ctx, record, bill, summary, label, currency)
	if err != nil {
		if record.RemoteInvoiceID != nil {
			_ = s.discardDraft(ctx, record)
		}
		msg := err.Error()
		record.LastError = &msg
		record.UpdatedAt = s.clock.Now().UTC()
		if uerr := s.repo.UpdateRecord(ctx, s.db, record); uerr != nil {
			s.log.Error("failed to record batch failure", zap.String("bill_id", bill.ID.String()), zap.Error(uerr))
		}
		return domain.BatchSuccess{}, err
	}

	synced := s.clock.Now().UTC()
	status, ok := domain.ParseRemoteStatus(remote.Status)
	if !ok {
		status = domain.RecordStatusOpen
	}
	record.RemoteInvoiceID = &remote.ID
	record.HostedURL = remote.HostedURL
	record.Status = status
	record.AmountDue = remote.AmountDue
	record.AmountPaid = remote.AmountPaid
	record.LastError = nil
	record.SyncedAt = &synced
	record.UpdatedAt = synced
	if err := s.repo.UpdateRecord(ctx, s.db, record); err != nil {
		// The remote invoice exists; the next run finds it through the key.
		return domain.BatchSuccess{}, errs.Persistence("failed to record remote invoice", err)
	}

	if bill.Status == billdomain.StatusDraft {
		if _, err := s.bills.UpdateStatus(ctx, billdomain.UpdateStatusRequest{
			BillID:      bill.ID,
			Status:      billdomain.StatusSent,
			RequestedBy: req.RequestedBy,
		}); err != nil {
			s.log.Warn("bill left in draft after invoicing", zap.String("bill_id", bill.ID.String()), zap.Error(err))
		}
	}

	return domain.BatchSuccess{
		SubjectID:       summary.SubjectID,
		BillID:          bill.ID,
		RemoteInvoiceID: remote.ID,
		HostedURL:       remote.HostedURL,
		Amount:          remote.AmountDue,
	}, nil
}

func (s *Service) billFor(ctx context.Context, req domain.BatchRequest, summary activitydomain.ActivitySummary) (billdomain.Bill, error) {
	existing, err := s.bills.FindForPeriod(ctx, summary.SubjectID, summary.PeriodStart, summary.PeriodEnd)
	if err != nil {
		return billdomain.Bill{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return s.bills.CreateBill(ctx, billdomain.CreateBillRequest{
		SubjectID:   summary.SubjectID,
		PeriodStart: summary.PeriodStart,
		PeriodEnd:   summary.PeriodEnd,
		Summary:     summary,
		CreatedBy:   req.RequestedBy,
	})
}

// pushInvoice runs the remote calls for one attempt under a bounded timeout.
// Processor keys are scoped to the attempt so a retry after a voided draft
// is not answered from the processor's idempotency cache.
func (s *Service) pushInvoice(ctx context.Context, record *domain.ExternalInvoiceRecord, bill billdomain.Bill, summary activitydomain.ActivitySummary, label, currency string) (domain.RemoteInvoice, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	attemptKey := fmt.Sprintf("%s:%d", record.IdempotencyKey, record.Attempts)

	customer, err := s.processor.FindOrCreateCustomer(callCtx, domain.CustomerInput{
		Email:          strings.TrimSpace(summary.SubjectEmail),
		Name:           strings.TrimSpace(summary.SubjectName),
		SubjectID:      summary.SubjectID.String(),
		IdempotencyKey: attemptKey + ":customer",
	})
	if err != nil {
		return domain.RemoteInvoice{}, remoteErr(err)
	}
	record.RemoteCustomerID = customer.ID

	input := domain.InvoiceInput{
		CustomerID:  customer.ID,
		Currency:    currency,
		Description: "Billable activity " + label,
		Metadata: map[string]string{
			"bill_id":         bill.ID.String(),
			"subject_id":      summary.SubjectID.String(),
			"billing_period":  label,
			"idempotency_key": record.IdempotencyKey,
		},
		IdempotencyKey: attemptKey + ":invoice",
	}
	if bill.DueDate != nil && bill.DueDate.After(s.clock.Now()) {
		due := bill.DueDate.UTC()
		input.DueDate = &due
	} else {
		input.DaysUntilDue = s.dueDays
	}
	draft, err := s.processor.CreateInvoice(callCtx, input)
	if err != nil {
		return domain.RemoteInvoice{}, remoteErr(err)
	}
	record.RemoteInvoiceID = &draft.ID
	record.Status = domain.RecordStatusDraft

	for i, line := range lineItems(summary, bill.AmountDue()) {
		line.CustomerID = customer.ID
		line.InvoiceID = draft.ID
		line.Currency = currency
		line.IdempotencyKey = fmt.Sprintf("%s:line:%d", attemptKey, i)
		if err := s.processor.AddLineItem(callCtx, line); err != nil {
			return domain.RemoteInvoice{}, remoteErr(err)
		}
	}

	final, err := s.processor.FinalizeInvoice(callCtx, draft.ID, attemptKey+":finalize")
	if err != nil {
		return domain.RemoteInvoice{}, remoteErr(err)
	}
	return final, nil
}

// discardDraft removes a remote invoice left behind by a failed attempt. The
// record keeps the remote id when the void fails, and a later run retries the
// cleanup before it creates another draft.
func (s *Service) discardDraft(ctx context.Context, record *domain.ExternalInvoiceRecord) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	remoteID := *record.RemoteInvoiceID
	if err := s.processor.VoidInvoice(callCtx, remoteID); err != nil {
		s.log.Warn("failed to discard remote draft",
			zap.String("bill_id", record.BillID.String()),
			zap.String("remote_invoice_id", remoteID),
			zap.Error(err),
		)
		return errs.External(domain.ErrDraftNotDiscarded.Code, domain.ErrDraftNotDiscarded.Message, err, true)
	}
	record.RemoteInvoiceID = nil
	record.Status = domain.RecordStatusPending
	return nil
}

// lineItems splits the amount due into fee lines. An adjustment line carries
// any difference from credits or a custom bill amount so the invoice total
// always equals what the bill says is owed.
func lineItems(summary activitydomain.ActivitySummary, due decimal.Decimal) []domain.LineItemInput {
	lines := make([]domain.LineItemInput, 0, 3)
	sum := decimal.Zero

	standard := summary.StandardFee.Round(2)
	if standard.IsPositive() {
		lines = append(lines, domain.LineItemInput{
			Description: fmt.Sprintf("Messages (%d)", summary.StandardCount),
			Amount:      standard,
		})
		sum = sum.Add(standard)
	}
	review := summary.ManualReviewFee.Round(2)
	if review.IsPositive() {
		lines = append(lines, domain.LineItemInput{
			Description: fmt.Sprintf("Manual review (%d)", summary.ManualReviewCount),
			Amount:      review,
		})
		sum = sum.Add(review)
	}

	if diff := due.Sub(sum); !diff.IsZero() {
		description := "Adjustment"
		if len(lines) == 0 {
			description = "Billable activity"
		}
		lines = append(lines, domain.LineItemInput{Description: description, Amount: diff})
	}
	return lines
}

func idempotencyKey(summary activitydomain.ActivitySummary) string {
	return fmt.Sprintf("sub_%s_%s_%s",
		summary.SubjectID,
		summary.PeriodStart.UTC().Format(keyDateLayout),
		summary.PeriodEnd.UTC().Format(keyDateLayout),
	)
}

func batchError(summary activitydomain.ActivitySummary, err error) domain.BatchError {
	out := domain.BatchError{
		SubjectID: summary.SubjectID,
		Email:     strings.TrimSpace(summary.SubjectEmail),
		Code:      "internal_error",
		Message:   errs.Message(err),
		Retryable: errs.IsRetryable(err),
	}
	if e, ok := errs.As(err); ok {
		out.Code = e.Code
	}
	return out
}
