package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentMethodProcessor marks bills settled through the payment processor.
const PaymentMethodProcessor = "payment_processor"

const (
	noteUnknownInvoice = "remote invoice not found"
	noteMissingBill    = "bill not found"
	noteNoInvoice      = "event carries no invoice"
)

// errAlreadyApplied rolls back an ingestion that lost the claim to a
// concurrent delivery of the same event.
var errAlreadyApplied = errors.New("webhook event already applied")

type statusChange struct {
	billID   string
	from, to billdomain.Status
	payment  bool
}

// IngestWebhookEvent verifies and applies one processor event. The event is
// logged before it is applied; processed is only set in the transaction that
// claims and applies it, so a failed attempt is retried on redelivery and a
// concurrent redelivery reports a duplicate.
func (s *Service) IngestWebhookEvent(ctx context.Context, payload []byte, signature string) (domain.IngestResult, error) {
	if s.processor == nil {
		return domain.IngestResult{}, domain.ErrProcessorNotSet
	}
	event, err := s.processor.VerifyWebhook(payload, signature)
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, "unknown", "rejected")
		s.log.Warn("webhook signature rejected", zap.Error(err))
		return domain.IngestResult{}, domain.ErrInvalidSignature
	}

	now := s.clock.Now().UTC()
	row := &domain.WebhookEvent{
		ID:            s.genID.Generate(),
		RemoteEventID: event.ID,
		EventType:     event.Type,
		ObjectID:      event.ObjectID,
		Payload:       datatypes.JSON(payload),
		ReceivedAt:    now,
	}
	if err := s.repo.InsertEventIfAbsent(ctx, s.db, row); err != nil {
		return domain.IngestResult{}, errs.Persistence("failed to log webhook event", err)
	}
	stored, err := s.repo.FindEventByRemoteID(ctx, s.db, event.ID)
	if err != nil {
		return domain.IngestResult{}, errs.Persistence("failed to load webhook event", err)
	}
	if stored == nil {
		return domain.IngestResult{}, errs.Persistence("webhook event vanished after insert", nil)
	}
	if stored.Processed {
		s.metrics.RecordWebhookEvent(ctx, event.Type, "duplicate")
		return domain.IngestResult{EventID: event.ID, EventType: event.Type, Duplicate: true}, nil
	}
	return s.process(ctx, stored, event)
}

// ReplayEvent reapplies a logged event that has not been processed yet.
func (s *Service) ReplayEvent(ctx context.Context, remoteEventID string, requestedBy actorcontext.Actor) (domain.IngestResult, error) {
	if err := s.authorize(ctx, requestedBy, authorization.ObjectWebhookEvent, authorization.ActionWebhookEventReplay); err != nil {
		return domain.IngestResult{}, err
	}
	if s.processor == nil {
		return domain.IngestResult{}, domain.ErrProcessorNotSet
	}
	remoteEventID = strings.TrimSpace(remoteEventID)
	stored, err := s.repo.FindEventByRemoteID(ctx, s.db, remoteEventID)
	if err != nil {
		return domain.IngestResult{}, errs.Persistence("failed to load webhook event", err)
	}
	if stored == nil {
		return domain.IngestResult{}, domain.ErrEventNotFound
	}
	if stored.Processed {
		return domain.IngestResult{}, domain.ErrEventAlreadyProcessed
	}
	event, err := s.processor.ParseEvent(stored.Payload)
	if err != nil {
		return domain.IngestResult{}, errs.Validation("invalid_event_payload", "stored webhook payload cannot be decoded")
	}

	result, err := s.process(ctx, stored, event)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if result.Duplicate {
		return domain.IngestResult{}, domain.ErrEventAlreadyProcessed
	}
	s.audit(ctx, requestedBy, "webhook_event.replayed", "webhook_event", stored.RemoteEventID, map[string]any{
		"event_type": stored.EventType,
		"attempts":   stored.Attempts + 1,
	})
	return result, nil
}

func (s *Service) process(ctx context.Context, stored *domain.WebhookEvent, event domain.Event) (domain.IngestResult, error) {
	result := domain.IngestResult{EventID: event.ID, EventType: event.Type}
	applicable := handled(event.Type) && event.Invoice != nil

	if applicable {
		if err := s.authorize(ctx, webhookActor, authorization.ObjectBill, authorization.ActionBillUpdateStatus); err != nil {
			return result, s.failed(ctx, stored, event, err)
		}
	}

	var change *statusChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.ClaimEvent(ctx, tx, stored.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyApplied
		}
		if !applicable {
			var note *string
			if handled(event.Type) {
				n := noteNoInvoice
				note = &n
			}
			return s.repo.MarkEventProcessed(ctx, tx, stored.ID, note, s.clock.Now().UTC())
		}
		change, err = s.apply(ctx, tx, stored, event)
		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		s.metrics.RecordWebhookEvent(ctx, event.Type, "duplicate")
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return result, s.failed(ctx, stored, event, err)
	}

	if !applicable {
		s.metrics.RecordWebhookEvent(ctx, event.Type, "ignored")
		result.Ignored = true
		return result, nil
	}

	s.metrics.RecordWebhookEvent(ctx, event.Type, "processed")
	if change != nil {
		s.metrics.RecordBillTransition(ctx, string(change.from), string(change.to))
		metadata := map[string]any{
			"from":      string(change.from),
			"to":        string(change.to),
			"source":    "webhook",
			"event_id":  event.ID,
			"remote_id": event.Invoice.ID,
		}
		if change.payment {
			metadata["payment_fields"] = true
		}
		s.audit(ctx, webhookActor, "bill.status_changed", "bill", change.billID, metadata)
	}
	return result, nil
}

// apply runs inside the ingestion transaction. It returns the bill status
// change, or nil when only the external record was refreshed.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, stored *domain.WebhookEvent, event domain.Event) (*statusChange, error) {
	now := s.clock.Now().UTC()
	invoice := event.Invoice

	record, err := s.repo.FindRecordByRemoteInvoice(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		s.log.Warn("webhook for unknown remote invoice",
			zap.String("event_id", event.ID),
			zap.String("remote_invoice_id", invoice.ID),
		)
		note := noteUnknownInvoice
		return nil, s.repo.MarkEventProcessed(ctx, tx, stored.ID, &note, now)
	}

	bill, err := s.billRepo.FindByIDForUpdate(ctx, tx, record.BillID)
	if err != nil {
		return nil, err
	}
	if bill == nil {
		note := noteMissingBill
		return nil, s.repo.MarkEventProcessed(ctx, tx, stored.ID, &note, now)
	}

	previous := bill.Status
	expected := bill.Version
	payment := applyEvent(event, record, bill, now)

	record.SyncedAt = &now
	record.UpdatedAt = now
	if err := s.repo.UpdateRecord(ctx, tx, record); err != nil {
		return nil, err
	}

	var change *statusChange
	if bill.Status != previous || payment {
		bill.UpdatedAt = now
		rows, err := s.billRepo.Update(ctx, tx, bill, expected)
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, billdomain.ErrVersionConflict
		}
		if bill.Status != previous {
			change = &statusChange{billID: bill.ID.String(), from: previous, to: bill.Status, payment: payment}
		}
	}

	if err := s.repo.MarkEventProcessed(ctx, tx, stored.ID, nil, now); err != nil {
		return nil, err
	}
	return change, nil
}

// applyEvent maps an invoice event onto the external record and the bill. It
// reports whether payment fields were written to the bill.
func applyEvent(event domain.Event, record *domain.ExternalInvoiceRecord, bill *billdomain.Bill, now time.Time) bool {
	invoice := event.Invoice
	if invoice.HostedURL != "" {
		record.HostedURL = invoice.HostedURL
	}
	if !invoice.AmountDue.IsZero() {
		record.AmountDue = invoice.AmountDue
	}
	record.AmountPaid = invoice.AmountPaid

	switch event.Type {
	case domain.EventInvoicePaid:
		record.Status = domain.RecordStatusPaid
		if bill.Status == billdomain.StatusPaid {
			return false
		}
		paidAt := now
		if invoice.PaidAt != nil {
			paidAt = invoice.PaidAt.UTC()
		}
		method := PaymentMethodProcessor
		reference := invoice.ID
		bill.Status = billdomain.StatusPaid
		bill.PaymentDate = &paidAt
		bill.PaymentMethod = &method
		bill.PaymentReference = &reference
		return true

	case domain.EventInvoiceVoided:
		record.Status = domain.RecordStatusVoid
		if !bill.Status.IsTerminal() {
			bill.Status = billdomain.StatusCancelled
		}

	case domain.EventInvoicePaymentFailed:
		record.Status = domain.RecordStatusOpen
		if bill.Status == billdomain.StatusSent {
			bill.Status = billdomain.StatusOverdue
		}

	case domain.EventInvoiceMarkedUncollectible:
		record.Status = domain.RecordStatusUncollectible
		if bill.Status == billdomain.StatusSent {
			bill.Status = billdomain.StatusOverdue
		}

	case domain.EventInvoiceSent:
		if status, ok := domain.ParseRemoteStatus(invoice.Status); ok {
			record.Status = status
		}
		if bill.Status == billdomain.StatusDraft {
			bill.Status = billdomain.StatusSent
		}

	default:
		if status, ok := domain.ParseRemoteStatus(invoice.Status); ok {
			record.Status = status
		}
	}
	return false
}

func (s *Service) failed(ctx context.Context, stored *domain.WebhookEvent, event domain.Event, cause error) error {
	if err := s.repo.MarkEventFailed(context.WithoutCancel(ctx), s.db, stored.ID, cause.Error()); err != nil {
		s.log.Error("failed to record webhook failure", zap.String("event_id", event.ID), zap.Error(err))
	}
	s.metrics.RecordWebhookEvent(ctx, event.Type, "failed")
	s.log.Error("webhook processing failed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Error(cause),
	)
	if _, ok := errs.As(cause); ok {
		return cause
	}
	return errs.Persistence("failed to apply webhook event", cause)
}

func handled(eventType string) bool {
	switch eventType {
	case domain.EventInvoicePaid,
		domain.EventInvoiceVoided,
		domain.EventInvoicePaymentFailed,
		domain.EventInvoiceMarkedUncollectible,
		domain.EventInvoiceFinalized,
		domain.EventInvoiceUpdated,
		domain.EventInvoiceSent:
		return true
	default:
		return false
	}
}
