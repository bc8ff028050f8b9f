package domain

import "github.com/smallbiznis/backoffice/pkg/errs"

var (
	ErrBatchTooLarge         = errs.Security("batch_too_large", "batch exceeds the maximum number of invoices")
	ErrEmptyBatch            = errs.Validation("empty_batch", "batch contains no summaries")
	ErrBatchInProgress       = errs.Conflict("batch_in_progress", "a batch for this period is already running")
	ErrInvalidEmail          = errs.Validation("invalid_email", "subject email is missing or malformed")
	ErrNothingDue            = errs.Validation("nothing_due", "bill has no amount due")
	ErrBillNotBillable       = errs.Validation("bill_not_billable", "bill is already settled")
	ErrSyncInProgress        = errs.Conflict("sync_in_progress", "invoice sync for this subject is already running")
	ErrInvalidSignature      = errs.Security("invalid_signature", "webhook signature verification failed")
	ErrEventNotFound         = errs.NotFound("webhook_event_not_found", "webhook event not found")
	ErrEventAlreadyProcessed = errs.Conflict("webhook_event_processed", "webhook event was already processed")
	ErrRecordNotFound        = errs.NotFound("external_invoice_not_found", "no external invoice for this bill")
	ErrDraftNotDiscarded     = errs.External("draft_discard_failed", "previous remote draft could not be voided", nil, true)
	ErrProcessorNotSet       = errs.External("processor_not_configured", "payment processor is not configured", nil, false)
	ErrMissingActor          = errs.Validation("missing_actor", "requesting actor is required")
	ErrForbidden             = errs.Security("forbidden", "actor is not allowed to perform this action")
)
