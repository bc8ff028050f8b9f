package domain

import "github.com/smallbiznis/backoffice/pkg/errs"

var (
	ErrAttachmentNotFound    = errs.NotFound("attachment_not_found", "attachment not found")
	ErrBillNotFound          = errs.NotFound("bill_not_found", "bill not found")
	ErrDocumentNotFound      = errs.NotFound("document_not_found", "document not found")
	ErrEmptyFile             = errs.Validation("empty_file", "uploaded file is empty")
	ErrInvalidType           = errs.Validation("invalid_attachment_type", "attachment type must be generated, payment_receipt or credit_note")
	ErrInvalidAmount         = errs.Validation("invalid_attachment_amount", "attachment amount cannot be negative")
	ErrInvalidDocument       = errs.Validation("invalid_document_id", "document id is malformed")
	ErrBillNotPaid           = errs.Validation("bill_not_paid", "receipts can only be generated for paid bills")
	ErrMissingActor          = errs.Validation("missing_actor", "requesting actor is required")
	ErrDocumentAlreadyLinked = errs.Conflict("document_already_linked", "document is already linked to a bill")
	ErrDuplicateLink         = errs.Conflict("duplicate_link", "document is already linked to this bill")
	ErrPrimaryConflict       = errs.Conflict("primary_conflict", "another primary attachment was set concurrently")
	ErrForbidden             = errs.Security("forbidden", "actor is not allowed to perform this action")
)
