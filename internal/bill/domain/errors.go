package domain

import "github.com/smallbiznis/backoffice/pkg/errs"

var (
	ErrBillNotFound        = errs.NotFound("bill_not_found", "bill not found")
	ErrAmountBelowMinimum  = errs.Validation("amount_below_minimum", "bill amount is below the minimum billable unit")
	ErrAmountAboveComputed = errs.Validation("amount_exceeds_activity_total", "custom amount cannot exceed the computed activity total")
	ErrInvalidStatus       = errs.Validation("invalid_status", "unknown bill status")
	ErrInvalidPeriod       = errs.Validation("invalid_period", "period end must not be before period start")
	ErrInvalidSubject      = errs.Validation("invalid_subject", "subject is required and must match the activity summary")
	ErrMissingActor        = errs.Validation("missing_actor", "requesting actor is required")
	ErrInvalidCreditAmount = errs.Validation("invalid_credit_amount", "credit amount must be greater than zero")
	ErrNothingToUpdate     = errs.Validation("nothing_to_update", "no fields supplied")
	ErrVersionConflict     = errs.Conflict("bill_version_conflict", "bill was modified concurrently, reload and retry")
	ErrForbidden           = errs.Security("forbidden", "actor is not allowed to perform this action")
)
