package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Event is one billable message as reported by the messaging subsystem.
type Event struct {
	SubjectID      snowflake.ID
	SubjectEmail   string
	SubjectName    string
	Timestamp      time.Time
	IsManualReview bool
	ReviewReason   string
}

// ActivitySummary is an immutable per-subject snapshot of billable activity.
type ActivitySummary struct {
	SubjectID           snowflake.ID    `json:"subject_id"`
	SubjectEmail        string          `json:"subject_email"`
	SubjectName         string          `json:"subject_name"`
	PeriodStart         time.Time       `json:"period_start"`
	PeriodEnd           time.Time       `json:"period_end"`
	EventCount          int             `json:"event_count"`
	StandardCount       int             `json:"standard_count"`
	ManualReviewCount   int             `json:"manual_review_count"`
	StandardFee         decimal.Decimal `json:"standard_fee"`
	ManualReviewFee     decimal.Decimal `json:"manual_review_fee"`
	TotalFee            decimal.Decimal `json:"total_fee"`
	FirstEventAt        time.Time       `json:"first_event_at"`
	LastEventAt         time.Time       `json:"last_event_at"`
	ManualReviewReasons []string        `json:"manual_review_reasons"`
}

// Rates is the fee schedule applied to event counts.
type Rates struct {
	StandardUnitRate decimal.Decimal
	ManualReviewRate decimal.Decimal
}

type ComputeRequest struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	SubjectID   *snowflake.ID
}

// EventSource is the read contract owned by the messaging subsystem.
// end is exclusive.
type EventSource interface {
	EventsBetween(ctx context.Context, start, end time.Time, subjectID *snowflake.ID) ([]Event, error)
}

type Service interface {
	ComputeActivity(ctx context.Context, req ComputeRequest) ([]ActivitySummary, error)
	SubjectActivity(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (ActivitySummary, bool, error)
}

var (
	ErrInvalidPeriod  = errors.New("invalid_period")
	ErrInvalidSubject = errors.New("invalid_subject")
)
