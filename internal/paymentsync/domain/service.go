package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
)

type BatchRequest struct {
	Summaries          []activitydomain.ActivitySummary
	BillingPeriodLabel string
	Currency           string
	RequestedBy        actorcontext.Actor
}

type BatchSuccess struct {
	SubjectID       snowflake.ID    `json:"subject_id"`
	BillID          snowflake.ID    `json:"bill_id"`
	RemoteInvoiceID string          `json:"remote_invoice_id"`
	HostedURL       string          `json:"hosted_url"`
	Amount          decimal.Decimal `json:"amount"`
	Reused          bool            `json:"reused"`
}

type BatchError struct {
	SubjectID snowflake.ID `json:"subject_id"`
	Email     string       `json:"email"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

type BatchResult struct {
	Success     []BatchSuccess  `json:"success"`
	Errors      []BatchError    `json:"errors"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Partial reports a batch where at least one subject failed.
func (r BatchResult) Partial() bool {
	return len(r.Errors) > 0
}

type ConnectionResult struct {
	Success         bool   `json:"success"`
	AccountID       string `json:"account_id,omitempty"`
	BusinessProfile string `json:"business_profile,omitempty"`
	Error           string `json:"error,omitempty"`
}

type IngestResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
}

type ListEventsRequest struct {
	Processed *bool
	Limit     int
}

type Service interface {
	CreateBatchInvoices(ctx context.Context, req BatchRequest) (BatchResult, error)
	TestConnection(ctx context.Context) ConnectionResult
	IngestWebhookEvent(ctx context.Context, payload []byte, signature string) (IngestResult, error)
	ReplayEvent(ctx context.Context, remoteEventID string, requestedBy actorcontext.Actor) (IngestResult, error)
	ListEvents(ctx context.Context, req ListEventsRequest) ([]WebhookEvent, error)
	RecordForBill(ctx context.Context, billID snowflake.ID) (ExternalInvoiceRecord, error)
}

// BatchLocker guards a batch run. Implementations may be absent.
type BatchLocker interface {
	Enabled() bool
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}
