package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventInvoicePaid                = "invoice.paid"
	EventInvoiceVoided              = "invoice.voided"
	EventInvoicePaymentFailed       = "invoice.payment_failed"
	EventInvoiceMarkedUncollectible = "invoice.marked_uncollectible"
	EventInvoiceFinalized           = "invoice.finalized"
	EventInvoiceUpdated             = "invoice.updated"
	EventInvoiceSent                = "invoice.sent"
)

type CustomerInput struct {
	Email          string
	Name           string
	SubjectID      string
	IdempotencyKey string
}

type Customer struct {
	ID    string
	Email string
}

type InvoiceInput struct {
	CustomerID     string
	Currency       string
	Description    string
	DueDate        *time.Time
	DaysUntilDue   int
	Metadata       map[string]string
	IdempotencyKey string
}

type LineItemInput struct {
	CustomerID     string
	InvoiceID      string
	Currency       string
	Description    string
	Amount         decimal.Decimal
	IdempotencyKey string
}

type RemoteInvoice struct {
	ID         string
	CustomerID string
	HostedURL  string
	Status     string
	AmountDue  decimal.Decimal
	AmountPaid decimal.Decimal
	PaidAt     *time.Time
	Metadata   map[string]string
}

type AccountInfo struct {
	ID              string
	BusinessProfile string
}

// Event is a verified processor notification. Invoice is set for invoice.*
// types only.
type Event struct {
	ID       string
	Type     string
	ObjectID string
	Created  time.Time
	Invoice  *RemoteInvoice
}

// Processor is the outbound payment processor.
type Processor interface {
	FindOrCreateCustomer(ctx context.Context, in CustomerInput) (Customer, error)
	CreateInvoice(ctx context.Context, in InvoiceInput) (RemoteInvoice, error)
	AddLineItem(ctx context.Context, in LineItemInput) error
	FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (RemoteInvoice, error)
	// VoidInvoice deletes a draft and voids a finalized invoice.
	VoidInvoice(ctx context.Context, invoiceID string) error
	AccountInfo(ctx context.Context) (AccountInfo, error)
	VerifyWebhook(payload []byte, signature string) (Event, error)
	// ParseEvent decodes a payload that was verified when it was received.
	ParseEvent(payload []byte) (Event, error)
}
