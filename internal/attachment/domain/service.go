package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
)

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// AttachUploadRequest stores File and links it. Amount defaults to the bill
// amount and InvoiceNumber to a slug of the file name.
type AttachUploadRequest struct {
	BillID        snowflake.ID
	File          File
	Type          Type
	InvoiceNumber string
	Amount        *decimal.Decimal
	IsPrimary     bool
	CreatedBy     actorcontext.Actor
}

type LinkDocumentRequest struct {
	BillID        snowflake.ID
	DocumentID    string
	Type          Type
	InvoiceNumber string
	Amount        *decimal.Decimal
	IsPrimary     bool
	FileName      string
	ContentType   string
	CreatedBy     actorcontext.Actor
}

type Service interface {
	AttachUploadedDocument(ctx context.Context, req AttachUploadRequest) (Attachment, error)
	LinkExistingDocument(ctx context.Context, req LinkDocumentRequest) (Attachment, error)
	GenerateInvoiceDocument(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) (Attachment, error)
	GenerateReceiptDocument(ctx context.Context, billID snowflake.ID, requestedBy actorcontext.Actor) (Attachment, error)
	SetPrimary(ctx context.Context, billID, attachmentID snowflake.ID, requestedBy actorcontext.Actor) (Attachment, error)
	Unlink(ctx context.Context, billID, attachmentID snowflake.ID, requestedBy actorcontext.Actor) error
	ListForBill(ctx context.Context, billID snowflake.ID) ([]Attachment, error)
	Primary(ctx context.Context, billID snowflake.ID) (*Attachment, error)
	Download(ctx context.Context, billID, attachmentID snowflake.ID) (Attachment, []byte, error)
}
