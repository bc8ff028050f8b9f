// Package pdf renders bill documents with maroto.
package pdf

import "context"

type Provider interface {
	RenderInvoice(ctx context.Context, data InvoiceData) ([]byte, error)
	RenderReceipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

// InvoiceData is the already formatted content of a bill document.
type InvoiceData struct {
	IssuerName    string
	IssuerEmail   string
	InvoiceNumber string
	IssueDate     string
	DueDate       string
	ServicePeriod string

	BillToName  string
	BillToEmail string

	Items []LineItem

	Subtotal  string
	Credits   string
	Total     string
	AmountDue string
	Notes     string
}

type LineItem struct {
	Description string
	Qty         int
	UnitPrice   string
	Amount      string
}

type ReceiptData struct {
	InvoiceData
	DatePaid         string
	PaymentMethod    string
	PaymentReference string
}

type MarotoProvider struct{}

func New() Provider {
	return &MarotoProvider{}
}
