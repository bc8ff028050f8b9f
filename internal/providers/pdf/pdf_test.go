package pdf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice() InvoiceData {
	return InvoiceData{
		IssuerName:    "Back Office",
		InvoiceNumber: "INV-2025-03-501",
		IssueDate:     "2025-04-01",
		DueDate:       "2025-05-01",
		ServicePeriod: "2025-03-01 to 2025-03-31",
		BillToName:    "Ada",
		BillToEmail:   "ada@example.com",
		Items: []LineItem{
			{Description: "Standard messages", Qty: 12, UnitPrice: "1.00", Amount: "12.00"},
			{Description: "Manual review", Qty: 3, UnitPrice: "1.00", Amount: "3.00"},
		},
		Subtotal:  "15.00",
		Total:     "15.00",
		AmountDue: "15.00",
	}
}

func TestRenderInvoice(t *testing.T) {
	data, err := New().RenderInvoice(context.Background(), sampleInvoice())
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestRenderReceipt(t *testing.T) {
	data, err := New().RenderReceipt(context.Background(), ReceiptData{
		InvoiceData:   sampleInvoice(),
		DatePaid:      "2025-04-05",
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestRenderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().RenderInvoice(ctx, sampleInvoice())
	assert.ErrorIs(t, err, context.Canceled)
}
