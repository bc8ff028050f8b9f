package pdf

import (
	"context"

	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func (p *MarotoProvider) RenderReceipt(ctx context.Context, receipt ReceiptData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := newDocument()

	m.AddRow(10,
		text.NewCol(12, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	meta := col.New(6).Add(
		text.New("Invoice number: "+receipt.InvoiceNumber, props.Text{Top: 0}),
		text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 4}),
		text.New("Service period: "+receipt.ServicePeriod, props.Text{Top: 8}),
	)
	if receipt.PaymentMethod != "" {
		meta.Add(text.New("Payment method: "+receipt.PaymentMethod, props.Text{Top: 12}))
	}
	if receipt.PaymentReference != "" {
		meta.Add(text.New("Reference: "+receipt.PaymentReference, props.Text{Top: 16}))
	}
	m.AddRow(24, meta, col.New(6))

	addParties(m, receipt.InvoiceData)

	m.AddRow(15,
		text.NewCol(12, receipt.Total+" paid on "+receipt.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	addItems(m, receipt.Items)
	addTotals(m, receipt.InvoiceData)
	addNotes(m, receipt.Notes)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
