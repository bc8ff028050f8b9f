package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/pkg/errs"
)

const validSignature = "sig_ok"

// fakeProcessor keeps remote state in memory. Events are plain JSON encodings
// of domain.Event and verify when the signature equals validSignature.
type fakeProcessor struct {
	mu sync.Mutex

	seq       int
	customers map[string]string
	invoices  map[string]*domain.RemoteInvoice
	lines     map[string][]domain.LineItemInput
	keys      []string
	voided    []string

	finalizeFailures map[string]int
	stalled          map[string]bool
	voidErr          error
	accountErr       error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		customers:        map[string]string{},
		invoices:         map[string]*domain.RemoteInvoice{},
		lines:            map[string][]domain.LineItemInput{},
		finalizeFailures: map[string]int{},
		stalled:          map[string]bool{},
	}
}

// stall makes customer lookups for email block until the caller's context
// ends.
func (p *fakeProcessor) stall(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalled[email] = true
}

func (p *fakeProcessor) failVoid(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voidErr = err
}

// failFinalize makes the next n finalize calls for a customer email fail.
func (p *fakeProcessor) failFinalize(email string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeFailures[email] = n
}

func (p *fakeProcessor) FindOrCreateCustomer(ctx context.Context, in domain.CustomerInput) (domain.Customer, error) {
	p.mu.Lock()
	stalled := p.stalled[in.Email]
	p.mu.Unlock()
	if stalled {
		select {
		case <-ctx.Done():
			return domain.Customer{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return domain.Customer{}, errors.New("stalled call was never cancelled")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, in.IdempotencyKey)
	if id, ok := p.customers[in.Email]; ok {
		return domain.Customer{ID: id, Email: in.Email}, nil
	}
	p.seq++
	id := fmt.Sprintf("cus_%d", p.seq)
	p.customers[in.Email] = id
	return domain.Customer{ID: id, Email: in.Email}, nil
}

func (p *fakeProcessor) CreateInvoice(_ context.Context, in domain.InvoiceInput) (domain.RemoteInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, in.IdempotencyKey)
	p.seq++
	invoice := &domain.RemoteInvoice{
		ID:         fmt.Sprintf("in_%d", p.seq),
		CustomerID: in.CustomerID,
		Status:     "draft",
		AmountDue:  decimal.Zero,
		AmountPaid: decimal.Zero,
		Metadata:   in.Metadata,
	}
	p.invoices[invoice.ID] = invoice
	return *invoice, nil
}

func (p *fakeProcessor) AddLineItem(_ context.Context, in domain.LineItemInput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, in.IdempotencyKey)
	invoice, ok := p.invoices[in.InvoiceID]
	if !ok {
		return errors.New("no such invoice")
	}
	p.lines[in.InvoiceID] = append(p.lines[in.InvoiceID], in)
	invoice.AmountDue = invoice.AmountDue.Add(in.Amount)
	return nil
}

func (p *fakeProcessor) FinalizeInvoice(_ context.Context, invoiceID, key string) (domain.RemoteInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	invoice, ok := p.invoices[invoiceID]
	if !ok {
		return domain.RemoteInvoice{}, errors.New("no such invoice")
	}
	for email, id := range p.customers {
		if id == invoice.CustomerID && p.finalizeFailures[email] > 0 {
			p.finalizeFailures[email]--
			return domain.RemoteInvoice{}, errs.External("invoice_finalize_failed", "processor is overloaded", errors.New("503"), true)
		}
	}
	invoice.Status = "open"
	invoice.HostedURL = "https://pay.example/" + invoice.ID
	return *invoice, nil
}

func (p *fakeProcessor) VoidInvoice(_ context.Context, invoiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voidErr != nil {
		return p.voidErr
	}
	p.voided = append(p.voided, invoiceID)
	delete(p.invoices, invoiceID)
	return nil
}

func (p *fakeProcessor) AccountInfo(context.Context) (domain.AccountInfo, error) {
	if p.accountErr != nil {
		return domain.AccountInfo{}, p.accountErr
	}
	return domain.AccountInfo{ID: "acct_1", BusinessProfile: "Agency Ltd"}, nil
}

func (p *fakeProcessor) VerifyWebhook(payload []byte, signature string) (domain.Event, error) {
	if signature != validSignature {
		return domain.Event{}, errors.New("signature mismatch")
	}
	return p.ParseEvent(payload)
}

func (p *fakeProcessor) ParseEvent(payload []byte) (domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, err
	}
	if event.ID == "" {
		return domain.Event{}, errors.New("event has no id")
	}
	return event, nil
}

func (p *fakeProcessor) invoiceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.invoices)
}
