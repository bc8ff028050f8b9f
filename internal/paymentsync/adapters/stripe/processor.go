// Package stripe implements the payment processor contract on the Stripe API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const invoicePrefix = "invoice."

type Processor struct {
	client        *stripe.Client
	webhookSecret string
	log           *zap.Logger
}

// New returns nil when no secret key is configured; the gateway then reports
// the processor as unavailable.
func New(cfg config.Config, log *zap.Logger) domain.Processor {
	log = log.Named("paymentsync.stripe")
	key := strings.TrimSpace(cfg.Payment.SecretKey)
	if key == "" {
		log.Warn("payment processor disabled, PAYMENT_SECRET_KEY is empty")
		return nil
	}
	return &Processor{
		client:        stripe.NewClient(key, nil),
		webhookSecret: cfg.Payment.WebhookSecret,
		log:           log,
	}
}

// NewWebhookVerifier builds a processor that can only verify and parse
// events. Remote calls are not available on it.
func NewWebhookVerifier(secret string) *Processor {
	return &Processor{webhookSecret: secret, log: zap.NewNop()}
}

func (p *Processor) FindOrCreateCustomer(ctx context.Context, in domain.CustomerInput) (domain.Customer, error) {
	email := strings.TrimSpace(in.Email)

	search := &stripe.CustomerSearchParams{}
	search.Query = "email:'" + strings.ReplaceAll(email, "'", "\\'") + "'"
	search.Limit = stripe.Int64(1)
	for customer, err := range p.client.V1Customers.Search(ctx, search) {
		if err != nil {
			return domain.Customer{}, mapErr("customer_search_failed", err)
		}
		return domain.Customer{ID: customer.ID, Email: customer.Email}, nil
	}

	params := &stripe.CustomerCreateParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"subject_id": in.SubjectID,
		},
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		params.Name = stripe.String(name)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	customer, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return domain.Customer{}, mapErr("customer_create_failed", err)
	}
	return domain.Customer{ID: customer.ID, Email: customer.Email}, nil
}

func (p *Processor) CreateInvoice(ctx context.Context, in domain.InvoiceInput) (domain.RemoteInvoice, error) {
	params := &stripe.InvoiceCreateParams{
		Customer:                    stripe.String(in.CustomerID),
		Currency:                    stripe.String(strings.ToLower(in.Currency)),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		AutoAdvance:                 stripe.Bool(false),
		Metadata:                    in.Metadata,
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	switch {
	case in.DueDate != nil:
		params.DueDate = stripe.Int64(in.DueDate.Unix())
	case in.DaysUntilDue > 0:
		params.DaysUntilDue = stripe.Int64(int64(in.DaysUntilDue))
	default:
		params.DaysUntilDue = stripe.Int64(30)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	invoice, err := p.client.V1Invoices.Create(ctx, params)
	if err != nil {
		return domain.RemoteInvoice{}, mapErr("invoice_create_failed", err)
	}
	return toRemoteInvoice(invoice), nil
}

func (p *Processor) AddLineItem(ctx context.Context, in domain.LineItemInput) error {
	params := &stripe.InvoiceItemCreateParams{
		Customer:    stripe.String(in.CustomerID),
		Invoice:     stripe.String(in.InvoiceID),
		Currency:    stripe.String(strings.ToLower(in.Currency)),
		Description: stripe.String(in.Description),
		Amount:      stripe.Int64(toCents(in.Amount)),
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	if _, err := p.client.V1InvoiceItems.Create(ctx, params); err != nil {
		return mapErr("invoice_item_create_failed", err)
	}
	return nil
}

func (p *Processor) FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (domain.RemoteInvoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{
		AutoAdvance: stripe.Bool(true),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	invoice, err := p.client.V1Invoices.FinalizeInvoice(ctx, invoiceID, params)
	if err != nil {
		return domain.RemoteInvoice{}, mapErr("invoice_finalize_failed", err)
	}
	return toRemoteInvoice(invoice), nil
}

func (p *Processor) VoidInvoice(ctx context.Context, invoiceID string) error {
	invoice, err := p.client.V1Invoices.Retrieve(ctx, invoiceID, nil)
	if err != nil {
		return mapErr("invoice_retrieve_failed", err)
	}
	switch invoice.Status {
	case stripe.InvoiceStatusDraft:
		if _, err := p.client.V1Invoices.Delete(ctx, invoiceID, nil); err != nil {
			return mapErr("invoice_delete_failed", err)
		}
	case stripe.InvoiceStatusOpen, stripe.InvoiceStatusUncollectible:
		if _, err := p.client.V1Invoices.VoidInvoice(ctx, invoiceID, nil); err != nil {
			return mapErr("invoice_void_failed", err)
		}
	}
	return nil
}

func (p *Processor) AccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	account, err := p.client.V1Accounts.Retrieve(ctx, &stripe.AccountRetrieveParams{})
	if err != nil {
		return domain.AccountInfo{}, mapErr("account_retrieve_failed", err)
	}
	info := domain.AccountInfo{ID: account.ID}
	if account.BusinessProfile != nil && account.BusinessProfile.Name != "" {
		info.BusinessProfile = account.BusinessProfile.Name
	} else if account.Settings != nil && account.Settings.Dashboard != nil {
		info.BusinessProfile = account.Settings.Dashboard.DisplayName
	}
	return info, nil
}

func (p *Processor) VerifyWebhook(payload []byte, signature string) (domain.Event, error) {
	if strings.TrimSpace(p.webhookSecret) == "" {
		return domain.Event{}, errors.New("webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.Event{}, err
	}
	return toEvent(event)
}

func (p *Processor) ParseEvent(payload []byte) (domain.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Event{}, err
	}
	return toEvent(event)
}

func toEvent(event stripe.Event) (domain.Event, error) {
	if event.ID == "" {
		return domain.Event{}, errors.New("event has no id")
	}
	out := domain.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if !strings.HasPrefix(out.Type, invoicePrefix) || event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return domain.Event{}, err
	}
	remote := toRemoteInvoice(&invoice)
	out.ObjectID = invoice.ID
	out.Invoice = &remote
	return out, nil
}

func toRemoteInvoice(invoice *stripe.Invoice) domain.RemoteInvoice {
	out := domain.RemoteInvoice{
		ID:         invoice.ID,
		HostedURL:  invoice.HostedInvoiceURL,
		Status:     string(invoice.Status),
		AmountDue:  fromCents(invoice.AmountDue),
		AmountPaid: fromCents(invoice.AmountPaid),
		Metadata:   invoice.Metadata,
	}
	if invoice.Customer != nil {
		out.CustomerID = invoice.Customer.ID
	}
	if invoice.StatusTransitions != nil && invoice.StatusTransitions.PaidAt > 0 {
		paid := time.Unix(invoice.StatusTransitions.PaidAt, 0).UTC()
		out.PaidAt = &paid
	}
	return out
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// mapErr classifies a Stripe failure. Rate limits, server errors and
// transport failures are retryable; request errors are not.
func mapErr(code string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.External("processor_timeout", "payment processor did not respond in time", err, true)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		retryable := stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError
		msg := stripeErr.Msg
		if msg == "" {
			msg = "payment processor rejected the request"
		}
		return errs.External(code, msg, err, retryable)
	}
	return errs.External(code, "payment processor unreachable", err, true)
}
