package stripe

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

const paidEvent = `{
  "id": "evt_100",
  "object": "event",
  "type": "invoice.paid",
  "created": 1743580800,
  "data": {
    "object": {
      "id": "in_100",
      "object": "invoice",
      "customer": "cus_100",
      "status": "paid",
      "hosted_invoice_url": "https://invoice.example/in_100",
      "amount_due": 1550,
      "amount_paid": 1550,
      "status_transitions": {"paid_at": 1743584400}
    }
  }
}`

func TestVerifyWebhookDecodesInvoice(t *testing.T) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(paidEvent),
		Secret:  testSecret,
	})

	event, err := NewWebhookVerifier(testSecret).VerifyWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_100", event.ID)
	assert.Equal(t, "invoice.paid", event.Type)
	assert.Equal(t, "in_100", event.ObjectID)
	require.NotNil(t, event.Invoice)
	assert.Equal(t, "cus_100", event.Invoice.CustomerID)
	assert.Equal(t, "paid", event.Invoice.Status)
	assert.Equal(t, "https://invoice.example/in_100", event.Invoice.HostedURL)
	assert.True(t, decimal.RequireFromString("15.50").Equal(event.Invoice.AmountPaid))
	require.NotNil(t, event.Invoice.PaidAt)
	assert.Equal(t, int64(1743584400), event.Invoice.PaidAt.Unix())
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(paidEvent),
		Secret:  "whsec_other",
	})
	_, err := NewWebhookVerifier(testSecret).VerifyWebhook(signed.Payload, signed.Header)
	assert.Error(t, err)

	_, err = NewWebhookVerifier(testSecret).VerifyWebhook([]byte(paidEvent), "")
	assert.Error(t, err)
}

func TestVerifyWebhookWithoutSecretFailsClosed(t *testing.T) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(paidEvent),
		Secret:  "",
	})
	_, err := NewWebhookVerifier("").VerifyWebhook(signed.Payload, signed.Header)
	assert.Error(t, err)
}

func TestParseEventIgnoresNonInvoiceObjects(t *testing.T) {
	event, err := NewWebhookVerifier(testSecret).ParseEvent([]byte(`{
	  "id": "evt_200",
	  "object": "event",
	  "type": "customer.created",
	  "created": 1743580800,
	  "data": {"object": {"id": "cus_1", "object": "customer"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "customer.created", event.Type)
	assert.Nil(t, event.Invoice)

	_, err = NewWebhookVerifier(testSecret).ParseEvent([]byte(`{"object":"event"}`))
	assert.Error(t, err)
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1550), toCents(decimal.RequireFromString("15.50")))
	assert.Equal(t, int64(-125), toCents(decimal.RequireFromString("-1.25")))
	assert.Equal(t, int64(1), toCents(decimal.RequireFromString("0.005")))
	assert.Equal(t, "15.50", fromCents(1550).StringFixed(2))
}
