package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/config"
	paymentsyncdomain "github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type fakeAuthz struct {
	deny  bool
	calls []string
}

func (f *fakeAuthz) Authorize(ctx context.Context, actor actorcontext.Actor, object string, action string) error {
	f.calls = append(f.calls, action)
	if f.deny {
		return authorization.ErrForbidden
	}
	return nil
}

type fakeActivity struct {
	summaries []activitydomain.ActivitySummary
	lastReq   activitydomain.ComputeRequest
}

func (f *fakeActivity) ComputeActivity(ctx context.Context, req activitydomain.ComputeRequest) ([]activitydomain.ActivitySummary, error) {
	f.lastReq = req
	return f.summaries, nil
}

func (f *fakeActivity) SubjectActivity(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (activitydomain.ActivitySummary, bool, error) {
	for _, s := range f.summaries {
		if s.SubjectID == subjectID {
			return s, true, nil
		}
	}
	return activitydomain.ActivitySummary{}, false, nil
}

type fakeBills struct {
	billdomain.Service
	created *billdomain.CreateBillRequest
	getErr  error
}

func (f *fakeBills) CreateBill(ctx context.Context, req billdomain.CreateBillRequest) (billdomain.Bill, error) {
	f.created = &req
	return billdomain.Bill{
		ID:          snowflake.ID(900),
		SubjectID:   req.SubjectID,
		Amount:      req.Summary.TotalFee,
		Status:      billdomain.StatusDraft,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		CreatedBy:   req.CreatedBy.ID,
	}, nil
}

func (f *fakeBills) GetBill(ctx context.Context, billID snowflake.ID) (billdomain.Bill, error) {
	if f.getErr != nil {
		return billdomain.Bill{}, f.getErr
	}
	return billdomain.Bill{
		ID:           billID,
		Amount:       decimal.RequireFromString("15.00"),
		CreditAmount: decimal.RequireFromString("4.00"),
		Status:       billdomain.StatusSent,
	}, nil
}

type fakePaymentSync struct {
	paymentsyncdomain.Service
	batchReq   *paymentsyncdomain.BatchRequest
	batchRes   paymentsyncdomain.BatchResult
	ingestErr  error
	signatures []string
}

func (f *fakePaymentSync) CreateBatchInvoices(ctx context.Context, req paymentsyncdomain.BatchRequest) (paymentsyncdomain.BatchResult, error) {
	f.batchReq = &req
	return f.batchRes, nil
}

func (f *fakePaymentSync) IngestWebhookEvent(ctx context.Context, payload []byte, signature string) (paymentsyncdomain.IngestResult, error) {
	f.signatures = append(f.signatures, signature)
	if f.ingestErr != nil {
		return paymentsyncdomain.IngestResult{}, f.ingestErr
	}
	return paymentsyncdomain.IngestResult{EventID: "evt_1", EventType: "invoice.paid"}, nil
}

type harness struct {
	engine   *gin.Engine
	authz    *fakeAuthz
	activity *fakeActivity
	bills    *fakeBills
	sync     *fakePaymentSync
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		engine:   gin.New(),
		authz:    &fakeAuthz{},
		activity: &fakeActivity{},
		bills:    &fakeBills{},
		sync:     &fakePaymentSync{},
	}
	h.engine.Use(ErrorHandlingMiddleware())
	NewServer(ServerParams{
		Gin:            h.engine,
		Cfg:            config.Config{AuthJWTSecret: testSecret},
		Log:            zap.NewNop(),
		AuthzSvc:       h.authz,
		ActivitySvc:    h.activity,
		BillSvc:        h.bills,
		PaymentSyncSvc: h.sync,
	})
	return h
}

func signToken(t *testing.T, secret, subject, role string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.engine.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Error
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	cases := map[string]string{
		"missing token": "",
		"wrong secret":  signToken(t, "other", "admin-1", authorization.RoleBillingAdmin, time.Hour),
		"expired":       signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, -time.Minute),
		"no subject":    signToken(t, testSecret, "", authorization.RoleBillingAdmin, time.Hour),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			resp := h.do(t, http.MethodGet, "/admin/v1/bills/123", token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.Equal(t, "unauthorized", decodeError(t, resp).Type)
		})
	}
}

func TestGetBillIncludesAmountDue(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingViewer, time.Hour)

	resp := h.do(t, http.MethodGet, "/admin/v1/bills/123", token, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Data struct {
			ID        string `json:"id"`
			AmountDue string `json:"amount_due"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "11", out.Data.AmountDue)
	assert.Equal(t, "sent", out.Data.Status)
	assert.Equal(t, []string{authorization.ActionBillView}, h.authz.calls)
}

func TestRequirePermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.authz.deny = true
	token := signToken(t, testSecret, "viewer-1", authorization.RoleBillingViewer, time.Hour)

	resp := h.do(t, http.MethodGet, "/admin/v1/audit-logs", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "forbidden", decodeError(t, resp).Code)
}

func TestInvalidBillID(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodGet, "/admin/v1/bills/not-a-number", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "id", payload.Errors[0].Field)
}

func TestBillNotFound(t *testing.T) {
	h := newHarness(t)
	h.bills.getErr = billdomain.ErrBillNotFound
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodGet, "/admin/v1/bills/123", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "bill_not_found", decodeError(t, resp).Code)
}

func TestCreateBillUsesSubjectActivity(t *testing.T) {
	h := newHarness(t)
	h.activity.summaries = []activitydomain.ActivitySummary{{
		SubjectID: snowflake.ID(42),
		TotalFee:  decimal.RequireFromString("15.00"),
	}}
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodPost, "/admin/v1/bills", token, map[string]any{
		"subject_id":   "42",
		"period_start": "2025-03-01",
		"period_end":   "2025-03-31",
		"notes":        "march",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	require.NotNil(t, h.bills.created)
	assert.Equal(t, "15.00", h.bills.created.Summary.TotalFee.StringFixed(2))
	assert.Equal(t, "admin-1", h.bills.created.CreatedBy.ID)
	assert.Equal(t, authorization.RoleBillingAdmin, h.bills.created.CreatedBy.Role)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), h.bills.created.PeriodEnd)
}

func TestCreateBillWithoutActivityKeepsSubject(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodPost, "/admin/v1/bills", token, map[string]any{
		"subject_id":   "77",
		"period_start": "2025-03-01",
		"period_end":   "2025-03-31",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, snowflake.ID(77), h.bills.created.Summary.SubjectID)
	assert.True(t, h.bills.created.Summary.TotalFee.IsZero())
}

func TestCreateBillValidation(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodPost, "/admin/v1/bills", token, map[string]any{
		"period_start": "2025-03-01",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	fields := make([]string, 0)
	for _, e := range decodeError(t, resp).Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"subject_id", "period_end"}, fields)
	assert.Nil(t, h.bills.created)
}

func TestCreateInvoiceBatchPartial(t *testing.T) {
	h := newHarness(t)
	h.activity.summaries = []activitydomain.ActivitySummary{
		{SubjectID: snowflake.ID(1)},
		{SubjectID: snowflake.ID(2)},
		{SubjectID: snowflake.ID(3)},
	}
	h.sync.batchRes = paymentsyncdomain.BatchResult{
		Success:     []paymentsyncdomain.BatchSuccess{{SubjectID: snowflake.ID(1)}},
		Errors:      []paymentsyncdomain.BatchError{{SubjectID: snowflake.ID(3), Code: "invalid_email"}},
		TotalAmount: decimal.RequireFromString("10.00"),
	}
	token := signToken(t, testSecret, "admin-1", authorization.RoleBillingAdmin, time.Hour)

	resp := h.do(t, http.MethodPost, "/admin/v1/payment-sync/batches", token, map[string]any{
		"period_start": "2025-03-01",
		"period_end":   "2025-03-31",
		"subject_ids":  []string{"1", "3"},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var out struct {
		Data struct {
			Partial bool                           `json:"partial"`
			Errors  []paymentsyncdomain.BatchError `json:"errors"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.True(t, out.Data.Partial)
	require.Len(t, out.Data.Errors, 1)
	assert.Equal(t, "invalid_email", out.Data.Errors[0].Code)

	require.NotNil(t, h.sync.batchReq)
	require.Len(t, h.sync.batchReq.Summaries, 2)
	assert.Equal(t, snowflake.ID(1), h.sync.batchReq.Summaries[0].SubjectID)
	assert.Equal(t, snowflake.ID(3), h.sync.batchReq.Summaries[1].SubjectID)
	assert.Equal(t, "admin-1", h.sync.batchReq.RequestedBy.ID)
}

func TestPaymentWebhook(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "processed", status: http.StatusOK},
		{name: "bad signature", err: paymentsyncdomain.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "storage failure", err: errs.Persistence("failed to apply webhook event", context.DeadlineExceeded), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.sync.ingestErr = tc.err

			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(`{"id":"evt_1"}`))
			req.Header.Set(signatureHeader, "t=1,v1=abc")
			resp := httptest.NewRecorder()
			h.engine.ServeHTTP(resp, req)

			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, []string{"t=1,v1=abc"}, h.sync.signatures)
		})
	}
}

func TestPaymentWebhookRejectsEmptyBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", http.NoBody)
	resp := httptest.NewRecorder()
	h.engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, h.sync.signatures)
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	h := newHarness(t)

	body := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "t=1,v1=abc")
	resp := httptest.NewRecorder()
	h.engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Contains(t, resp.Body.String(), "payload_too_large")
	assert.Empty(t, h.sync.signatures)

	exact := bytes.Repeat([]byte("a"), maxWebhookBodySize)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(exact))
	req.Header.Set(signatureHeader, "t=1,v1=abc")
	resp = httptest.NewRecorder()
	h.engine.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{"t=1,v1=abc"}, h.sync.signatures)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{errs.Validation("invalid_period", "bad"), http.StatusBadRequest, "validation_error"},
		{errs.NotFound("bill_not_found", "missing"), http.StatusNotFound, "not_found"},
		{errs.Conflict("bill_version_conflict", "race"), http.StatusConflict, "conflict"},
		{errs.Security("forbidden", "no"), http.StatusForbidden, "security_error"},
		{errs.Security("invalid_signature", "no"), http.StatusUnauthorized, "security_error"},
		{errs.External("processor_error", "down", context.DeadlineExceeded, true), http.StatusBadGateway, "external_service_error"},
		{errs.Persistence("db", context.Canceled), http.StatusServiceUnavailable, "persistence_error"},
		{context.Canceled, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.kind, payload.Type, tc.err.Error())
	}
}

func TestMapErrorHidesCause(t *testing.T) {
	_, payload := mapError(errs.Persistence("failed to create bill", context.DeadlineExceeded))
	assert.NotContains(t, payload.Message, "deadline")
	assert.True(t, payload.Retryable)
}
