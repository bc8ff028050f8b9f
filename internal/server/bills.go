package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/pkg/db/pagination"
)

type createBillRequest struct {
	SubjectID    string           `json:"subject_id" validate:"required"`
	PeriodStart  string           `json:"period_start" validate:"required"`
	PeriodEnd    string           `json:"period_end" validate:"required"`
	CustomAmount *decimal.Decimal `json:"custom_amount"`
	DueDate      string           `json:"due_date"`
	Notes        string           `json:"notes" validate:"max=2000"`
}

type updateBillStatusRequest struct {
	Status           string  `json:"status" validate:"required,oneof=draft sent overdue paid cancelled"`
	PaymentDate      string  `json:"payment_date"`
	PaymentMethod    *string `json:"payment_method" validate:"omitempty,max=64"`
	PaymentReference *string `json:"payment_reference" validate:"omitempty,max=255"`
	Notes            *string `json:"notes" validate:"omitempty,max=2000"`
	DueDate          string  `json:"due_date"`
}

type updateBillDetailsRequest struct {
	DueDate string  `json:"due_date"`
	Notes   *string `json:"notes" validate:"omitempty,max=2000"`
}

type applyCreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required,max=500"`
}

type listBillsQuery struct {
	pagination.Pagination
	SubjectID  string `form:"subject_id"`
	Status     string `form:"status"`
	PeriodFrom string `form:"period_from"`
	PeriodTo   string `form:"period_to"`
}

type billResponse struct {
	billdomain.Bill
	AmountDue decimal.Decimal `json:"amount_due"`
}

func toBillResponse(b billdomain.Bill) billResponse {
	return billResponse{Bill: b, AmountDue: b.AmountDue()}
}

func (s *Server) CreateBill(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createBillRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	subjectID, err := parseOptionalSnowflakeID(req.SubjectID)
	if err != nil || subjectID == nil {
		AbortWithError(c, newValidationError("subject_id", "invalid_subject_id", "invalid subject_id"))
		return
	}
	start, err := parseRequiredTime("period_start", req.PeriodStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	end, err := parseRequiredTime("period_end", req.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	dueDate, err := parseOptionalTime(req.DueDate)
	if err != nil {
		AbortWithError(c, newValidationError("due_date", "invalid_due_date", "invalid due_date"))
		return
	}

	ctx := c.Request.Context()
	summary, found, err := s.activitySvc.SubjectActivity(ctx, *subjectID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !found {
		// Zero activity still goes through the ledger so the minimum amount
		// rule produces the error.
		summary.SubjectID = *subjectID
		summary.PeriodStart = start
		summary.PeriodEnd = end
	}

	bill, err := s.billSvc.CreateBill(ctx, billdomain.CreateBillRequest{
		SubjectID:    *subjectID,
		PeriodStart:  start,
		PeriodEnd:    end,
		Summary:      summary,
		CustomAmount: req.CustomAmount,
		DueDate:      dueDate,
		Notes:        req.Notes,
		CreatedBy:    actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": toBillResponse(bill)})
}

func (s *Server) GetBill(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bill, err := s.billSvc.GetBill(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toBillResponse(bill)})
}

func (s *Server) ListBills(c *gin.Context) {
	var query listBillsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := billdomain.ListBillsRequest{Pagination: query.Pagination}

	subjectID, err := parseOptionalSnowflakeID(query.SubjectID)
	if err != nil {
		AbortWithError(c, newValidationError("subject_id", "invalid_subject_id", "invalid subject_id"))
		return
	}
	req.SubjectID = subjectID

	if raw := strings.TrimSpace(query.Status); raw != "" {
		status, ok := billdomain.ParseStatus(raw)
		if !ok {
			AbortWithError(c, billdomain.ErrInvalidStatus)
			return
		}
		req.Status = &status
	}

	if req.PeriodFrom, err = parseOptionalTime(query.PeriodFrom); err != nil {
		AbortWithError(c, newValidationError("period_from", "invalid_period_from", "invalid period_from"))
		return
	}
	if req.PeriodTo, err = parseOptionalTime(query.PeriodTo); err != nil {
		AbortWithError(c, newValidationError("period_to", "invalid_period_to", "invalid period_to"))
		return
	}

	resp, err := s.billSvc.ListBills(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      lo.Map(resp.Bills, func(b billdomain.Bill, _ int) billResponse { return toBillResponse(b) }),
		"page_info": resp.PageInfo,
	})
}

func (s *Server) UpdateBillStatus(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateBillStatusRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	status, _ := billdomain.ParseStatus(req.Status)
	paymentDate, err := parseOptionalTime(req.PaymentDate)
	if err != nil {
		AbortWithError(c, newValidationError("payment_date", "invalid_payment_date", "invalid payment_date"))
		return
	}
	dueDate, err := parseOptionalTime(req.DueDate)
	if err != nil {
		AbortWithError(c, newValidationError("due_date", "invalid_due_date", "invalid due_date"))
		return
	}

	bill, err := s.billSvc.UpdateStatus(c.Request.Context(), billdomain.UpdateStatusRequest{
		BillID:           billID,
		Status:           status,
		PaymentDate:      paymentDate,
		PaymentMethod:    trimmedPtr(req.PaymentMethod),
		PaymentReference: trimmedPtr(req.PaymentReference),
		Notes:            req.Notes,
		DueDate:          dueDate,
		RequestedBy:      actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toBillResponse(bill)})
}

func (s *Server) UpdateBillDetails(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateBillDetailsRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	dueDate, err := parseOptionalTime(req.DueDate)
	if err != nil {
		AbortWithError(c, newValidationError("due_date", "invalid_due_date", "invalid due_date"))
		return
	}

	bill, err := s.billSvc.UpdateDetails(c.Request.Context(), billdomain.UpdateDetailsRequest{
		BillID:      billID,
		DueDate:     dueDate,
		Notes:       req.Notes,
		RequestedBy: actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toBillResponse(bill)})
}

func (s *Server) ApplyBillCredit(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req applyCreditRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	bill, err := s.billSvc.ApplyCredit(c.Request.Context(), billdomain.ApplyCreditRequest{
		BillID:    billID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		AppliedBy: actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toBillResponse(bill)})
}

func (s *Server) ListBillCredits(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	credits, err := s.billSvc.ListCredits(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": credits})
}

func (s *Server) DeleteBill(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.billSvc.DeleteBill(c.Request.Context(), billID, actor); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetPaymentRecord(c *gin.Context) {
	billID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.paymentSyncSvc.RecordForBill(c.Request.Context(), billID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func trimmedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	return lo.ToPtr(strings.TrimSpace(*v))
}
