package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	paymentsyncdomain "github.com/smallbiznis/backoffice/internal/paymentsync/domain"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type createBatchRequest struct {
	PeriodStart        string   `json:"period_start" validate:"required"`
	PeriodEnd          string   `json:"period_end" validate:"required"`
	SubjectIDs         []string `json:"subject_ids" validate:"omitempty,max=100,dive,required"`
	BillingPeriodLabel string   `json:"billing_period_label" validate:"max=64"`
	Currency           string   `json:"currency" validate:"omitempty,len=3"`
}

type batchResponse struct {
	paymentsyncdomain.BatchResult
	Partial bool `json:"partial"`
}

func (s *Server) TestPaymentConnection(c *gin.Context) {
	result := s.paymentSyncSvc.TestConnection(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// CreateInvoiceBatch computes activity for the period and pushes one remote
// invoice per subject. Per-subject failures still answer 200.
func (s *Server) CreateInvoiceBatch(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createBatchRequest
	if err := s.bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
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

	wanted := make(map[snowflake.ID]struct{}, len(req.SubjectIDs))
	for _, raw := range req.SubjectIDs {
		id, err := parseOptionalSnowflakeID(raw)
		if err != nil || id == nil {
			AbortWithError(c, newValidationError("subject_ids", "invalid_subject_ids", "invalid subject id "+raw))
			return
		}
		wanted[*id] = struct{}{}
	}

	ctx := c.Request.Context()
	summaries, err := s.activitySvc.ComputeActivity(ctx, activitydomain.ComputeRequest{
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(wanted) > 0 {
		summaries = lo.Filter(summaries, func(summary activitydomain.ActivitySummary, _ int) bool {
			_, ok := wanted[summary.SubjectID]
			return ok
		})
	}

	result, err := s.paymentSyncSvc.CreateBatchInvoices(ctx, paymentsyncdomain.BatchRequest{
		Summaries:          summaries,
		BillingPeriodLabel: strings.TrimSpace(req.BillingPeriodLabel),
		Currency:           strings.ToLower(strings.TrimSpace(req.Currency)),
		RequestedBy:        actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": batchResponse{BatchResult: result, Partial: result.Partial()}})
}

type listWebhookEventsQuery struct {
	Processed string `form:"processed"`
	Limit     string `form:"limit"`
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	var query listWebhookEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	processed, err := parseOptionalBool(query.Processed)
	if err != nil {
		AbortWithError(c, newValidationError("processed", "invalid_processed", "invalid processed"))
		return
	}
	limit, err := parseOptionalInt(query.Limit)
	if err != nil || (limit != nil && (*limit <= 0 || *limit > maxEventLimit)) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be between 1 and 200"))
		return
	}

	events, err := s.paymentSyncSvc.ListEvents(c.Request.Context(), paymentsyncdomain.ListEventsRequest{
		Processed: processed,
		Limit:     lo.FromPtrOr(limit, defaultEventLimit),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) ReplayWebhookEvent(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	eventID := strings.TrimSpace(c.Param("event_id"))
	if eventID == "" {
		AbortWithError(c, newValidationError("event_id", "required", "event_id is required"))
		return
	}

	result, err := s.paymentSyncSvc.ReplayEvent(c.Request.Context(), eventID, actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
