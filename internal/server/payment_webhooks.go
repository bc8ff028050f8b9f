package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/zap"
)

const (
	signatureHeader    = "Stripe-Signature"
	maxWebhookBodySize = 1 << 20
)

// HandlePaymentWebhook answers 2xx only when the event is durably handled so
// the processor redelivers everything else.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	limit := s.webhookLimiter.Allow(c.Request.Context(), c.ClientIP())
	if !limit.Allowed {
		retry := int(math.Ceil(limit.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
			Type:      "rate_limited",
			Message:   "too many webhook deliveries",
			Retryable: true,
		}})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize+1))
	if err != nil || len(payload) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) > maxWebhookBodySize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: errorPayload{
			Type:    errs.ErrValidation.Error(),
			Code:    "payload_too_large",
			Message: fmt.Sprintf("webhook body exceeds %d bytes", maxWebhookBodySize),
		}})
		return
	}

	result, err := s.paymentSyncSvc.IngestWebhookEvent(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		if errors.Is(err, errs.ErrPersistence) {
			s.log.Error("webhook processing failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: errorPayload{
				Type:      errs.ErrPersistence.Error(),
				Message:   errs.Message(err),
				Retryable: true,
			}})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": result})
}
