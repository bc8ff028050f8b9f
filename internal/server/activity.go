package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
)

type computeActivityQuery struct {
	PeriodStart string `form:"period_start"`
	PeriodEnd   string `form:"period_end"`
	SubjectID   string `form:"subject_id"`
}

func (s *Server) ComputeActivity(c *gin.Context) {
	var query computeActivityQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	start, err := parseRequiredTime("period_start", query.PeriodStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	end, err := parseRequiredTime("period_end", query.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	subjectID, err := parseOptionalSnowflakeID(query.SubjectID)
	if err != nil {
		AbortWithError(c, newValidationError("subject_id", "invalid_subject_id", "invalid subject_id"))
		return
	}

	summaries, err := s.activitySvc.ComputeActivity(c.Request.Context(), activitydomain.ComputeRequest{
		PeriodStart: start,
		PeriodEnd:   end,
		SubjectID:   subjectID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summaries})
}
