package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/observability/metrics"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Source  domain.EventSource
	Billing *config.BillingConfigHolder
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	source  domain.EventSource
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("activity.service"),
		source:  p.Source,
		billing: p.Billing,
		metrics: p.Metrics,
	}
}

func (s *Service) ComputeActivity(ctx context.Context, req domain.ComputeRequest) ([]domain.ActivitySummary, error) {
	from, until, err := domain.NormalizeRange(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, errs.Validation(domain.ErrInvalidPeriod.Error(), "period end must not be before period start")
	}
	if req.SubjectID != nil && *req.SubjectID == 0 {
		return nil, errs.Validation(domain.ErrInvalidSubject.Error(), "subject id is invalid")
	}

	events, err := s.source.EventsBetween(ctx, from, until, req.SubjectID)
	if err != nil {
		s.log.Error("failed to load activity events",
			zap.Time("from", from),
			zap.Time("until", until),
			zap.Error(err),
		)
		return nil, errs.Persistence("activity store unavailable", err)
	}

	cfg := s.billing.Get()
	summaries := domain.Summarize(events, req.PeriodStart.UTC(), req.PeriodEnd.UTC(), domain.Rates{
		StandardUnitRate: cfg.StandardUnitRate,
		ManualReviewRate: cfg.ManualReviewRate,
	})
	s.metrics.RecordActivityQuery(ctx, len(summaries))

	s.log.Debug("activity computed",
		zap.Int("events", len(events)),
		zap.Int("subjects", len(summaries)),
	)
	return summaries, nil
}

func (s *Service) SubjectActivity(ctx context.Context, subjectID snowflake.ID, start, end time.Time) (domain.ActivitySummary, bool, error) {
	summaries, err := s.ComputeActivity(ctx, domain.ComputeRequest{
		PeriodStart: start,
		PeriodEnd:   end,
		SubjectID:   &subjectID,
	})
	if err != nil {
		return domain.ActivitySummary{}, false, err
	}
	for _, summary := range summaries {
		if summary.SubjectID == subjectID {
			return summary, true, nil
		}
	}
	return domain.ActivitySummary{}, false, nil
}
