package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/clock"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/observability/metrics"
	"github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/internal/ratelimit"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// webhookActor applies processor events to bills.
var webhookActor = actorcontext.Actor{
	Type: actorcontext.ActorTypeSystem,
	ID:   "payment-webhook",
	Role: authorization.RoleSystem,
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Bills     billdomain.Service
	BillRepo  billdomain.Repository
	Authz     authorization.Service
	Config    config.Config
	Processor domain.Processor    `optional:"true"`
	Locker    *ratelimit.Locker   `optional:"true"`
	AuditSvc  auditdomain.Service `optional:"true"`
	Clock     clock.Clock         `optional:"true"`
	Metrics   *metrics.Metrics    `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	bills     billdomain.Service
	billRepo  billdomain.Repository
	authz     authorization.Service
	processor domain.Processor
	locker    domain.BatchLocker
	auditSvc  auditdomain.Service
	clock     clock.Clock
	metrics   *metrics.Metrics
	validate  *validator.Validate

	timeout    time.Duration
	batchLimit int
	currency   string
	dueDays    int
	lockTTL    time.Duration
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.System()
	}
	var locker domain.BatchLocker
	if p.Locker.Enabled() {
		locker = p.Locker
	}

	limit := p.Config.Payment.BatchLimit
	if limit <= 0 || limit > config.MaxBatchSize {
		limit = config.MaxBatchSize
	}
	timeout := p.Config.Payment.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	currency := strings.ToLower(strings.TrimSpace(p.Config.Payment.Currency))
	if currency == "" {
		currency = "usd"
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("paymentsync.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		bills:      p.Bills,
		billRepo:   p.BillRepo,
		authz:      p.Authz,
		processor:  p.Processor,
		locker:     locker,
		auditSvc:   p.AuditSvc,
		clock:      c,
		metrics:    p.Metrics,
		validate:   validator.New(),
		timeout:    timeout,
		batchLimit: limit,
		currency:   currency,
		dueDays:    p.Config.Payment.DefaultDueDays,
		lockTTL:    p.Config.Redis.BatchLockTTL,
	}
}

func (s *Service) TestConnection(ctx context.Context) domain.ConnectionResult {
	if s.processor == nil {
		return domain.ConnectionResult{Success: false, Error: domain.ErrProcessorNotSet.Message}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	account, err := s.processor.AccountInfo(callCtx)
	if err != nil {
		s.log.Warn("payment processor connection test failed", zap.Error(err))
		return domain.ConnectionResult{Success: false, Error: errs.Message(remoteErr(err))}
	}
	return domain.ConnectionResult{
		Success:         true,
		AccountID:       account.ID,
		BusinessProfile: account.BusinessProfile,
	}
}

func (s *Service) ListEvents(ctx context.Context, req domain.ListEventsRequest) ([]domain.WebhookEvent, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	events, err := s.repo.ListEvents(ctx, s.db, req.Processed, limit)
	if err != nil {
		return nil, errs.Persistence("failed to list webhook events", err)
	}
	return events, nil
}

func (s *Service) RecordForBill(ctx context.Context, billID snowflake.ID) (domain.ExternalInvoiceRecord, error) {
	record, err := s.repo.FindRecordByBill(ctx, s.db, billID)
	if err != nil {
		return domain.ExternalInvoiceRecord{}, errs.Persistence("failed to load external invoice", err)
	}
	if record == nil {
		return domain.ExternalInvoiceRecord{}, domain.ErrRecordNotFound
	}
	return *record, nil
}

func (s *Service) authorize(ctx context.Context, actor actorcontext.Actor, object, action string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.ErrMissingActor
	}
	err := s.authz.Authorize(ctx, actor, object, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, authorization.ErrInvalidActor):
		return domain.ErrForbidden
	default:
		return errs.Persistence("authorization unavailable", err)
	}
}

func (s *Service) audit(ctx context.Context, actor actorcontext.Actor, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType := actor.Type
	if actorType == "" {
		actorType = actorcontext.ActorTypeAdmin
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actor.ID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// remoteErr classifies processor failures. Adapters usually return
// *errs.Error already; anything else is treated as an external failure.
func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.External("processor_timeout", "payment processor did not respond in time", err, true)
	}
	if errors.Is(err, context.Canceled) {
		return errs.External("processor_cancelled", "payment processor call was cancelled", err, true)
	}
	return errs.External("processor_error", "payment processor request failed", err, false)
}
