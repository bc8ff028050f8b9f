package server

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/backoffice/internal/activity"
	activitydomain "github.com/smallbiznis/backoffice/internal/activity/domain"
	"github.com/smallbiznis/backoffice/internal/attachment"
	attachmentdomain "github.com/smallbiznis/backoffice/internal/attachment/domain"
	"github.com/smallbiznis/backoffice/internal/audit"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	"github.com/smallbiznis/backoffice/internal/authorization"
	"github.com/smallbiznis/backoffice/internal/bill"
	billdomain "github.com/smallbiznis/backoffice/internal/bill/domain"
	"github.com/smallbiznis/backoffice/internal/config"
	"github.com/smallbiznis/backoffice/internal/document"
	"github.com/smallbiznis/backoffice/internal/observability"
	obsmiddleware "github.com/smallbiznis/backoffice/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/backoffice/internal/observability/metrics"
	obstracing "github.com/smallbiznis/backoffice/internal/observability/tracing"
	"github.com/smallbiznis/backoffice/internal/paymentsync"
	paymentsyncdomain "github.com/smallbiznis/backoffice/internal/paymentsync/domain"
	"github.com/smallbiznis/backoffice/internal/providers/pdf"
	"github.com/smallbiznis/backoffice/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxUploadBytes bounds multipart attachment uploads.
const maxUploadBytes = 20 << 20

var Module = fx.Module("http.server",
	authorization.Module,
	audit.Module,
	activity.Module,
	bill.Module,
	document.Module,
	pdf.Module,
	attachment.Module,
	ratelimit.Module,
	paymentsync.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())
	r.MaxMultipartMemory = maxUploadBytes
	r.NoRoute(noRoute)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	validate       *validator.Validate
	authzSvc       authorization.Service
	auditSvc       auditdomain.Service
	activitySvc    activitydomain.Service
	billSvc        billdomain.Service
	attachmentSvc  attachmentdomain.Service
	paymentSyncSvc paymentsyncdomain.Service
	webhookLimiter *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	AuthzSvc       authorization.Service
	AuditSvc       auditdomain.Service
	ActivitySvc    activitydomain.Service
	BillSvc        billdomain.Service
	AttachmentSvc  attachmentdomain.Service
	PaymentSyncSvc paymentsyncdomain.Service
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		validate:       newValidator(),
		authzSvc:       p.AuthzSvc,
		auditSvc:       p.AuditSvc,
		activitySvc:    p.ActivitySvc,
		billSvc:        p.BillSvc,
		attachmentSvc:  p.AttachmentSvc,
		paymentSyncSvc: p.PaymentSyncSvc,
		webhookLimiter: p.WebhookLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1")
	admin.Use(s.AuthRequired())

	admin.GET("/activity", s.RequirePermission(authorization.ObjectActivity, authorization.ActionActivityView), s.ComputeActivity)

	admin.GET("/bills", s.RequirePermission(authorization.ObjectBill, authorization.ActionBillView), s.ListBills)
	admin.POST("/bills", s.CreateBill)
	admin.GET("/bills/:id", s.RequirePermission(authorization.ObjectBill, authorization.ActionBillView), s.GetBill)
	admin.PATCH("/bills/:id", s.UpdateBillDetails)
	admin.DELETE("/bills/:id", s.DeleteBill)
	admin.POST("/bills/:id/status", s.UpdateBillStatus)
	admin.GET("/bills/:id/credits", s.RequirePermission(authorization.ObjectBill, authorization.ActionBillView), s.ListBillCredits)
	admin.POST("/bills/:id/credits", s.ApplyBillCredit)
	admin.GET("/bills/:id/payment-record", s.RequirePermission(authorization.ObjectBill, authorization.ActionBillView), s.GetPaymentRecord)

	attachmentsView := s.RequirePermission(authorization.ObjectAttachment, authorization.ActionAttachmentView)
	admin.GET("/bills/:id/attachments", attachmentsView, s.ListAttachments)
	admin.GET("/bills/:id/primary-attachment", attachmentsView, s.GetPrimaryAttachment)
	admin.POST("/bills/:id/attachments", s.UploadAttachment)
	admin.POST("/bills/:id/attachments/link", s.LinkAttachment)
	admin.POST("/bills/:id/attachments/generate-invoice", s.GenerateInvoiceAttachment)
	admin.POST("/bills/:id/attachments/generate-receipt", s.GenerateReceiptAttachment)
	admin.POST("/bills/:id/attachments/:attachment_id/primary", s.SetPrimaryAttachment)
	admin.DELETE("/bills/:id/attachments/:attachment_id", s.UnlinkAttachment)
	admin.GET("/bills/:id/attachments/:attachment_id/download", attachmentsView, s.DownloadAttachment)

	admin.POST("/payment-sync/test-connection", s.RequirePermission(authorization.ObjectPaymentSync, authorization.ActionPaymentSyncTest), s.TestPaymentConnection)
	admin.POST("/payment-sync/batches", s.CreateInvoiceBatch)
	admin.GET("/webhook-events", s.RequirePermission(authorization.ObjectWebhookEvent, authorization.ActionWebhookEventView), s.ListWebhookEvents)
	admin.POST("/webhook-events/:event_id/replay", s.ReplayWebhookEvent)

	admin.GET("/audit-logs", s.RequirePermission(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

// bindJSON decodes and validates a request body.
func (s *Server) bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return invalidRequestError()
	}
	if err := s.validate.Struct(dst); err != nil {
		return fromValidator(err)
	}
	return nil
}
