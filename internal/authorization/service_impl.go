package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	auditdomain "github.com/smallbiznis/backoffice/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectActivity     = "activity"
	ObjectBill         = "bill"
	ObjectAttachment   = "invoice_attachment"
	ObjectPaymentSync  = "payment_sync"
	ObjectWebhookEvent = "webhook_event"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionActivityView = "activity.view"

	ActionBillView         = "bill.view"
	ActionBillCreate       = "bill.create"
	ActionBillUpdateStatus = "bill.update_status"
	ActionBillUpdate       = "bill.update"
	ActionBillApplyCredit  = "bill.apply_credit"
	ActionBillDelete       = "bill.delete"

	ActionAttachmentView   = "invoice_attachment.view"
	ActionAttachmentManage = "invoice_attachment.manage"

	ActionPaymentSyncTest  = "payment_sync.test_connection"
	ActionPaymentSyncBatch = "payment_sync.create_batch"

	ActionWebhookEventView   = "webhook_event.view"
	ActionWebhookEventReplay = "webhook_event.replay"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleBillingAdmin  = "billing_admin"
	RoleBillingViewer = "billing_viewer"
	RoleSystem        = "system"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor actorcontext.Actor, object string, action string) error {
	actorID := strings.TrimSpace(actor.ID)
	if actorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		s.auditDenied(ctx, actor, object, action)
		return err
	}
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actor, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actor, object, action)
	}
	return nil
}

func resolveActor(actor actorcontext.Actor) (string, string, error) {
	actorType := strings.ToLower(strings.TrimSpace(actor.Type))
	switch actorType {
	case actorcontext.ActorTypeSystem:
		return fmt.Sprintf("system:%s", strings.TrimSpace(actor.ID)), "role:" + RoleSystem, nil
	case actorcontext.ActorTypeAdmin, "":
		role := strings.ToLower(strings.TrimSpace(actor.Role))
		switch role {
		case RoleBillingAdmin, RoleBillingViewer:
		default:
			return "", "", ErrInvalidRole
		}
		return fmt.Sprintf("admin:%s", strings.TrimSpace(actor.ID)), "role:" + role, nil
	default:
		return "", "", ErrInvalidActor
	}
}

// ensureGrouping keeps exactly one role link per subject, following the
// role carried by the verified token.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor actorcontext.Actor, object string, action string) {
	s.audit(ctx, "authorization.denied", actor, object, action)
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actor actorcontext.Actor, object string, action string) {
	s.audit(ctx, "authorization.granted", actor, object, action)
}

func (s *ServiceImpl) audit(ctx context.Context, event string, actor actorcontext.Actor, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	actorType := actor.Type
	if actorType == "" {
		actorType = actorcontext.ActorTypeAdmin
	}
	_ = s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actor.ID,
		Action:     event,
		TargetType: "authorization",
		TargetID:   object,
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"role":   actor.Role,
		},
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionBillDelete, ActionPaymentSyncBatch, ActionWebhookEventReplay:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	viewer := [][]string{
		{ObjectActivity, ActionActivityView},
		{ObjectBill, ActionBillView},
		{ObjectAttachment, ActionAttachmentView},
		{ObjectWebhookEvent, ActionWebhookEventView},
	}
	admin := append([][]string{
		{ObjectBill, ActionBillCreate},
		{ObjectBill, ActionBillUpdateStatus},
		{ObjectBill, ActionBillUpdate},
		{ObjectBill, ActionBillApplyCredit},
		{ObjectBill, ActionBillDelete},
		{ObjectAttachment, ActionAttachmentManage},
		{ObjectPaymentSync, ActionPaymentSyncTest},
		{ObjectPaymentSync, ActionPaymentSyncBatch},
		{ObjectWebhookEvent, ActionWebhookEventReplay},
		{ObjectAuditLog, ActionAuditLogView},
	}, viewer...)
	system := [][]string{
		{ObjectBill, ActionBillView},
		{ObjectBill, ActionBillCreate},
		{ObjectBill, ActionBillUpdateStatus},
	}

	grants := map[string][][]string{
		RoleBillingViewer: viewer,
		RoleBillingAdmin:  admin,
		RoleSystem:        system,
	}
	for role, rules := range grants {
		for _, rule := range rules {
			if _, err := enforcer.AddPolicy("role:"+role, rule[0], rule[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
