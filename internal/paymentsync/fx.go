package paymentsync

import (
	"github.com/smallbiznis/backoffice/internal/paymentsync/adapters/stripe"
	"github.com/smallbiznis/backoffice/internal/paymentsync/repository"
	"github.com/smallbiznis/backoffice/internal/paymentsync/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentsync.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.New),
	fx.Provide(service.NewService),
	fx.Provide(
		fx.Annotate(
			service.NewCleaner,
			fx.ResultTags(`group:"bill.cleaners"`),
		),
	),
)
