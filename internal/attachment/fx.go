package attachment

import (
	"github.com/smallbiznis/backoffice/internal/attachment/repository"
	"github.com/smallbiznis/backoffice/internal/attachment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attachment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(
		fx.Annotate(
			service.NewCleaner,
			fx.ResultTags(`group:"bill.cleaners"`),
		),
	),
)
