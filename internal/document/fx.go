package document

import (
	"context"
	"fmt"

	"github.com/smallbiznis/backoffice/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("document",
	fx.Provide(NewStore),
)

func NewStore(cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		if cfg.IsProduction() {
			return nil, fmt.Errorf("memory document store is not allowed in production")
		}
		log.Warn("using in-memory document store")
		return NewMemoryStore(), nil
	case "s3", "":
		return NewS3Store(context.Background(), cfg.Storage, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
