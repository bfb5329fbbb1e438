package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
)

// Open builds the backend selected by cfg
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "badger":
		bc := DefaultBadgerConfig(cfg.Path)
		bc.Logger = logger
		return NewBadgerStore(bc)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
