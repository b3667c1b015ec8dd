package sagastore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/store/migrations"
)

// Closer is a saga store that holds a connection.
type Closer interface {
	saga.Store
	Ping(ctx context.Context) error
	Close() error
}

// gormOpen is swapped in tests.
var gormOpen = func(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
}

// New builds the saga store for cfg. A memory store shares outbox when it is
// an in-memory repository so the relay publishes the saga's commands.
func New(ctx context.Context, cfg config.DbSettings, outbox store.OutboxRepository, logger *zap.Logger) (Closer, error) {
	switch cfg.Type {
	case "postgres":
		db, err := gormOpen(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open gorm postgres: %w", err)
		}
		g := NewGorm(db, logger)
		if err := g.Ping(ctx); err != nil {
			g.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Migrate {
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			if err := migrations.Up(sqlDB, logger); err != nil {
				g.Close()
				return nil, err
			}
		}
		return g, nil
	case "memory":
		mem, _ := outbox.(*store.MemoryRepository)
		return &memoryCloser{Memory: NewMemory(mem)}, nil
	default:
		return nil, fmt.Errorf("unsupported saga store type: %s", cfg.Type)
	}
}

type memoryCloser struct {
	*Memory
}

func (memoryCloser) Ping(context.Context) error { return nil }
func (memoryCloser) Close() error               { return nil }
