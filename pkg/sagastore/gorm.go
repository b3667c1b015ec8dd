package sagastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

type sagaModel struct {
	SagaID      string         `gorm:"column:saga_id;primaryKey"`
	OrderID     string         `gorm:"column:order_id"`
	CurrentStep string         `gorm:"column:current_step"`
	Status      string         `gorm:"column:status"`
	Version     int64          `gorm:"column:version"`
	Facts       datatypes.JSON `gorm:"column:facts;type:jsonb"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
	History     []historyModel `gorm:"foreignKey:SagaID;references:SagaID"`
}

func (sagaModel) TableName() string { return "saga_instances" }

type historyModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	SagaID     string    `gorm:"column:saga_id"`
	Position   int       `gorm:"column:position"`
	Step       string    `gorm:"column:step"`
	Outcome    string    `gorm:"column:outcome"`
	EventID    string    `gorm:"column:event_id"`
	EventType  string    `gorm:"column:event_type"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (historyModel) TableName() string { return "saga_history" }

// Gorm stores sagas in Postgres. Commands are written to the outbox table
// through the same transaction.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGorm(db *gorm.DB, logger *zap.Logger) *Gorm {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gorm{db: db, logger: logger}
}

func (g *Gorm) Load(ctx context.Context, sagaID string) (*saga.Instance, error) {
	var row sagaModel
	err := g.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("saga_id = ?", sagaID).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saga.ErrSagaNotFound
		}
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	return row.toInstance()
}

func (g *Gorm) Save(ctx context.Context, inst *saga.Instance, expectedVersion int64, commands []schema.Envelope) error {
	row, err := modelFromInstance(inst)
	if err != nil {
		return err
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedVersion == 0 {
			if err := tx.Omit(clause.Associations).Create(&row).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&sagaModel{}).
				Where("saga_id = ? AND version = ?", inst.SagaID, expectedVersion).
				Updates(map[string]any{
					"current_step": row.CurrentStep,
					"status":       row.Status,
					"version":      row.Version,
					"facts":        row.Facts,
					"updated_at":   row.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: saga %s expected version %d", saga.ErrVersionConflict, inst.SagaID, expectedVersion)
			}
		}

		if len(row.History) > 0 {
			// entries already stored keep their position
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "saga_id"}, {Name: "position"}},
				DoNothing: true,
			}).Create(&row.History).Error; err != nil {
				return err
			}
		}

		for _, cmd := range commands {
			if _, err := store.InsertWith(ctx, tx.Statement.ConnPool, cmd); err != nil {
				return fmt.Errorf("enqueue %s: %w", cmd.EventType, err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) && !errors.Is(err, store.ErrDuplicateEvent) {
			return fmt.Errorf("%w: saga %s: %w", saga.ErrVersionConflict, inst.SagaID, err)
		}
		if !errors.Is(err, saga.ErrVersionConflict) {
			g.logger.Error("Failed to save saga", zap.String("saga_id", inst.SagaID), zap.Error(err))
		}
		return err
	}
	return nil
}

func (g *Gorm) ListActive(ctx context.Context) ([]*saga.Instance, error) {
	var rows []sagaModel
	err := g.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("status IN ?", []string{string(saga.StatusRunning), string(saga.StatusCompensating)}).
		Order("saga_id ASC").
		Find(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("list active sagas: %w", err)
	}

	out := make([]*saga.Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Ping checks the database connection.
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func modelFromInstance(inst *saga.Instance) (sagaModel, error) {
	facts, err := json.Marshal(inst.Facts)
	if err != nil {
		return sagaModel{}, fmt.Errorf("encode saga facts: %w", err)
	}
	row := sagaModel{
		SagaID:      inst.SagaID,
		OrderID:     inst.OrderID,
		CurrentStep: string(inst.CurrentStep),
		Status:      string(inst.Status),
		Version:     inst.Version,
		Facts:       datatypes.JSON(facts),
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
	for i, h := range inst.History {
		row.History = append(row.History, historyModel{
			SagaID:     inst.SagaID,
			Position:   i,
			Step:       string(h.Step),
			Outcome:    h.Outcome,
			EventID:    h.EventID,
			EventType:  h.EventType,
			OccurredAt: h.At,
		})
	}
	return row, nil
}

func (m sagaModel) toInstance() (*saga.Instance, error) {
	inst := &saga.Instance{
		SagaID:      m.SagaID,
		OrderID:     m.OrderID,
		CurrentStep: saga.Step(m.CurrentStep),
		Status:      saga.Status(m.Status),
		Version:     m.Version,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
	if len(m.Facts) > 0 {
		if err := json.Unmarshal(m.Facts, &inst.Facts); err != nil {
			return nil, fmt.Errorf("decode facts of saga %s: %w", m.SagaID, err)
		}
	}
	for _, h := range m.History {
		inst.History = append(inst.History, saga.HistoryEntry{
			Step:      saga.Step(h.Step),
			Outcome:   h.Outcome,
			EventID:   h.EventID,
			EventType: h.EventType,
			At:        h.OccurredAt.UTC(),
		})
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
