package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists trading records keyed by their natural ids.
type Storage struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
// For sqlite the DSN is a file path whose directory is created if missing.
func Open(driver, dsn string) (*Storage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		if dsn == "" {
			return nil, errors.New("sqlite: empty path")
		}
		// Ensure directory exists
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&TradeRecord{}, &OrderRecord{}, &PositionRecord{}, &RiskEventRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// upsert inserts rec or overwrites every column of the row with the same
// primary key.
func (s *Storage) upsert(ctx context.Context, rec any) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

// ======================================================================================
// Writes
// ======================================================================================

// SaveTrade upserts a fill by trade id.
func (s *Storage) SaveTrade(ctx context.Context, rec *TradeRecord) error {
	return s.upsert(ctx, rec)
}

// SaveOrder upserts an order by client id.
func (s *Storage) SaveOrder(ctx context.Context, rec *OrderRecord) error {
	return s.upsert(ctx, rec)
}

// SavePosition upserts a position by symbol.
func (s *Storage) SavePosition(ctx context.Context, rec *PositionRecord) error {
	return s.upsert(ctx, rec)
}

// SaveRiskEvent upserts a risk event by id.
func (s *Storage) SaveRiskEvent(ctx context.Context, rec *RiskEventRecord) error {
	return s.upsert(ctx, rec)
}

// ======================================================================================
// Reads
// ======================================================================================

// Trades returns the fills of symbol (all symbols when empty) in time order.
func (s *Storage) Trades(ctx context.Context, symbol string) ([]TradeRecord, error) {
	var out []TradeRecord
	q := s.db.WithContext(ctx).Order("time, trade_id")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Find(&out).Error
	return out, err
}

// Order returns the order with clientID, or nil when unknown.
func (s *Storage) Order(ctx context.Context, clientID string) (*OrderRecord, error) {
	var rec OrderRecord
	err := s.db.WithContext(ctx).First(&rec, "client_id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Positions returns every stored position.
func (s *Storage) Positions(ctx context.Context) ([]PositionRecord, error) {
	var out []PositionRecord
	err := s.db.WithContext(ctx).Order("symbol").Find(&out).Error
	return out, err
}

// RiskEvents returns the latest limit events, newest first.
func (s *Storage) RiskEvents(ctx context.Context, limit int) ([]RiskEventRecord, error) {
	var out []RiskEventRecord
	q := s.db.WithContext(ctx).Order("time desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
