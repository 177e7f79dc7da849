// Package store provides persistence for positions, hedges, P&L snapshots,
// the trade log and risk limits.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"options-desk/internal/config"
	"options-desk/internal/models"
)

// PositionStore defines the interface for book persistence.
//
// Hedges, snapshots and trades are append-only: inserting a record with an
// existing ID fails with ErrAppendOnly. Positions change only through
// UpdatePositionStatus, which allows open -> closed and open -> expired once.
type PositionStore interface {
	// Positions
	CreatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)
	UpdatePositionStatus(ctx context.Context, id string, status models.PositionStatus, at time.Time, closePrice float64) error
	DeletePosition(ctx context.Context, id string) error

	// Hedges
	AddHedge(ctx context.Context, h *models.Hedge) error
	ListHedges(ctx context.Context, positionID string) ([]models.Hedge, error)

	// P&L snapshots
	AddSnapshot(ctx context.Context, s *models.PnLSnapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]models.PnLSnapshot, error)

	// Trade log
	LogTrade(ctx context.Context, t *models.Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)

	// Risk limits
	SetRiskLimit(ctx context.Context, limit models.RiskLimit) error
	GetRiskLimits(ctx context.Context) ([]models.RiskLimit, error)
	RecordBreach(ctx context.Context, limitType models.RiskLimitType, current float64, at time.Time) error

	// Lifecycle
	Close() error
}

// PositionFilter represents filters for querying positions.
type PositionFilter struct {
	Status      models.PositionStatus
	Symbol      string
	ExpiresFrom time.Time
	ExpiresTo   time.Time
	EnteredFrom time.Time
	EnteredTo   time.Time
	Limit       int
}

// Match reports whether p passes the filter. Bounds are inclusive.
func (f PositionFilter) Match(p *models.Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if !f.ExpiresFrom.IsZero() && p.Expiration.Before(f.ExpiresFrom) {
		return false
	}
	if !f.ExpiresTo.IsZero() && p.Expiration.After(f.ExpiresTo) {
		return false
	}
	if !f.EnteredFrom.IsZero() && p.EntryDate.Before(f.EnteredFrom) {
		return false
	}
	if !f.EnteredTo.IsZero() && p.EntryDate.After(f.EnteredTo) {
		return false
	}
	return true
}

// SnapshotFilter represents filters for querying P&L snapshots.
type SnapshotFilter struct {
	PositionID string
	Since      time.Time
	Limit      int
}

// TradeFilter represents filters for querying the trade log.
type TradeFilter struct {
	PositionID string
	Symbol     string
	Type       models.TradeType
	StartDate  time.Time
	EndDate    time.Time
	Limit      int
}

// Open creates the store selected by cfg.
func Open(cfg config.StoreConfig) (PositionStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
