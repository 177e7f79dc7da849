package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// SQLiteStore implements PositionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based position store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Option positions
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		option_type TEXT NOT NULL CHECK (option_type IN ('call', 'put')),
		strike REAL NOT NULL CHECK (strike > 0),
		expiration DATETIME NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity <> 0),
		premium REAL NOT NULL,
		entry_price REAL NOT NULL,
		entry_date DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		close_date DATETIME,
		close_price REAL,
		implied_vol REAL NOT NULL,
		risk_free_rate REAL NOT NULL,
		dividend_yield REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Hedge trades, append-only
	CREATE TABLE IF NOT EXISTS hedges (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		position_id TEXT NOT NULL,
		hedge_quantity REAL NOT NULL,
		hedge_price REAL NOT NULL,
		hedge_date DATETIME NOT NULL,
		transaction_cost REAL NOT NULL,
		delta_before REAL NOT NULL,
		delta_after REAL NOT NULL,
		underlying_price REAL NOT NULL,
		hedge_type TEXT NOT NULL,
		FOREIGN KEY (position_id) REFERENCES positions(id) ON DELETE CASCADE
	);

	-- P&L snapshots, append-only
	CREATE TABLE IF NOT EXISTS pnl_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		snapshot_date DATETIME NOT NULL,
		underlying_price REAL NOT NULL,
		option_price REAL NOT NULL,
		delta REAL NOT NULL,
		gamma REAL NOT NULL,
		vega REAL NOT NULL,
		theta REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		total_pnl REAL NOT NULL,
		FOREIGN KEY (position_id) REFERENCES positions(id) ON DELETE CASCADE
	);

	-- Execution log
	CREATE TABLE IF NOT EXISTS trades (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		position_id TEXT,
		trade_type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity REAL NOT NULL,
		price TEXT NOT NULL,
		commission TEXT NOT NULL,
		trade_date DATETIME NOT NULL,
		notes TEXT
	);

	-- Risk limits with breach counters
	CREATE TABLE IF NOT EXISTS risk_limits (
		limit_type TEXT PRIMARY KEY,
		limit_value REAL NOT NULL,
		current_value REAL NOT NULL DEFAULT 0,
		breach_count INTEGER NOT NULL DEFAULT 0,
		last_updated DATETIME
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
	CREATE INDEX IF NOT EXISTS idx_positions_expiration ON positions(expiration);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
	CREATE INDEX IF NOT EXISTS idx_hedges_position ON hedges(position_id, hedge_date);
	CREATE INDEX IF NOT EXISTS idx_snapshots_position ON pnl_snapshots(position_id, snapshot_date);
	CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id);
	CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func dbError(op string, err error) error {
	e := apperrors.New(apperrors.KindInternal, op, "database error")
	e.Err = fmt.Errorf("%w: %v", apperrors.ErrDatabaseError, err)
	return e
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = "id, symbol, option_type, strike, expiration, quantity, premium, entry_price, entry_date, status, close_date, close_price, implied_vol, risk_free_rate, dividend_yield"

// CreatePosition stores a new position.
func (s *SQLiteStore) CreatePosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, string(p.Kind), p.Strike, p.Expiration.UTC(), p.Quantity, p.Premium, p.EntryPrice,
		p.EntryDate.UTC(), string(p.Status), nullTime(p.CloseDate), nullFloat(p.ClosePrice),
		p.ImpliedVol, p.RiskFreeRate, p.DividendYield)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AppendOnly("store.create_position", "position", p.ID)
		}
		return dbError("store.create_position", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var kind, status string
	var closeDate sql.NullTime
	var closePrice sql.NullFloat64

	if err := row.Scan(&p.ID, &p.Symbol, &kind, &p.Strike, &p.Expiration, &p.Quantity, &p.Premium,
		&p.EntryPrice, &p.EntryDate, &status, &closeDate, &closePrice,
		&p.ImpliedVol, &p.RiskFreeRate, &p.DividendYield); err != nil {
		return nil, err
	}
	p.Kind = models.OptionKind(kind)
	p.Status = models.PositionStatus(status)
	if closeDate.Valid {
		t := closeDate.Time
		p.CloseDate = &t
	}
	if closePrice.Valid {
		v := closePrice.Float64
		p.ClosePrice = &v
	}
	return &p, nil
}

// GetPosition returns a position by ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+positionColumns+" FROM positions WHERE id = ?", id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("store.get_position", "position", id)
	}
	if err != nil {
		return nil, dbError("store.get_position", err)
	}
	return p, nil
}

// ListPositions returns positions matching filter ordered by entry date.
func (s *SQLiteStore) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}

	query += " ORDER BY entry_date ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("store.list_positions", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, dbError("store.list_positions", err)
		}
		// Date bounds are applied in Go so comparisons use time.Time
		// semantics instead of the text encoding.
		if !filter.Match(p) {
			continue
		}
		positions = append(positions, *p)
		if filter.Limit > 0 && len(positions) == filter.Limit {
			break
		}
	}

	return positions, rows.Err()
}

// UpdatePositionStatus closes or expires an open position.
func (s *SQLiteStore) UpdatePositionStatus(ctx context.Context, id string, status models.PositionStatus, at time.Time, closePrice float64) error {
	const op = "store.update_status"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(op, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM positions WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return apperrors.NotFound(op, "position", id)
	}
	if err != nil {
		return dbError(op, err)
	}
	if !models.PositionStatus(current).CanTransition(status) {
		return apperrors.InvalidTransition(op, id, current, string(status))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, close_date = ?, close_price = ?
		WHERE id = ? AND status = 'open'
	`, string(status), at.UTC(), closePrice, id); err != nil {
		return dbError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return dbError(op, err)
	}
	return nil
}

// DeletePosition removes a position with its hedges and snapshots.
func (s *SQLiteStore) DeletePosition(ctx context.Context, id string) error {
	const op = "store.delete_position"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError(op, err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM hedges WHERE position_id = ?",
		"DELETE FROM pnl_snapshots WHERE position_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return dbError(op, err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE id = ?", id)
	if err != nil {
		return dbError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound(op, "position", id)
	}

	if err := tx.Commit(); err != nil {
		return dbError(op, err)
	}
	return nil
}

// ============================================================================
// Hedges
// ============================================================================

// AddHedge appends a hedge to its position.
func (s *SQLiteStore) AddHedge(ctx context.Context, h *models.Hedge) error {
	const op = "store.add_hedge"
	if err := h.Validate(); err != nil {
		return err
	}
	if err := s.requirePosition(ctx, op, h.PositionID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hedges (id, position_id, hedge_quantity, hedge_price, hedge_date, transaction_cost, delta_before, delta_after, underlying_price, hedge_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.PositionID, h.Quantity, h.Price, h.Timestamp.UTC(), h.TransactionCost,
		h.DeltaBefore, h.DeltaAfter, h.UnderlyingPrice, string(h.Kind))
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AppendOnly(op, "hedge", h.ID)
		}
		return dbError(op, err)
	}
	return nil
}

// ListHedges returns a position's hedges in execution order. An empty
// positionID lists every hedge.
func (s *SQLiteStore) ListHedges(ctx context.Context, positionID string) ([]models.Hedge, error) {
	query := `SELECT id, position_id, hedge_quantity, hedge_price, hedge_date, transaction_cost, delta_before, delta_after, underlying_price, hedge_type FROM hedges`
	args := []interface{}{}
	if positionID != "" {
		query += " WHERE position_id = ?"
		args = append(args, positionID)
	}
	query += " ORDER BY hedge_date ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("store.list_hedges", err)
	}
	defer rows.Close()

	var hedges []models.Hedge
	for rows.Next() {
		var h models.Hedge
		var kind string
		if err := rows.Scan(&h.ID, &h.PositionID, &h.Quantity, &h.Price, &h.Timestamp, &h.TransactionCost,
			&h.DeltaBefore, &h.DeltaAfter, &h.UnderlyingPrice, &kind); err != nil {
			return nil, dbError("store.list_hedges", err)
		}
		h.Kind = models.HedgeKind(kind)
		hedges = append(hedges, h)
	}
	return hedges, rows.Err()
}

func (s *SQLiteStore) requirePosition(ctx context.Context, op, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM positions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return apperrors.NotFound(op, "position", id)
	}
	if err != nil {
		return dbError(op, err)
	}
	return nil
}

// ============================================================================
// Snapshots
// ============================================================================

// AddSnapshot appends a snapshot and assigns its ID.
func (s *SQLiteStore) AddSnapshot(ctx context.Context, snap *models.PnLSnapshot) error {
	const op = "store.add_snapshot"
	if snap.ID != 0 {
		return apperrors.AppendOnly(op, "snapshot", strconv.FormatInt(snap.ID, 10))
	}
	if err := s.requirePosition(ctx, op, snap.PositionID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pnl_snapshots (position_id, snapshot_date, underlying_price, option_price, delta, gamma, vega, theta, unrealized_pnl, realized_pnl, total_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.PositionID, snap.Timestamp.UTC(), snap.UnderlyingPrice, snap.OptionPrice,
		snap.Delta, snap.Gamma, snap.Vega, snap.Theta, snap.UnrealizedPnL, snap.RealizedPnL, snap.TotalPnL)
	if err != nil {
		return dbError(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dbError(op, err)
	}
	snap.ID = id
	return nil
}

// ListSnapshots returns snapshots oldest first. With a limit, the most
// recent snapshots are kept.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]models.PnLSnapshot, error) {
	query := `SELECT id, position_id, snapshot_date, underlying_price, option_price, delta, gamma, vega, theta, unrealized_pnl, realized_pnl, total_pnl FROM pnl_snapshots WHERE 1=1`
	args := []interface{}{}

	if filter.PositionID != "" {
		query += " AND position_id = ?"
		args = append(args, filter.PositionID)
	}
	query += " ORDER BY snapshot_date ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("store.list_snapshots", err)
	}
	defer rows.Close()

	var snaps []models.PnLSnapshot
	for rows.Next() {
		var sn models.PnLSnapshot
		if err := rows.Scan(&sn.ID, &sn.PositionID, &sn.Timestamp, &sn.UnderlyingPrice, &sn.OptionPrice,
			&sn.Delta, &sn.Gamma, &sn.Vega, &sn.Theta, &sn.UnrealizedPnL, &sn.RealizedPnL, &sn.TotalPnL); err != nil {
			return nil, dbError("store.list_snapshots", err)
		}
		if !filter.Since.IsZero() && sn.Timestamp.Before(filter.Since) {
			continue
		}
		snaps = append(snaps, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("store.list_snapshots", err)
	}
	if filter.Limit > 0 && len(snaps) > filter.Limit {
		snaps = snaps[len(snaps)-filter.Limit:]
	}
	return snaps, nil
}

// ============================================================================
// Trade log
// ============================================================================

// LogTrade appends to the trade log.
func (s *SQLiteStore) LogTrade(ctx context.Context, t *models.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, trade_type, symbol, quantity, price, commission, trade_date, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PositionID, string(t.Type), t.Symbol, t.Quantity, t.Price, t.Commission, t.Timestamp.UTC(), t.Notes)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AppendOnly("store.log_trade", "trade", t.ID)
		}
		return dbError("store.log_trade", err)
	}
	return nil
}

// ListTrades returns trades newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := "SELECT id, position_id, trade_type, symbol, quantity, price, commission, trade_date, notes FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.PositionID != "" {
		query += " AND position_id = ?"
		args = append(args, filter.PositionID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Type != "" {
		query += " AND trade_type = ?"
		args = append(args, string(filter.Type))
	}

	query += " ORDER BY trade_date DESC, seq DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("store.list_trades", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var kind string
		var notes sql.NullString
		if err := rows.Scan(&t.ID, &t.PositionID, &kind, &t.Symbol, &t.Quantity, &t.Price, &t.Commission, &t.Timestamp, &notes); err != nil {
			return nil, dbError("store.list_trades", err)
		}
		if !filter.StartDate.IsZero() && t.Timestamp.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && t.Timestamp.After(filter.EndDate) {
			continue
		}
		t.Type = models.TradeType(kind)
		t.Notes = notes.String
		trades = append(trades, t)
		if filter.Limit > 0 && len(trades) == filter.Limit {
			break
		}
	}

	return trades, rows.Err()
}

// ============================================================================
// Risk limits
// ============================================================================

// SetRiskLimit creates or replaces a limit value, keeping its breach count.
func (s *SQLiteStore) SetRiskLimit(ctx context.Context, limit models.RiskLimit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_limits (limit_type, limit_value, current_value, breach_count, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(limit_type) DO UPDATE SET limit_value = excluded.limit_value, last_updated = excluded.last_updated
	`, string(limit.Type), limit.Value, limit.CurrentValue, limit.BreachCount, limit.LastUpdated.UTC())
	if err != nil {
		return dbError("store.set_risk_limit", err)
	}
	return nil
}

// GetRiskLimits returns all limits ordered by type.
func (s *SQLiteStore) GetRiskLimits(ctx context.Context) ([]models.RiskLimit, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT limit_type, limit_value, current_value, breach_count, last_updated FROM risk_limits ORDER BY limit_type")
	if err != nil {
		return nil, dbError("store.get_risk_limits", err)
	}
	defer rows.Close()

	var limits []models.RiskLimit
	for rows.Next() {
		var l models.RiskLimit
		var kind string
		var updated sql.NullTime
		if err := rows.Scan(&kind, &l.Value, &l.CurrentValue, &l.BreachCount, &updated); err != nil {
			return nil, dbError("store.get_risk_limits", err)
		}
		l.Type = models.RiskLimitType(kind)
		if updated.Valid {
			l.LastUpdated = updated.Time
		}
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// RecordBreach increments a limit's breach counter.
func (s *SQLiteStore) RecordBreach(ctx context.Context, limitType models.RiskLimitType, current float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_limits SET breach_count = breach_count + 1, current_value = ?, last_updated = ?
		WHERE limit_type = ?
	`, current, at.UTC(), string(limitType))
	if err != nil {
		return dbError("store.record_breach", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("store.record_breach", "risk limit", string(limitType))
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
