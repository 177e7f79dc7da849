package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/models"
)

// MemoryStore implements PositionStore in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	positions  map[string]*models.Position
	order      []string
	hedges     map[string][]models.Hedge
	hedgeIDs   map[string]struct{}
	snapshots  []models.PnLSnapshot
	nextSnapID int64
	trades     []models.Trade
	tradeIDs   map[string]struct{}
	limits     map[models.RiskLimitType]*models.RiskLimit
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*models.Position),
		hedges:    make(map[string][]models.Hedge),
		hedgeIDs:  make(map[string]struct{}),
		tradeIDs:  make(map[string]struct{}),
		limits:    make(map[models.RiskLimitType]*models.RiskLimit),
	}
}

func clonePosition(p *models.Position) *models.Position {
	c := *p
	if p.CloseDate != nil {
		t := *p.CloseDate
		c.CloseDate = &t
	}
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		c.ClosePrice = &v
	}
	return &c
}

// CreatePosition stores a new position.
func (m *MemoryStore) CreatePosition(_ context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return apperrors.AppendOnly("store.create_position", "position", p.ID)
	}
	m.positions[p.ID] = clonePosition(p)
	m.order = append(m.order, p.ID)
	return nil
}

// GetPosition returns a position by ID.
func (m *MemoryStore) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, apperrors.NotFound("store.get_position", "position", id)
	}
	return clonePosition(p), nil
}

// ListPositions returns positions matching filter ordered by entry date.
func (m *MemoryStore) ListPositions(_ context.Context, filter PositionFilter) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Position
	for _, id := range m.order {
		p := m.positions[id]
		if filter.Match(p) {
			out = append(out, *clonePosition(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EntryDate.Before(out[j].EntryDate)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdatePositionStatus closes or expires an open position.
func (m *MemoryStore) UpdatePositionStatus(_ context.Context, id string, status models.PositionStatus, at time.Time, closePrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return apperrors.NotFound("store.update_status", "position", id)
	}
	if !p.Status.CanTransition(status) {
		return apperrors.InvalidTransition("store.update_status", id, string(p.Status), string(status))
	}
	p.Status = status
	p.CloseDate = &at
	p.ClosePrice = &closePrice
	return nil
}

// DeletePosition removes a position with its hedges and snapshots.
func (m *MemoryStore) DeletePosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return apperrors.NotFound("store.delete_position", "position", id)
	}
	delete(m.positions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for _, h := range m.hedges[id] {
		delete(m.hedgeIDs, h.ID)
	}
	delete(m.hedges, id)

	kept := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.PositionID != id {
			kept = append(kept, s)
		}
	}
	m.snapshots = kept
	return nil
}

// AddHedge appends a hedge to its position.
func (m *MemoryStore) AddHedge(_ context.Context, h *models.Hedge) error {
	if err := h.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[h.PositionID]; !ok {
		return apperrors.NotFound("store.add_hedge", "position", h.PositionID)
	}
	if _, dup := m.hedgeIDs[h.ID]; dup {
		return apperrors.AppendOnly("store.add_hedge", "hedge", h.ID)
	}
	m.hedgeIDs[h.ID] = struct{}{}
	m.hedges[h.PositionID] = append(m.hedges[h.PositionID], *h)
	return nil
}

// ListHedges returns a position's hedges in execution order. An empty
// positionID lists every hedge.
func (m *MemoryStore) ListHedges(_ context.Context, positionID string) ([]models.Hedge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if positionID != "" {
		return append([]models.Hedge(nil), m.hedges[positionID]...), nil
	}
	var out []models.Hedge
	for _, id := range m.order {
		out = append(out, m.hedges[id]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// AddSnapshot appends a snapshot and assigns its ID.
func (m *MemoryStore) AddSnapshot(_ context.Context, s *models.PnLSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[s.PositionID]; !ok {
		return apperrors.NotFound("store.add_snapshot", "position", s.PositionID)
	}
	if s.ID != 0 {
		return apperrors.AppendOnly("store.add_snapshot", "snapshot", strconv.FormatInt(s.ID, 10))
	}
	m.nextSnapID++
	s.ID = m.nextSnapID
	m.snapshots = append(m.snapshots, *s)
	return nil
}

// ListSnapshots returns snapshots oldest first.
func (m *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]models.PnLSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PnLSnapshot
	for _, s := range m.snapshots {
		if filter.PositionID != "" && s.PositionID != filter.PositionID {
			continue
		}
		if !filter.Since.IsZero() && s.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// LogTrade appends to the trade log.
func (m *MemoryStore) LogTrade(_ context.Context, t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tradeIDs[t.ID]; dup {
		return apperrors.AppendOnly("store.log_trade", "trade", t.ID)
	}
	m.tradeIDs[t.ID] = struct{}{}
	m.trades = append(m.trades, *t)
	return nil
}

// ListTrades returns trades newest first.
func (m *MemoryStore) ListTrades(_ context.Context, filter TradeFilter) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Trade
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if filter.PositionID != "" && t.PositionID != filter.PositionID {
			continue
		}
		if filter.Symbol != "" && t.Symbol != filter.Symbol {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if !filter.StartDate.IsZero() && t.Timestamp.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && t.Timestamp.After(filter.EndDate) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetRiskLimit creates or replaces a limit value, keeping its breach count.
func (m *MemoryStore) SetRiskLimit(_ context.Context, limit models.RiskLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.limits[limit.Type]; ok {
		existing.Value = limit.Value
		existing.LastUpdated = limit.LastUpdated
		return nil
	}
	l := limit
	m.limits[limit.Type] = &l
	return nil
}

// GetRiskLimits returns all limits ordered by type.
func (m *MemoryStore) GetRiskLimits(_ context.Context) ([]models.RiskLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RiskLimit, 0, len(m.limits))
	for _, l := range m.limits {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// RecordBreach increments a limit's breach counter.
func (m *MemoryStore) RecordBreach(_ context.Context, limitType models.RiskLimitType, current float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limits[limitType]
	if !ok {
		return apperrors.NotFound("store.record_breach", "risk limit", string(limitType))
	}
	l.BreachCount++
	l.CurrentValue = current
	l.LastUpdated = at
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
