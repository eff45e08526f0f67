package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// MemoryStore is an in-memory Store used by package tests across the
// accountant, risk, strategy kernel and simulation engine, avoiding a
// live Postgres dependency for unit tests while preserving the same
// uniqueness/monotonicity guarantees as PostgresStore.
type MemoryStore struct {
	mu         sync.Mutex
	runs       map[string]*types.Run
	positions  map[string]*types.Position
	orders     map[string]*types.Order
	fills      []types.Fill
	accountSS  []types.AccountSnapshot
	priceSS    []types.PriceSnapshot
	events     []types.Event
	cursors    map[string]time.Time
	btResults  map[string]*types.BtResult
	equity     []types.EquityPoint
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*types.Run),
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
		cursors:   make(map[string]time.Time),
		btResults: make(map[string]*types.BtResult),
	}
}

func cursorKey(runID, symbol string) string { return runID + "|" + symbol }
func posKey(runID, symbol string, side types.Side) string { return runID + "|" + symbol + "|" + string(side) }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRun(_ context.Context, run *types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	run.CreatedAt = time.Now().UTC()
	cp := *run
	m.runs[run.RunID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetRunStatus(_ context.Context, runID string, status types.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.Status = status
	return nil
}

func (m *MemoryStore) SetRunCapital(_ context.Context, runID string, capital decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.CurrentCapital = capital
	return nil
}

func (m *MemoryStore) SetDone(ctx context.Context, runID string) error {
	return m.SetRunStatus(ctx, runID, types.StatusDone)
}

func (m *MemoryStore) SetError(_ context.Context, runID string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if len(message) > 1024 {
		message = message[:1024]
	}
	r.Status = types.StatusError
	r.Error = message
	return nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, runID string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(m.runs, runID)
	for k, p := range m.positions {
		if p.RunID == runID {
			delete(m.positions, k)
		}
	}
	for k, o := range m.orders {
		if o.RunID == runID {
			delete(m.orders, k)
		}
	}
	for k := range m.cursors {
		if len(k) > len(runID) && k[:len(runID)] == runID {
			delete(m.cursors, k)
		}
	}
	return nil
}

func (m *MemoryStore) ClaimNextQueuedRun(_ context.Context, workerName string) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*types.Run
	for _, r := range m.runs {
		if r.Status == types.StatusQueued {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoQueuedRun
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	claimed := candidates[0]
	claimed.Status = types.StatusRunning
	now := time.Now().UTC()
	claimed.StartedAt = &now
	_ = workerName
	cp := *claimed
	return &cp, nil
}

func (m *MemoryStore) CreatePosition(_ context.Context, pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.RunID == pos.RunID && p.Symbol == pos.Symbol && p.Side == pos.Side && p.IsInFlight() {
			return ErrPositionAlreadyExists
		}
	}
	if pos.PositionID == "" {
		pos.PositionID = uuid.NewString()
	}
	now := time.Now().UTC()
	pos.CreatedAt, pos.UpdatedAt = now, now
	cp := *pos
	m.positions[pos.PositionID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePosition(_ context.Context, pos *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.UpdatedAt = time.Now().UTC()
	cp := *pos
	m.positions[pos.PositionID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenPosition(_ context.Context, runID, symbol string, side types.Side) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.RunID == runID && p.Symbol == symbol && p.Side == side && p.IsInFlight() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOpenPositions(_ context.Context, runID string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.RunID == runID && p.IsInFlight() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOpenPositionsBySymbol(_ context.Context, runID, symbol string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.RunID == runID && p.Symbol == symbol && p.IsInFlight() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListClosedPositionsBySymbol(_ context.Context, runID, symbol string) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.RunID == runID && p.Symbol == symbol && p.Status == types.PositionClosed {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	cp := *order
	m.orders[order.OrderID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, orderID string, status types.OrderStatus, rejectionReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrRunNotFound
	}
	o.Status = status
	o.RejectionReason = rejectionReason
	return nil
}

func (m *MemoryStore) AppendFill(_ context.Context, fill *types.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	m.fills = append(m.fills, *fill)
	return nil
}

func (m *MemoryStore) ListFillsBySymbol(_ context.Context, runID, symbol string) ([]types.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Fill
	for _, f := range m.fills {
		if f.RunID == runID && f.Symbol == symbol {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendAccountSnapshot(_ context.Context, snap *types.AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	m.accountSS = append(m.accountSS, *snap)
	return nil
}

func (m *MemoryStore) AppendPriceSnapshot(_ context.Context, snap *types.PriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	m.priceSS = append(m.priceSS, *snap)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *MemoryStore) GetCursor(_ context.Context, runID, symbol string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.cursors[cursorKey(runID, symbol)]
	return ts, ok, nil
}

func (m *MemoryStore) SetCursor(_ context.Context, runID, symbol string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cursorKey(runID, symbol)
	if existing, ok := m.cursors[key]; ok && ts.Before(existing) {
		return ErrCursorNotMonotonic
	}
	m.cursors[key] = ts
	return nil
}

func (m *MemoryStore) UpsertBtResult(_ context.Context, r *types.BtResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.btResults[r.RunID+"|"+r.Symbol] = &cp
	return nil
}

func (m *MemoryStore) AppendEquityPoint(_ context.Context, p *types.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, *p)
	return nil
}

func (m *MemoryStore) ListEquityCurve(_ context.Context, runID, symbol string) ([]types.EquityPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.EquityPoint
	for _, p := range m.equity {
		if p.RunID == runID && p.Symbol == symbol {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out, nil
}

// Events exposes the appended events for assertions in tests.
func (m *MemoryStore) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Fills exposes the appended fills for assertions in tests.
func (m *MemoryStore) Fills() []types.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
