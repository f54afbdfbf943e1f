package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/lock"
	"github.com/atmx/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*model.Event
	markets    map[string]*model.Market
	portfolios map[string]*model.Portfolio
	signals    map[string]*model.Signal
	positions  map[string]*model.Position
	trades     []model.Trade

	marketSnapshots    []model.MarketSnapshot
	portfolioSnapshots []model.PortfolioSnapshot

	locks *lock.Keyed
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*model.Event),
		markets:    make(map[string]*model.Market),
		portfolios: make(map[string]*model.Portfolio),
		signals:    make(map[string]*model.Signal),
		positions:  make(map[string]*model.Position),
		locks:      lock.NewKeyed(),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) LockPortfolio(ctx context.Context, portfolioID string) (func(), error) {
	return s.locks.Lock(ctx, portfolioID)
}

// --- Market data ---

func (s *MemoryStore) UpsertEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		e := e
		s.events[e.ID] = &e
	}
	return nil
}

func (s *MemoryStore) UpsertMarkets(_ context.Context, markets []model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range markets {
		m := m
		s.markets[m.ID] = &m
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

func (s *MemoryStore) ListMarketsByEvents(_ context.Context, eventIDs []string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]struct{}, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = struct{}{}
	}
	var markets []model.Market
	for _, m := range s.markets {
		if _, ok := want[m.EventID]; ok {
			markets = append(markets, *m)
		}
	}
	sortMarkets(markets)
	return markets, nil
}

func (s *MemoryStore) GetMarkets(_ context.Context, ids []string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if m, ok := s.markets[id]; ok {
			markets = append(markets, *m)
		}
	}
	sortMarkets(markets)
	return markets, nil
}

func (s *MemoryStore) UpdateMarketPrices(_ context.Context, quotes []model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range quotes {
		m, ok := s.markets[q.MarketID]
		if !ok {
			continue
		}
		applyQuote(m, q)
	}
	return nil
}

func (s *MemoryStore) InsertMarketSnapshots(_ context.Context, snapshots []model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marketSnapshots = append(s.marketSnapshots, snapshots...)
	return nil
}

// MarketSnapshots returns the price history recorded for a market.
func (s *MemoryStore) MarketSnapshots(marketID string) []model.MarketSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MarketSnapshot
	for _, snap := range s.marketSnapshots {
		if snap.MarketID == marketID {
			out = append(out, snap)
		}
	}
	return out
}

// --- Portfolios ---

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.portfolios[p.ID]; exists {
		return fmt.Errorf("portfolio %s: %w", p.ID, ErrDuplicateKey)
	}
	s.portfolios[p.ID] = clonePortfolio(p)
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return clonePortfolio(p), nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, status model.PortfolioStatus) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Portfolio
	for _, p := range s.portfolios {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *clonePortfolio(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) InsertPortfolioSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.portfolioSnapshots = append(s.portfolioSnapshots, *snap)
	return nil
}

// PortfolioSnapshots returns the snapshots recorded for a portfolio.
func (s *MemoryStore) PortfolioSnapshots(portfolioID string) []model.PortfolioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PortfolioSnapshot
	for _, snap := range s.portfolioSnapshots {
		if snap.PortfolioID == portfolioID {
			out = append(out, snap)
		}
	}
	return out
}

// --- Signals ---

func (s *MemoryStore) InsertSignals(_ context.Context, signals []model.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sig := range signals {
		if _, exists := s.signals[sig.ID]; exists {
			return fmt.Errorf("signal %s: %w", sig.ID, ErrDuplicateKey)
		}
	}
	for _, sig := range signals {
		sig := sig
		s.signals[sig.ID] = &sig
	}
	return nil
}

func (s *MemoryStore) ListPendingSignals(_ context.Context, portfolioID string) ([]model.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Signal
	for _, sig := range s.signals {
		if sig.PortfolioID == portfolioID && sig.Status == model.SignalPending {
			out = append(out, *sig)
		}
	}
	SortPending(out)
	return out, nil
}

// Signal returns a stored signal by ID.
func (s *MemoryStore) Signal(id string) (model.Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[id]
	if !ok {
		return model.Signal{}, false
	}
	return *sig, true
}

func (s *MemoryStore) RejectSignal(_ context.Context, signalID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[signalID]
	if !ok {
		return fmt.Errorf("signal %s: %w", signalID, ErrNotFound)
	}
	if sig.Status != model.SignalPending {
		return fmt.Errorf("signal %s: %w", signalID, ErrSignalNotPending)
	}
	sig.Status = model.SignalRejected
	sig.RejectReason = reason
	return nil
}

// --- Positions and trades ---

func (s *MemoryStore) ListOpenPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, pos := range s.positions {
		if pos.Status != model.PositionOpen {
			continue
		}
		if portfolioID != "" && pos.PortfolioID != portfolioID {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, portfolioID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.PortfolioID == portfolioID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ExecuteTrade validates every precondition before touching any record,
// so a failure leaves the store unchanged.
func (s *MemoryStore) ExecuteTrade(_ context.Context, params ExecuteTradeParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := params.Position
	p, ok := s.portfolios[pos.PortfolioID]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", pos.PortfolioID, ErrNotFound)
	}
	if p.Status != model.PortfolioActive {
		return fmt.Errorf("portfolio %s: %w", p.ID, ErrPortfolioInactive)
	}
	sig, ok := s.signals[params.SignalID]
	if !ok {
		return fmt.Errorf("signal %s: %w", params.SignalID, ErrNotFound)
	}
	if sig.Status != model.SignalPending {
		return fmt.Errorf("signal %s: %w", params.SignalID, ErrSignalNotPending)
	}
	if p.CurrentBalance.LessThan(pos.Amount) {
		return fmt.Errorf("portfolio %s: %w", p.ID, ErrInsufficientBalance)
	}
	if _, exists := s.positions[pos.ID]; exists {
		return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicateKey)
	}

	p.CurrentBalance = p.CurrentBalance.Sub(pos.Amount)
	p.TotalInvested = p.TotalInvested.Add(pos.Amount)
	s.positions[pos.ID] = &pos
	s.trades = append(s.trades, params.Trade)
	sig.Status = model.SignalExecuted
	sig.Executed = true
	return nil
}

func (s *MemoryStore) ApplyPnL(_ context.Context, portfolioID string, pnl map[string]decimal.Decimal, totalPnL decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[portfolioID]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	for id, v := range pnl {
		pos, ok := s.positions[id]
		if !ok || pos.PortfolioID != portfolioID || pos.Status != model.PositionOpen {
			continue
		}
		pos.CurrentPnL = v
	}
	p.TotalPnL = totalPnL
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, params ClosePositionParams) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[params.PortfolioID]
	if !ok {
		return decimal.Zero, fmt.Errorf("portfolio %s: %w", params.PortfolioID, ErrNotFound)
	}
	pos, ok := s.positions[params.PositionID]
	if !ok || pos.PortfolioID != params.PortfolioID {
		return decimal.Zero, fmt.Errorf("position %s: %w", params.PositionID, ErrNotFound)
	}
	if pos.Status != model.PositionOpen {
		return decimal.Zero, fmt.Errorf("position %s: %w", pos.ID, ErrPositionNotOpen)
	}

	realized := RealizedPnL(*pos, params.ExitPrice)
	p.CurrentBalance = p.CurrentBalance.Add(pos.Amount).Add(realized)
	p.TotalInvested = p.TotalInvested.Sub(pos.Amount)
	p.TotalPnL = p.TotalPnL.Sub(pos.CurrentPnL)
	pos.Status = model.PositionClosed
	pos.CurrentPnL = decimal.Zero

	for i := range s.trades {
		if s.trades[i].PositionID == pos.ID {
			r := realized
			s.trades[i].RealizedPnL = &r
		}
	}
	return realized, nil
}

// --- Helpers ---

// RealizedPnL is (exit − entry) × amount for a position closed at exit.
func RealizedPnL(pos model.Position, exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(pos.EntryPrice).Mul(pos.Amount)
}

// SortPending orders signals for execution: confidence descending, then
// creation time, then ID.
func SortPending(signals []model.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if c := a.Confidence.Cmp(b.Confidence); c != 0 {
			return c > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func sortMarkets(markets []model.Market) {
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
}

func applyQuote(m *model.Market, q model.Quote) {
	if q.YesPrice.Valid {
		m.YesPrice = q.YesPrice
	}
	if q.NoPrice.Valid {
		m.NoPrice = q.NoPrice
	}
	if q.Liquidity.Valid {
		m.Liquidity = q.Liquidity
	}
	if q.Volume.Valid {
		m.Volume = q.Volume
	}
}

func clonePortfolio(p *model.Portfolio) *model.Portfolio {
	cp := *p
	if p.StrategyConfig != nil {
		cp.StrategyConfig = make(map[string]any, len(p.StrategyConfig))
		for k, v := range p.StrategyConfig {
			cp.StrategyConfig[k] = v
		}
	}
	return &cp
}
