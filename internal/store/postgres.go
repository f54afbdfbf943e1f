package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/portfolio-engine/internal/lock"
	"github.com/atmx/portfolio-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and read back as TEXT so no value ever passes through float64.
type PostgresStore struct {
	pool *pgxpool.Pool

	// A lock holder pins one pool connection and needs a second one for
	// the queries it runs inside the section. holders caps lock holders at
	// half the pool so those queries always find a free connection.
	local   *lock.Keyed
	holders *semaphore.Weighted
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		local:   lock.NewKeyed(),
		holders: semaphore.NewWeighted(lockHolderLimit(pool.Config().MaxConns)),
	}
}

// lockHolderLimit is the number of portfolio locks that may be held at
// once on a pool of maxConns connections.
func lockHolderLimit(maxConns int32) int64 {
	if n := int64(maxConns) / 2; n > 0 {
		return n
	}
	return 1
}

// NewPool creates a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LockPortfolio takes a session-level advisory lock keyed on the portfolio
// ID, which serializes mutations across every process sharing the
// database. Callers in this process first queue on an in-process lock and
// a holder slot, so waiters never pin pool connections.
func (s *PostgresStore) LockPortfolio(ctx context.Context, portfolioID string) (func(), error) {
	unlockLocal, err := s.local.Lock(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", portfolioID, err)
	}
	if err := s.holders.Acquire(ctx, 1); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("lock %s: %w", portfolioID, err)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.holders.Release(1)
		unlockLocal()
		return nil, fmt.Errorf("acquire lock conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, portfolioID); err != nil {
		conn.Release()
		s.holders.Release(1)
		unlockLocal()
		return nil, fmt.Errorf("advisory lock %s: %w", portfolioID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.unlockPortfolio(conn, portfolioID)
			s.holders.Release(1)
			unlockLocal()
		})
	}, nil
}

func (s *PostgresStore) unlockPortfolio(conn *pgxpool.Conn, portfolioID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, portfolioID); err != nil {
		// Closing the session drops every lock it holds.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

// --- Market data ---

func (s *PostgresStore) UpsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		var raw any
		if len(e.RawPayload) > 0 {
			raw = string(e.RawPayload)
		}
		batch.Queue(
			`INSERT INTO events (id, title, liquidity, volume, volume_24h, end_date, raw_payload, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::JSONB, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   title = EXCLUDED.title, liquidity = EXCLUDED.liquidity, volume = EXCLUDED.volume,
			   volume_24h = EXCLUDED.volume_24h, end_date = EXCLUDED.end_date,
			   raw_payload = EXCLUDED.raw_payload, updated_at = EXCLUDED.updated_at`,
			e.ID, e.Title, nullNumeric(e.Liquidity), nullNumeric(e.Volume), nullNumeric(e.Volume24h),
			e.EndDate, raw, e.UpdatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMarkets(ctx context.Context, markets []model.Market) error {
	if len(markets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(
			`INSERT INTO markets (id, event_id, question, yes_price, no_price, liquidity, volume, volume_24h, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
			 ON CONFLICT (id) DO UPDATE SET
			   event_id = EXCLUDED.event_id, question = EXCLUDED.question,
			   yes_price = EXCLUDED.yes_price, no_price = EXCLUDED.no_price,
			   liquidity = EXCLUDED.liquidity, volume = EXCLUDED.volume,
			   volume_24h = EXCLUDED.volume_24h, updated_at = EXCLUDED.updated_at`,
			m.ID, m.EventID, m.Question,
			nullNumeric(m.YesPrice), nullNumeric(m.NoPrice),
			nullNumeric(m.Liquidity), nullNumeric(m.Volume), nullNumeric(m.Volume24h),
			m.UpdatedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert markets: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, liquidity::TEXT, volume::TEXT, volume_24h::TEXT, end_date, raw_payload, updated_at
		 FROM events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var liquidity, volume, volume24h *string
		if err := rows.Scan(&e.ID, &e.Title, &liquidity, &volume, &volume24h, &e.EndDate, &e.RawPayload, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Liquidity = parseNullNumeric(liquidity)
		e.Volume = parseNullNumeric(volume)
		e.Volume24h = parseNullNumeric(volume24h)
		events = append(events, e)
	}
	return events, rows.Err()
}

const marketColumns = `id, event_id, question,
	yes_price::TEXT, no_price::TEXT, liquidity::TEXT, volume::TEXT, volume_24h::TEXT, updated_at`

func (s *PostgresStore) ListMarketsByEvents(ctx context.Context, eventIDs []string) ([]model.Market, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE event_id = ANY($1) ORDER BY id`, eventIDs)
}

func (s *PostgresStore) GetMarkets(ctx context.Context, ids []string) ([]model.Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ANY($1) ORDER BY id`, ids)
}

func (s *PostgresStore) queryMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var yes, no, liquidity, volume, volume24h *string
		if err := rows.Scan(&m.ID, &m.EventID, &m.Question,
			&yes, &no, &liquidity, &volume, &volume24h, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		m.YesPrice = parseNullNumeric(yes)
		m.NoPrice = parseNullNumeric(no)
		m.Liquidity = parseNullNumeric(liquidity)
		m.Volume = parseNullNumeric(volume)
		m.Volume24h = parseNullNumeric(volume24h)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketPrices(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(
			`UPDATE markets
			 SET yes_price = COALESCE($2::NUMERIC, yes_price),
			     no_price  = COALESCE($3::NUMERIC, no_price),
			     liquidity = COALESCE($4::NUMERIC, liquidity),
			     volume    = COALESCE($5::NUMERIC, volume),
			     updated_at = now()
			 WHERE id = $1`,
			q.MarketID, nullNumeric(q.YesPrice), nullNumeric(q.NoPrice),
			nullNumeric(q.Liquidity), nullNumeric(q.Volume),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update market prices: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMarketSnapshots(ctx context.Context, snapshots []model.MarketSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(
			`INSERT INTO market_snapshots (id, market_id, yes_price, no_price, liquidity, volume, taken_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			snap.ID, snap.MarketID, nullNumeric(snap.YesPrice), nullNumeric(snap.NoPrice),
			nullNumeric(snap.Liquidity), nullNumeric(snap.Volume), snap.TakenAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert market snapshots: %w", err)
	}
	return nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	cfg, err := json.Marshal(p.StrategyConfig)
	if err != nil {
		return fmt.Errorf("encode strategy config: %w", err)
	}
	if p.StrategyConfig == nil {
		cfg = []byte("{}")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, name, strategy_type, strategy_config, current_balance, total_invested, total_pnl, max_positions, status, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		p.ID, p.Name, p.StrategyType, string(cfg),
		p.CurrentBalance.String(), p.TotalInvested.String(), p.TotalPnL.String(),
		p.MaxPositions, p.Status, p.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("portfolio %s: %w", p.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("create portfolio: %w", err)
	}
	return nil
}

const portfolioColumns = `id, name, strategy_type, strategy_config,
	current_balance::TEXT, total_invested::TEXT, total_pnl::TEXT,
	max_positions, status, created_at`

func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var cfg []byte
	var balance, invested, pnl string
	if err := row.Scan(&p.ID, &p.Name, &p.StrategyType, &cfg,
		&balance, &invested, &pnl,
		&p.MaxPositions, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CurrentBalance, _ = decimal.NewFromString(balance)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.TotalPnL, _ = decimal.NewFromString(pnl)

	if len(cfg) > 0 {
		dec := json.NewDecoder(bytes.NewReader(cfg))
		dec.UseNumber()
		if err := dec.Decode(&p.StrategyConfig); err != nil {
			return nil, fmt.Errorf("decode strategy config: %w", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get portfolio %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, status model.PortfolioStatus) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios
		 WHERE $1::TEXT = '' OR status = $1
		 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("scan portfolio: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertPortfolioSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, portfolio_id, balance, total_invested, total_pnl, open_positions, taken_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		snap.ID, snap.PortfolioID,
		snap.Balance.String(), snap.TotalInvested.String(), snap.TotalPnL.String(),
		snap.OpenPositions, snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("insert portfolio snapshot: %w", err)
	}
	return nil
}

// --- Signals ---

func (s *PostgresStore) InsertSignals(ctx context.Context, signals []model.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, sig := range signals {
		_, err := tx.Exec(ctx,
			`INSERT INTO signals (id, portfolio_id, market_id, action, target_price, amount, confidence, executed, status, reject_reason, strategy_type, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
			sig.ID, sig.PortfolioID, sig.MarketID, sig.Action,
			sig.TargetPrice.String(), sig.Amount.String(), sig.Confidence.String(),
			sig.Executed, sig.Status, sig.RejectReason, sig.StrategyType, sig.CreatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("signal %s: %w", sig.ID, ErrDuplicateKey)
			}
			return fmt.Errorf("insert signal: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingSignals(ctx context.Context, portfolioID string) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, market_id, action,
		        target_price::TEXT, amount::TEXT, confidence::TEXT,
		        executed, status, reject_reason, strategy_type, created_at
		 FROM signals
		 WHERE portfolio_id = $1 AND status = 'pending'
		 ORDER BY confidence DESC, created_at ASC, id ASC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list pending signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var target, amount, confidence string
		if err := rows.Scan(&sig.ID, &sig.PortfolioID, &sig.MarketID, &sig.Action,
			&target, &amount, &confidence,
			&sig.Executed, &sig.Status, &sig.RejectReason, &sig.StrategyType, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.TargetPrice, _ = decimal.NewFromString(target)
		sig.Amount, _ = decimal.NewFromString(amount)
		sig.Confidence, _ = decimal.NewFromString(confidence)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RejectSignal(ctx context.Context, signalID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signals SET status = 'rejected', reject_reason = $2
		 WHERE id = $1 AND status = 'pending'`, signalID, reason)
	if err != nil {
		return fmt.Errorf("reject signal %s: %w", signalID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.signalStateError(ctx, s.pool, signalID)
	}
	return nil
}

// signalStateError distinguishes a missing signal from one that has
// already left the pending state.
func (s *PostgresStore) signalStateError(ctx context.Context, q querier, signalID string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM signals WHERE id = $1`, signalID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("signal %s: %w", signalID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read signal %s: %w", signalID, err)
	}
	return fmt.Errorf("signal %s: %w", signalID, ErrSignalNotPending)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Positions and trades ---

func (s *PostgresStore) ListOpenPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, market_id, action,
		        amount::TEXT, entry_price::TEXT, current_pnl::TEXT, status, opened_at
		 FROM positions
		 WHERE status = 'open' AND ($1::TEXT = '' OR portfolio_id = $1)
		 ORDER BY opened_at, id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var pos model.Position
		var amount, entry, pnl string
		if err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.MarketID, &pos.Action,
			&amount, &entry, &pnl, &pos.Status, &pos.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.Amount, _ = decimal.NewFromString(amount)
		pos.EntryPrice, _ = decimal.NewFromString(entry)
		pos.CurrentPnL, _ = decimal.NewFromString(pnl)
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, portfolioID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, position_id, signal_id, market_id, action,
		        amount::TEXT, entry_price::TEXT, timestamp, realized_pnl::TEXT
		 FROM trades WHERE portfolio_id = $1 ORDER BY timestamp, id`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var amount, entry string
		var realized *string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.PositionID, &t.SignalID, &t.MarketID, &t.Action,
			&amount, &entry, &t.Timestamp, &realized); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		if nd := parseNullNumeric(realized); nd.Valid {
			t.RealizedPnL = &nd.Decimal
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExecuteTrade(ctx context.Context, params ExecuteTradeParams) error {
	pos, trade := params.Position, params.Trade

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status, balance string
	err = tx.QueryRow(ctx,
		`SELECT status, current_balance::TEXT FROM portfolios WHERE id = $1 FOR UPDATE`,
		pos.PortfolioID).Scan(&status, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("portfolio %s: %w", pos.PortfolioID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock portfolio row: %w", err)
	}
	if model.PortfolioStatus(status) != model.PortfolioActive {
		return fmt.Errorf("portfolio %s: %w", pos.PortfolioID, ErrPortfolioInactive)
	}
	if bal, _ := decimal.NewFromString(balance); bal.LessThan(pos.Amount) {
		return fmt.Errorf("portfolio %s: %w", pos.PortfolioID, ErrInsufficientBalance)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE signals SET status = 'executed', executed = TRUE
		 WHERE id = $1 AND status = 'pending'`, params.SignalID)
	if err != nil {
		return fmt.Errorf("mark signal executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.signalStateError(ctx, tx, params.SignalID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET current_balance = current_balance - $2::NUMERIC,
		     total_invested  = total_invested + $2::NUMERIC
		 WHERE id = $1`, pos.PortfolioID, pos.Amount.String()); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (id, portfolio_id, market_id, action, amount, entry_price, current_pnl, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		pos.ID, pos.PortfolioID, pos.MarketID, pos.Action,
		pos.Amount.String(), pos.EntryPrice.String(), pos.CurrentPnL.String(),
		pos.Status, pos.OpenedAt); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("insert position: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, portfolio_id, position_id, signal_id, market_id, action, amount, entry_price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		trade.ID, trade.PortfolioID, trade.PositionID, trade.SignalID, trade.MarketID, trade.Action,
		trade.Amount.String(), trade.EntryPrice.String(), trade.Timestamp); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyPnL(ctx context.Context, portfolioID string, pnl map[string]decimal.Decimal, totalPnL decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for id, v := range pnl {
		batch.Queue(
			`UPDATE positions SET current_pnl = $3::NUMERIC
			 WHERE id = $1 AND portfolio_id = $2 AND status = 'open'`,
			id, portfolioID, v.String())
	}
	batch.Queue(`UPDATE portfolios SET total_pnl = $2::NUMERIC WHERE id = $1`, portfolioID, totalPnL.String())

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply pnl: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, params ClosePositionParams) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pos model.Position
	var amount, entry, pnl string
	err = tx.QueryRow(ctx,
		`SELECT id, amount::TEXT, entry_price::TEXT, current_pnl::TEXT, status
		 FROM positions WHERE id = $1 AND portfolio_id = $2 FOR UPDATE`,
		params.PositionID, params.PortfolioID).Scan(&pos.ID, &amount, &entry, &pnl, &pos.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("position %s: %w", params.PositionID, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read position: %w", err)
	}
	if pos.Status != model.PositionOpen {
		return decimal.Zero, fmt.Errorf("position %s: %w", pos.ID, ErrPositionNotOpen)
	}
	pos.Amount, _ = decimal.NewFromString(amount)
	pos.EntryPrice, _ = decimal.NewFromString(entry)
	pos.CurrentPnL, _ = decimal.NewFromString(pnl)

	realized := RealizedPnL(pos, params.ExitPrice)

	if _, err := tx.Exec(ctx,
		`UPDATE positions SET status = 'closed', current_pnl = 0 WHERE id = $1`, pos.ID); err != nil {
		return decimal.Zero, fmt.Errorf("close position: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET current_balance = current_balance + $2::NUMERIC + $3::NUMERIC,
		     total_invested  = total_invested - $2::NUMERIC,
		     total_pnl       = total_pnl - $4::NUMERIC
		 WHERE id = $1`,
		params.PortfolioID, pos.Amount.String(), realized.String(), pos.CurrentPnL.String()); err != nil {
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE trades SET realized_pnl = $2::NUMERIC WHERE position_id = $1`,
		pos.ID, realized.String()); err != nil {
		return decimal.Zero, fmt.Errorf("record realized pnl: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit tx: %w", err)
	}
	return realized, nil
}

// --- NUMERIC helpers ---

func nullNumeric(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullNumeric(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
