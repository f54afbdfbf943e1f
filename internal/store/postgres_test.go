package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/portfolio-engine/internal/model"
)

// setupPostgres starts a PostgreSQL container and applies the embedded
// migrations.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	return setupPostgresPool(t, 8)
}

func setupPostgresPool(t *testing.T, maxConns int32) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("portfolio"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(dsn, MigrateUp))

	version, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	pool, err := NewPool(ctx, dsn, maxConns)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresStore(pool)
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	seedMarket(t, s, "M1")
	end := t0.Add(30 * 24 * time.Hour)
	require.NoError(t, s.UpsertEvents(ctx, []model.Event{{
		ID: "E1", Title: "Election", Liquidity: decimal.NewNullDecimal(dec("50000")),
		EndDate: &end, RawPayload: []byte(`{"id":"E1"}`), UpdatedAt: t0,
	}}))

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Volume.Valid, "missing numerics stay null")

	markets, err := s.ListMarketsByEvents(ctx, []string{"E1"})
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.True(t, markets[0].YesPrice.Decimal.Equal(dec("0.6")))

	seedPortfolio(t, s, "pf-1", "1000")
	p, err := s.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	assert.Equal(t, "150", p.StrategyConfig["trade_amount"])

	_, err = s.GetPortfolio(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	sig := pendingSignal("s1", "pf-1", "M1", "0.1", t0)
	require.NoError(t, s.InsertSignals(ctx, []model.Signal{sig}))
	assert.ErrorIs(t, s.InsertSignals(ctx, []model.Signal{sig}), ErrDuplicateKey)

	pending, err := s.ListPendingSignals(ctx, "pf-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ExecuteTrade(ctx, tradeFor(sig, "pos-1")))
	assert.ErrorIs(t, s.ExecuteTrade(ctx, tradeFor(sig, "pos-2")), ErrSignalNotPending)

	p, err = s.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	assert.True(t, p.CurrentBalance.Equal(dec("850")))
	assert.True(t, p.TotalInvested.Equal(dec("150")))

	require.NoError(t, s.ApplyPnL(ctx, "pf-1", map[string]decimal.Decimal{"pos-1": dec("7.5")}, dec("7.5")))
	open, err := s.ListOpenPositions(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].CurrentPnL.Equal(dec("7.5")))

	realized, err := s.ClosePosition(ctx, ClosePositionParams{PortfolioID: "pf-1", PositionID: "pos-1", ExitPrice: dec("0.7")})
	require.NoError(t, err)
	assert.True(t, realized.Equal(dec("15")))

	p, err = s.GetPortfolio(ctx, "pf-1")
	require.NoError(t, err)
	assert.True(t, p.CurrentBalance.Equal(dec("1015")))
	assert.True(t, p.TotalPnL.IsZero())

	trades, err := s.ListTrades(ctx, "pf-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.NotNil(t, trades[0].RealizedPnL)
}

func TestPostgresStore_AdvisoryLockSerializes(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	unlock, err := s.LockPortfolio(ctx, "pf-1")
	require.NoError(t, err)

	// A second caller cannot take the same lock while it is held.
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = s.LockPortfolio(short, "pf-1")
	assert.Error(t, err)

	// A different portfolio is unaffected.
	other, err := s.LockPortfolio(ctx, "pf-2")
	require.NoError(t, err)
	other()

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		u, err := s.LockPortfolio(ctx, "pf-1")
		if assert.NoError(t, err) {
			close(acquired)
			u()
		}
	}()

	unlock()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Fatal("lock was not handed over after unlock")
	}
}

func TestLockHolderLimit(t *testing.T) {
	tests := []struct {
		maxConns int32
		want     int64
	}{
		{0, 1},
		{1, 1},
		{2, 1},
		{3, 1},
		{10, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lockHolderLimit(tt.maxConns), "max_conns=%d", tt.maxConns)
	}
}

func TestPostgresStore_LockHoldersDoNotExhaustPool(t *testing.T) {
	s := setupPostgresPool(t, 4)

	const portfolios = 12
	for i := 0; i < portfolios; i++ {
		seedPortfolio(t, s, fmt.Sprintf("pf-%d", i), "1000")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, portfolios)
	for i := 0; i < portfolios; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			unlock, err := s.LockPortfolio(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			defer unlock()
			if _, err := s.GetPortfolio(ctx, id); err != nil {
				errs <- err
				return
			}
			if _, err := s.ListOpenPositions(ctx, id); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("pf-%d", i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("locked section failed: %v", err)
	}
}
