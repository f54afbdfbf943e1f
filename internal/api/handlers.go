// Package api exposes the engine's HTTP control surface: cycle triggers,
// status, portfolio administration and queries, and a WebSocket feed of
// trade and P&L events.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/execution"
	"github.com/atmx/portfolio-engine/internal/ingest"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/orchestrator"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/strategy"
)

// Service handles the engine's HTTP endpoints.
type Service struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	registry     *strategy.Registry
	engine       *execution.Engine
	hub          *Hub // optional
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, o *orchestrator.Orchestrator, registry *strategy.Registry, engine *execution.Engine, hub *Hub) *Service {
	return &Service{
		store:        st,
		orchestrator: o,
		registry:     registry,
		engine:       engine,
		hub:          hub,
	}
}

// Routes mounts every endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/status", s.GetStatus)
		r.Post("/cycles", s.RunAllCycles)

		r.Get("/portfolios", s.ListPortfolios)
		r.Post("/portfolios", s.CreatePortfolio)
		r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
			r.Get("/", s.GetPortfolio)
			r.Post("/cycle", s.RunCycle)
			r.Get("/positions", s.ListPositions)
			r.Post("/positions/{positionID}/close", s.ClosePosition)
			r.Get("/trades", s.ListTrades)
		})
	})
}

// --- Request/Response types ---

// CreatePortfolioRequest is the JSON body for POST /api/v1/portfolios.
type CreatePortfolioRequest struct {
	Name           string          `json:"name"`
	StrategyType   string          `json:"strategy_type"`
	StrategyConfig map[string]any  `json:"strategy_config"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	MaxPositions   int             `json:"max_positions"`
	Status         string          `json:"status"` // "active" (default) or "paused"
}

// ClosePositionRequest is the JSON body for closing a position.
type ClosePositionRequest struct {
	ExitPrice decimal.Decimal `json:"exit_price"`
}

// ClosePositionResponse reports the realized P&L of a closed position.
type ClosePositionResponse struct {
	PositionID  string          `json:"position_id"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "portfolio-engine"})
}

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := s.orchestrator.GetStatus(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// RunAllCycles handles POST /api/v1/cycles
func (s *Service) RunAllCycles(w http.ResponseWriter, r *http.Request) {
	results, err := s.orchestrator.RunAllPortfolios(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []orchestrator.PortfolioResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// RunCycle handles POST /api/v1/portfolios/{portfolioID}/cycle
func (s *Service) RunCycle(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	res, err := s.orchestrator.RunPortfolioCycle(r.Context(), portfolioID)
	if err != nil {
		body := map[string]string{"error": err.Error()}
		var se *orchestrator.StageError
		if errors.As(err, &se) {
			body["stage"] = string(se.Stage)
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreatePortfolio handles POST /api/v1/portfolios
// Validates the strategy type and the merged config before storing.
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if !req.InitialBalance.IsPositive() {
		writeError(w, "initial_balance must be positive", http.StatusBadRequest)
		return
	}
	if req.MaxPositions < 0 {
		writeError(w, "max_positions must not be negative", http.StatusBadRequest)
		return
	}
	status := model.PortfolioStatus(req.Status)
	switch status {
	case "":
		status = model.PortfolioActive
	case model.PortfolioActive, model.PortfolioPaused:
	default:
		writeError(w, "status must be active or paused", http.StatusBadRequest)
		return
	}

	strat, err := s.registry.Resolve(req.StrategyType)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	p := &model.Portfolio{
		ID:             uuid.New().String(),
		Name:           req.Name,
		StrategyType:   strat.Name(),
		StrategyConfig: req.StrategyConfig,
		CurrentBalance: req.InitialBalance,
		TotalInvested:  decimal.Zero,
		TotalPnL:       decimal.Zero,
		MaxPositions:   req.MaxPositions,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if p.StrategyConfig == nil {
		p.StrategyConfig = map[string]any{}
	}
	if _, err := strategy.Effective(strat, p); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid strategy_config",
			"errors": strat.ValidateConfig(p.StrategyConfig).Errors,
		})
		return
	}

	if err := s.store.CreatePortfolio(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to create portfolio", http.StatusInternalServerError)
		return
	}

	slog.Info("portfolio created",
		"portfolio_id", p.ID,
		"name", p.Name,
		"strategy", p.StrategyType,
		"balance", p.CurrentBalance.String(),
	)
	writeJSON(w, http.StatusCreated, p)
}

// ListPortfolios handles GET /api/v1/portfolios
// Optionally filtered by ?status=active|paused.
func (s *Service) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	status := model.PortfolioStatus(r.URL.Query().Get("status"))

	portfolios, err := s.store.ListPortfolios(r.Context(), status)
	if err != nil {
		writeError(w, "failed to list portfolios", http.StatusInternalServerError)
		return
	}
	if portfolios == nil {
		portfolios = []model.Portfolio{}
	}
	writeJSON(w, http.StatusOK, portfolios)
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPositions handles GET /api/v1/portfolios/{portfolioID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	ctx := r.Context()

	if !s.portfolioExists(ctx, w, portfolioID) {
		return
	}
	positions, err := s.store.ListOpenPositions(ctx, portfolioID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListTrades handles GET /api/v1/portfolios/{portfolioID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	ctx := r.Context()

	if !s.portfolioExists(ctx, w, portfolioID) {
		return
	}
	trades, err := s.store.ListTrades(ctx, portfolioID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ClosePosition handles POST /api/v1/portfolios/{portfolioID}/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	positionID := chi.URLParam(r, "positionID")

	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	realized, err := s.engine.ClosePosition(r.Context(), portfolioID, positionID, req.ExitPrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ClosePositionResponse{PositionID: positionID, RealizedPnL: realized})
}

func (s *Service) portfolioExists(ctx context.Context, w http.ResponseWriter, id string) bool {
	if _, err := s.store.GetPortfolio(ctx, id); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes: unknown entities
// are 404, validation failures 422, data-source failures 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, strategy.ErrStrategyNotFound),
		errors.Is(err, strategy.ErrInvalidConfig),
		errors.Is(err, store.ErrPortfolioInactive),
		errors.Is(err, store.ErrPositionNotOpen),
		errors.Is(err, execution.ErrInvalidExitPrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
