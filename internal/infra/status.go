package infra

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"market_maker/internal/accounting"
	"market_maker/internal/domain"
	"market_maker/internal/execution"
	"market_maker/internal/risk"

	"github.com/gorilla/mux"
)

// StatusServer is the read-mostly operator endpoint.
type StatusServer struct {
	router    *mux.Router
	srv       *http.Server
	risk      *risk.Manager
	orders    *execution.Engine
	ledger    *accounting.Ledger
	metrics   *Metrics
	startTime time.Time
	logger    *slog.Logger
}

// NewStatusServer wires the handlers. Call Run to listen on addr.
func NewStatusServer(addr string, rm *risk.Manager, orders *execution.Engine, ledger *accounting.Ledger, metrics *Metrics) *StatusServer {
	s := &StatusServer{
		router:    mux.NewRouter(),
		risk:      rm,
		orders:    orders,
		ledger:    ledger,
		metrics:   metrics,
		startTime: time.Now(),
		logger:    slog.Default().With("module", "status"),
	}
	s.registerRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *StatusServer) registerRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/risk/reset", s.handleRiskReset).Methods(http.MethodPost)
}

// Handler exposes the router for tests.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *StatusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Risk          risk.State        `json:"risk"`
	Metrics       MetricsSnapshot   `json:"metrics"`
	Positions     []domain.Position `json:"positions"`
	Realized      string            `json:"realized"`
}

// handleStatus handles GET /status
func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Risk:          s.risk.Snapshot(),
		Metrics:       s.metrics.Snapshot(),
		Positions:     s.ledger.Positions(),
		Realized:      s.ledger.Realized().String(),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOrders handles GET /orders
func (s *StatusServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.orders.OpenOrders()
	if orders == nil {
		orders = []domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

type resetRequest struct {
	Reason string `json:"reason"`
}

// handleRiskReset handles POST /risk/reset
func (s *StatusServer) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator reset"
	}
	if !s.risk.Halted() {
		respondError(w, http.StatusConflict, "trading is not halted")
		return
	}

	s.risk.Reset(req.Reason)
	s.metrics.SetHalted(false)
	s.logger.Warn("⚠️ halt reset by operator", "reason", req.Reason)
	respondJSON(w, http.StatusOK, s.risk.Snapshot())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
