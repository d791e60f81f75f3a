package stocksvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockdash/internal/domain"
)

// defaultRankLimit is used by gainers/losers when no limit is given.
const defaultRankLimit = 5

type ctxKey int

const requestIDKey ctxKey = iota

// Server serves the stock-data HTTP API.
type Server struct {
	svc     *Service
	reg     *prometheus.Registry
	metrics *Metrics
	log     *slog.Logger
}

// NewServer creates the HTTP server for svc. Request metrics are registered
// on reg, which also backs /metrics; a nil reg gets a private registry.
func NewServer(svc *Service, reg *prometheus.Registry, logger *slog.Logger) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		svc:     svc,
		reg:     reg,
		metrics: NewMetrics(reg),
		log:     logger.With("component", "http"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/stocks", s.handleList)
	mux.HandleFunc("GET /api/v1/stocks/{$}", s.handleList)
	mux.HandleFunc("GET /api/v1/stocks/stock/{symbol}", s.handleStock)
	mux.HandleFunc("GET /api/v1/stocks/gainers", s.handleGainers)
	mux.HandleFunc("GET /api/v1/stocks/losers", s.handleLosers)
	mux.HandleFunc("GET /api/v1/stocks/market-movers", s.handleMarketMovers)
	mux.HandleFunc("GET /api/v1/stocks/populate-stocks", s.handlePopulate)
	mux.HandleFunc("POST /api/v1/stocks/populate-stocks", s.handlePopulate)
	mux.HandleFunc("POST /api/v1/stocks/update/{symbol}", s.handleUpdate)
	mux.HandleFunc("GET /api/v1/historical/{$}", s.handleHistoricalMissing)
	mux.HandleFunc("GET /api/v1/historical/{symbol}", s.handleHistorical)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

// Handler returns the routes wrapped in CORS, request-ID and instrumentation
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(requestIDMiddleware(s.instrument(mux)))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware propagates X-Request-ID, minting one when absent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the request ID stored by the middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The mux fills in r.Pattern on the request it was handed.
		s.metrics.observe(r.Pattern, r.Method, rec.status, start)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	stocks, err := s.svc.Stocks(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, stocks)
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stock(r.Context(), r.PathValue("symbol"))
	if errors.Is(err, ErrInvalidSymbol) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Stock not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleGainers(w http.ResponseWriter, r *http.Request) {
	s.ranked(w, r, s.svc.TopGainers)
}

func (s *Server) handleLosers(w http.ResponseWriter, r *http.Request) {
	s.ranked(w, r, s.svc.TopLosers)
}

func (s *Server) ranked(w http.ResponseWriter, r *http.Request, fetch func(context.Context, int) ([]domain.Stock, error)) {
	limit, ok := parseLimit(w, r, defaultRankLimit)
	if !ok {
		return
	}
	stocks, err := fetch(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, stocks)
}

func (s *Server) handleMarketMovers(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.MarketMovers(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handlePopulate(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 0)
	if !ok {
		return
	}
	res, err := s.svc.Populate(r.Context(), limit)
	if errors.Is(err, ErrNoSource) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.UpdateSymbol(r.Context(), r.PathValue("symbol"))
	switch {
	case errors.Is(err, ErrInvalidSymbol):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoSource):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Failed to update stock data")
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, st)
	}
}

func (s *Server) handleHistoricalMissing(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusBadRequest, "Symbol query parameter is required.")
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Symbol query parameter is required.")
		return
	}
	period := domain.DefaultPeriod
	if q := r.URL.Query().Get("period"); q != "" {
		p, err := domain.ParsePeriod(q)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		period = p
	}

	pts, err := s.svc.Historical(r.Context(), symbol, period)
	if errors.Is(err, ErrInvalidSymbol) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if len(pts) == 0 {
		writeError(w, http.StatusNotFound, "Historical data not found for symbol "+symbol)
		return
	}
	writeJSON(w, pts)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseLimit reads the optional "limit" query param. A malformed or negative
// value is answered with 422 and ok=false.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", RequestID(r.Context()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// writeError writes a FastAPI-style {"detail": msg} body.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
