// Package api provides the HTTP and WebSocket server of the engine host.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/internal/messaging"
	"github.com/mrt46/my-freqtrade/internal/orchestrator"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	orch       *orchestrator.Orchestrator
	hub        *Hub
	limiter    *hostLimiter
	started    time.Time
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewServer creates the server. metricsHandler, when not nil, is served on
// /metrics.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, orch *orchestrator.Orchestrator, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger.Named("api"),
		config:  cfg,
		router:  mux.NewRouter(),
		orch:    orch,
		hub:     NewHub(logger),
		limiter: newHostLimiter(cfg.RateLimit, cfg.RateBurst),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.hub.Attach(orch.Bus())
	s.setupRoutes(metricsHandler)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.rateLimit(s.router))
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/pairs", s.handleListPairs).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/pairs/{pair}", s.handleGetPair).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/pairs/{pair}/bars", s.handleSubmitBar).Methods(http.MethodPost)

	s.router.HandleFunc("/api/v1/regimes", s.handleRegimes).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/outcomes", s.handleRecordOutcome).Methods(http.MethodPost)

	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Handler returns the root handler with CORS and rate limiting applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router returns the bare router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and serves HTTP until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Detach(s.orch.Bus())
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{
		Status:  status,
		Message: http.StatusText(status),
		Error:   err.Error(),
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMalformedBar),
		errors.Is(err, messaging.ErrMalformedOutcome):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNonMonotonicTimestamp):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnknownStrategy),
		errors.Is(err, engine.ErrInvalidOutcome):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"uptime":  time.Since(s.started).String(),
		"pairs":   len(s.orch.Engines().Pairs()),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pairs": s.orch.Engines().Snapshots(),
		"count": len(s.orch.Engines().Pairs()),
	})
}

// lookupPair accepts "BTC-USDT", "btc_usdt" and similar spellings.
func (s *Server) lookupPair(r *http.Request) (*engine.Engine, error) {
	pair := utils.FormatPair(mux.Vars(r)["pair"])
	eng, ok := s.orch.Engines().Lookup(pair)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownPair, pair)
	}
	return eng, nil
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	eng, err := s.lookupPair(r)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, eng.Snapshot())
}

// handleSubmitBar feeds one closed bar through the pipeline and returns the
// decision record.
func (s *Server) handleSubmitBar(w http.ResponseWriter, r *http.Request) {
	eng, err := s.lookupPair(r)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	var bar types.PriceBar
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&bar); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", engine.ErrMalformedBar, err))
		return
	}
	res, err := s.orch.ProcessBar(r.Context(), eng.Pair(), bar)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegimes(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, s.orch.RegimeHistory(limit))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": s.orch.Ledger().Positions(),
		"account":   s.orch.Ledger().Summary(),
	})
}

// handleRecordOutcome accepts a closed trade from the execution layer.
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	trade, err := messaging.DecodeOutcome(body)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if err := s.orch.RecordOutcome(r.Context(), trade); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"pair":     utils.FormatPair(trade.Pair),
		"strategy": trade.StrategyID,
	})
}

// handleWebSocket upgrades the connection. The optional "channels" query
// parameter subscribes the client up front, e.g. ?channels=intent,regime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	var channels []string
	if v := r.URL.Query().Get("channels"); v != "" {
		channels = strings.Split(v, ",")
	}
	client := NewClient(uuid.NewString(), s.hub, conn, channels)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

// hostLimiter keeps one token bucket per remote host.
type hostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	return &hostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *hostLimiter) allow(host string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// rateLimit rejects requests over the per-host budget. WebSocket upgrades
// count as one request.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
