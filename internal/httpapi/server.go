// Package httpapi exposes the order execution service over HTTP: order
// submission and inspection, the per-order status websocket, metrics and
// health probes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/internal/queue"
	"orderflow/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServerConfig describes the HTTP server dependencies.
type ServerConfig struct {
	Addr string
	// InitialDelay is applied to every freshly submitted order before its
	// first execution attempt.
	InitialDelay time.Duration
}

// Server wires the REST and websocket surface onto the queue and the store.
type Server struct {
	cfg    ServerConfig
	store  domain.OrderStore
	engine *queue.Engine
	hub    *stream.Hub
	srv    *http.Server
}

// NewServer builds the routed server. Call Start to begin serving.
func NewServer(cfg ServerConfig, store domain.OrderStore, engine *queue.Engine, hub *stream.Hub) (*Server, error) {
	if store == nil || engine == nil || hub == nil {
		return nil, errors.New("http server requires store, engine and hub")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{cfg: cfg, store: store, engine: engine, hub: hub}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/orders/execute", s.handleExecute)
		api.GET("/orders/:id", s.handleGetOrder)
		api.GET("/orders/:id/attempts", s.handleGetAttempts)
		api.GET("/metrics", s.handleMetrics)
	}
	router.GET("/ws/orders/:id", s.handleOrderStream)

	s.srv = &http.Server{Addr: cfg.Addr, Handler: router}
	return s, nil
}

// Start serves until the listener fails or Shutdown is called.
// http.ErrServerClosed is swallowed as the normal shutdown outcome.
func (s *Server) Start() error {
	slog.Info("http server listening", slog.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// executeRequest is the submission payload for a new order.
type executeRequest struct {
	WalletID    string          `json:"wallet_id" binding:"required"`
	TokenIn     string          `json:"token_in" binding:"required"`
	TokenOut    string          `json:"token_out" binding:"required"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	SlippageBps int64           `json:"slippage_bps"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.AmountIn.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount_in must be positive"})
		return
	}
	if req.SlippageBps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slippage_bps must not be negative"})
		return
	}
	if req.TokenIn == req.TokenOut {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token_in and token_out must differ"})
		return
	}

	order := &domain.Order{
		ID:          uuid.NewString(),
		WalletID:    req.WalletID,
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    req.AmountIn,
		SlippageBps: req.SlippageBps,
		Status:      domain.StatusPending,
	}
	if err := s.store.UpsertOrder(order); err != nil {
		slog.Error("failed to persist order", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist order"})
		return
	}

	if err := s.engine.Enqueue(order.ID, s.cfg.InitialDelay); err != nil {
		slog.Error("failed to enqueue order",
			slog.String("order_id", order.ID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue order"})
		return
	}

	infra.GlobalMetrics.RecordOrderSubmitted()
	slog.Info("order accepted",
		slog.String("order_id", order.ID),
		slog.String("pair", req.TokenIn+"/"+req.TokenOut),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"order_id": order.ID,
		"status":   order.Status,
	})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.store.GetOrder(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetAttempts(c *gin.Context) {
	id := c.Param("id")
	order, err := s.store.GetOrder(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	attempts, err := s.store.GetAttempts(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load attempts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": id,
		"attempts": attempts,
	})
}

func (s *Server) handleOrderStream(c *gin.Context) {
	if err := stream.ServeWS(s.hub, c.Writer, c.Request, c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, infra.GlobalMetrics.Snapshot())
}

// requestLogger logs each request with latency at debug level, errors at warn.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			slog.Warn("http request", attrs...)
			return
		}
		slog.Debug("http request", attrs...)
	}
}
