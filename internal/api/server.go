// Package api exposes the engine commands over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"macd-grid-bot-go/internal/bot"
	"macd-grid-bot-go/internal/filter"
	"macd-grid-bot-go/internal/metrics"
	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/reporter"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

// Engine is the command surface of the grid engine.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	SetManualActivation(on bool)
	EnableFilter(name string) error
	DisableFilter(name string) error
	FilterStates() []filter.FilterState
	Status() models.GridStatus
	Orders() []models.TrackedOrder
	RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router *gin.Engine
	engine Engine
	logger *zap.Logger
}

type activationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// NewServer builds the router. gatherer may be nil, in which case /metrics is not served.
func NewServer(engine Engine, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	r := gin.New()
	s := &Server{Router: r, engine: engine, logger: logger.Named("api")}

	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/status", s.status)
	r.GET("/trades", s.trades)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}

	r.POST("/start", s.start)
	r.POST("/stop", s.stop)
	r.POST("/pause", s.pause)
	r.POST("/resume", s.resume)
	r.POST("/activation", s.activation)

	filters := r.Group("/filters")
	{
		filters.GET("", s.listFilters)
		filters.POST("/:name/enable", s.enableFilter)
		filters.POST("/:name/disable", s.disableFilter)
	}
	return s
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("控制接口已启动", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  s.engine.Status(),
		"orders":  s.engine.Orders(),
		"filters": s.engine.FilterStates(),
	})
}

func (s *Server) trades(c *gin.Context) {
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTradeLimit)
	}
	trades, err := s.engine.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"trades":  trades,
		"summary": reporter.CalculateMetrics(trades),
	})
}

func (s *Server) start(c *gin.Context) {
	if err := s.engine.Start(c.Request.Context()); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) stop(c *gin.Context) {
	if err := s.engine.Stop(c.Request.Context()); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) pause(c *gin.Context) {
	if err := s.engine.Pause(); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resume(c *gin.Context) {
	if err := s.engine.Resume(); err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) activation(c *gin.Context) {
	var req activationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.engine.SetManualActivation(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"manual_activation": *req.Enabled})
}

func (s *Server) listFilters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"filters": s.engine.FilterStates()})
}

func (s *Server) enableFilter(c *gin.Context) {
	s.setFilter(c, true)
}

func (s *Server) disableFilter(c *gin.Context) {
	s.setFilter(c, false)
}

func (s *Server) setFilter(c *gin.Context, enabled bool) {
	name := c.Param("name")
	var err error
	if enabled {
		err = s.engine.EnableFilter(name)
	} else {
		err = s.engine.DisableFilter(name)
	}
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filter": name, "enabled": enabled})
}

// respondEngineError maps engine sentinels onto HTTP status codes.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, filter.ErrUnknownFilter):
		respondError(c, http.StatusNotFound, "UNKNOWN_FILTER", err.Error())
	case errors.Is(err, bot.ErrNotRunning), errors.Is(err, bot.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, bot.ErrHalted):
		respondError(c, http.StatusServiceUnavailable, "HALTED", err.Error())
	default:
		s.logger.Error("命令执行失败", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// requestID adds a request id for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("requestId", c.GetString("RequestID")))
	}
}
