// Package api serves the ledger, analytics and snapshots over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"binance-trade-ledger/internal/analytics"
	"binance-trade-ledger/internal/cache"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobRunner is the part of the scheduler the API drives.
type JobRunner interface {
	Trigger(ctx context.Context, name string) error
	Status() []scheduler.JobStatus
}

// SnapshotReader serves stored snapshots by date.
type SnapshotReader interface {
	Leaderboard(ctx context.Context, date string) (models.LeaderboardSnapshot, error)
	Rebound(ctx context.Context, windowDays int, date string) (models.ReboundSnapshot, error)
	NoonLoss(ctx context.Context, date string) (models.NoonLossSnapshot, error)
}

// Options are the dependencies of a Server.
type Options struct {
	Store     *database.Store
	Engine    *analytics.Engine
	Snapshots SnapshotReader
	// Jobs is nil when this process does not own the scheduler.
	Jobs JobRunner
	// SchedulerErr explains why Jobs is nil.
	SchedulerErr error
	// SyncJob is the job a manual sync triggers.
	SyncJob string
	Cache   *cache.TTL
	Logger  *zap.Logger
}

// Server wires the HTTP routes around the ledger.
type Server struct {
	Router *gin.Engine

	store        *database.Store
	engine       *analytics.Engine
	snapshots    SnapshotReader
	jobs         JobRunner
	schedulerErr error
	syncJob      string
	cache        *cache.TTL
	logger       *zap.Logger
	now          func() time.Time
	http         *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	r := gin.New()
	s := &Server{
		Router:       r,
		store:        opts.Store,
		engine:       opts.Engine,
		snapshots:    opts.Snapshots,
		jobs:         opts.Jobs,
		schedulerErr: opts.SchedulerErr,
		syncJob:      opts.SyncJob,
		cache:        opts.Cache,
		logger:       opts.Logger.Named("api"),
		now:          time.Now,
	}
	if s.cache == nil {
		s.cache = cache.New(0)
	}
	if s.jobs == nil && s.schedulerErr == nil {
		s.schedulerErr = scheduler.ErrDisabled
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/summary", s.getSummary)
		api.GET("/equity", s.getEquity)
		api.GET("/aggregates", s.getAggregates)
		api.GET("/balance", s.getBalance)

		api.GET("/trades", s.listTrades)
		api.GET("/positions", s.listPositions)
		api.PATCH("/positions/:symbol/:side/long-term", s.setLongTerm)

		api.GET("/sync/status", s.getSyncStatus)
		api.GET("/sync/runs", s.getSyncRuns)
		api.POST("/sync", s.triggerSync)
		api.GET("/jobs", s.getJobs)

		snaps := api.Group("/snapshots")
		{
			snaps.GET("/leaderboard", s.getLeaderboard)
			snaps.GET("/rebound/:days", s.getRebound)
			snaps.GET("/noon-loss", s.getNoonLoss)
		}
	}
}

// Invalidate drops every cached response. It runs after each sync commit.
func (s *Server) Invalidate() {
	s.cache.Purge()
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("Starting API server", zap.String("address", addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("Stopping API server...")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}

// RequestIDMiddleware tags every request with an X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RequestLogger logs every request with its latency and status.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served",
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
