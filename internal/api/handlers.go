package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"binance-trade-ledger/internal/analytics"
	"binance-trade-ledger/internal/database"
	"binance-trade-ledger/internal/matcher"
	"binance-trade-ledger/internal/models"
	"binance-trade-ledger/internal/scheduler"
	"binance-trade-ledger/internal/snapshots"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	analyticsPrefix = "analytics:"
)

// fail maps err to a status code and writes it as JSON.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrDisabled), errors.Is(err, scheduler.ErrCooldown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, snapshots.ErrInvalidDate), errors.Is(err, snapshots.ErrFutureDate):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// queryInt reads a positive integer query parameter.
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return v, nil
}

// cached serves the value stored under key or computes and stores it.
func (s *Server) cached(c *gin.Context, key string, load func() (any, error)) {
	v, err := s.cache.GetOrLoad(key, load)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	global, err := s.store.GetSyncStatus(ctx, models.GlobalSyncKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		s.fail(c, err)
		return
	}
	trades, err := s.store.CountTrades(ctx, "")
	if err != nil {
		s.fail(c, err)
		return
	}

	sched := gin.H{"enabled": s.jobs != nil}
	if s.jobs == nil {
		sched["reason"] = s.schedulerErr.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"server_time":  s.now().UnixMilli(),
		"total_trades": trades,
		"sync":         global,
		"scheduler":    sched,
	})
}

func (s *Server) getSummary(c *gin.Context) {
	ctx := c.Request.Context()
	s.cached(c, analyticsPrefix+"overview", func() (any, error) {
		trades, err := s.store.AllTrades(ctx)
		if err != nil {
			return nil, err
		}
		lots, err := s.store.AllOpenLots(ctx)
		if err != nil {
			return nil, err
		}
		return s.engine.Overview(trades, matcher.Positions(lots), s.now()), nil
	})
}

func (s *Server) getEquity(c *gin.Context) {
	ctx := c.Request.Context()
	s.cached(c, analyticsPrefix+"equity", func() (any, error) {
		trades, err := s.store.AllTrades(ctx)
		if err != nil {
			return nil, err
		}
		curve, dd := s.engine.Curve(trades)
		return gin.H{
			"initial_capital": s.engine.InitialCapital,
			"curve":           curve,
			"drawdown":        dd,
			"daily":           s.engine.Daily(trades),
		}, nil
	})
}

func (s *Server) getAggregates(c *gin.Context) {
	ctx := c.Request.Context()
	now := s.now()
	window, _ := analytics.WindowStart(c.DefaultQuery("window", "all"), now)
	s.cached(c, analyticsPrefix+"aggregates:"+window, func() (any, error) {
		trades, err := s.store.AllTrades(ctx)
		if err != nil {
			return nil, err
		}
		return s.engine.Aggregates(trades, window, now), nil
	})
}

func (s *Server) getBalance(c *gin.Context) {
	days, err := queryInt(c, "days", 30)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	since := s.now().AddDate(0, 0, -days).UnixMilli()
	history, err := s.store.BalanceHistory(c.Request.Context(), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history":  history,
		"drawdown": analytics.BalanceDrawdown(history),
	})
}

// tradeRow is a trade with the derived columns the table shows.
type tradeRow struct {
	models.Trade
	ReturnRate      float64 `json:"return_rate"`
	HoldingDuration string  `json:"holding_duration"`
	HoldingMinutes  float64 `json:"holding_minutes"`
	Date            string  `json:"date"`
}

func (s *Server) listTrades(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	pageSize, err := queryInt(c, "page_size", defaultPageSize)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	pageSize = min(pageSize, maxPageSize)

	trades, total, err := s.store.ListTrades(c.Request.Context(), database.TradeQuery{
		Symbol:   strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Side:     strings.ToUpper(strings.TrimSpace(c.Query("side"))),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	rows := make([]tradeRow, 0, len(trades))
	for _, t := range trades {
		held := t.HoldingDuration()
		rows = append(rows, tradeRow{
			Trade:           t,
			ReturnRate:      t.ReturnRate(),
			HoldingDuration: held.Round(time.Second).String(),
			HoldingMinutes:  held.Minutes(),
			Date:            time.UnixMilli(t.ExitTime).In(s.engine.Location).Format(time.DateOnly),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     rows,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) listPositions(c *gin.Context) {
	lots, err := s.store.AllOpenLots(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": matcher.Positions(lots),
		"lots":      lots,
	})
}

func (s *Server) setLongTerm(c *gin.Context) {
	var body struct {
		IsLongTerm *bool `json:"is_long_term" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body must be {\"is_long_term\": true|false}")
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	side := strings.ToUpper(c.Param("side"))
	if side != models.SideLong && side != models.SideShort {
		badRequest(c, "side must be LONG or SHORT")
		return
	}

	n, err := s.store.SetLongTerm(c.Request.Context(), symbol, side, *body.IsLongTerm)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.cache.InvalidatePrefix(analyticsPrefix)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "side": side, "is_long_term": *body.IsLongTerm, "updated": n})
}

func (s *Server) getSyncStatus(c *gin.Context) {
	rows, err := s.store.ListSyncStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) getSyncRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	runs, err := s.store.RecentRuns(c.Request.Context(), min(limit, 200))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// triggerSync starts the sync job in the background. It fails fast when a
// run is already active instead of queueing.
func (s *Server) triggerSync(c *gin.Context) {
	if s.jobs == nil {
		s.fail(c, s.schedulerErr)
		return
	}
	if err := s.jobs.Trigger(c.Request.Context(), s.syncJob); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job": s.syncJob})
}

func (s *Server) getJobs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "reason": s.schedulerErr.Error(), "jobs": []scheduler.JobStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "jobs": s.jobs.Status()})
}

func (s *Server) getLeaderboard(c *gin.Context) {
	snap, err := s.snapshots.Leaderboard(c.Request.Context(), c.Query("date"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getRebound(c *gin.Context) {
	days, err := strconv.Atoi(c.Param("days"))
	if err != nil || days <= 0 {
		badRequest(c, "days must be a positive integer")
		return
	}
	snap, err := s.snapshots.Rebound(c.Request.Context(), days, c.Query("date"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getNoonLoss(c *gin.Context) {
	snap, err := s.snapshots.NoonLoss(c.Request.Context(), c.Query("date"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
