package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"smc-signal-engine/internal/backtest"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/logging"
)

// BacktestRequest carries the history and an optional partial config
// applied over the instrument's defaults
type BacktestRequest struct {
	Instrument  string          `json:"instrument" binding:"required"`
	Config      json.RawMessage `json:"config,omitempty"`
	WalkForward json.RawMessage `json:"walk_forward,omitempty"`
	Data        backtest.Data   `json:"data"`
	Persist     bool            `json:"persist"`
}

func (s *Server) bindBacktest(c *gin.Context) (*BacktestRequest, backtest.Config, bool) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, backtest.Config{}, false
	}
	req.Instrument = strings.ToUpper(req.Instrument)

	if len(req.Data.LTF) == 0 {
		errorResponse(c, http.StatusBadRequest, "data.ltf is required")
		return nil, backtest.Config{}, false
	}
	if len(req.Data.LTF) > s.config.MaxBacktestBars {
		errorResponse(c, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d LTF bars per request", s.config.MaxBacktestBars))
		return nil, backtest.Config{}, false
	}

	cfg := backtest.DefaultConfig(req.Instrument)
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid config: "+err.Error())
			return nil, backtest.Config{}, false
		}
		cfg.Instrument = req.Instrument
	}
	if err := cfg.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return nil, backtest.Config{}, false
	}
	if req.Persist && s.repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "persistence requested but database is disabled")
		return nil, backtest.Config{}, false
	}
	return &req, cfg, true
}

func (s *Server) requestLogger(c *gin.Context) zerolog.Logger {
	l := logging.FromContext(c.Request.Context())
	if l.GetLevel() == zerolog.Disabled {
		return s.logger
	}
	return *l
}

// handleBacktest replays the pipeline over the supplied history
func (s *Server) handleBacktest(c *gin.Context) {
	req, cfg, ok := s.bindBacktest(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	engine := backtest.NewEngine(cfg, s.requestLogger(c))
	res, err := engine.Run(ctx, req.Data)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrInvalidConfig) || errors.Is(err, backtest.ErrNoCandles) {
			status = http.StatusBadRequest
		}
		errorResponse(c, status, err.Error())
		return
	}

	var id int64
	if req.Persist {
		id, err = backtest.SaveResult(ctx, s.repo, cfg, res)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.eventBus != nil {
		s.eventBus.PublishBacktest(res.RunID, res.Instrument, len(res.Trades), res.Metrics.TotalReturnPct)
	}

	successResponse(c, gin.H{"id": id, "result": res})
}

// handleWalkForward runs rolling train/test windows plus Monte Carlo
func (s *Server) handleWalkForward(c *gin.Context) {
	req, cfg, ok := s.bindBacktest(c)
	if !ok {
		return
	}

	wfCfg := backtest.DefaultWalkForwardConfig()
	if len(req.WalkForward) > 0 {
		if err := json.Unmarshal(req.WalkForward, &wfCfg); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid walk_forward: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	logger := s.requestLogger(c)
	wf := backtest.NewWalkForward(backtest.NewEngine(cfg, logger), wfCfg, logger)
	res, err := wf.Run(ctx, req.Data)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backtest.ErrNoWindows) || errors.Is(err, backtest.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		errorResponse(c, status, err.Error())
		return
	}

	var id int64
	if req.Persist {
		id, err = backtest.SaveWalkForward(ctx, s.repo, cfg, wfCfg, res)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}

	successResponse(c, gin.H{"id": id, "result": res})
}

// handleListSignals lists persisted signals, newest first
func (s *Server) handleListSignals(c *gin.Context) {
	if s.repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database is disabled")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	signals, err := s.repo.GetSignals(c.Request.Context(), strings.ToUpper(c.Query("instrument")), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, signals)
}

// handleListBacktests lists stored runs, newest first
func (s *Server) handleListBacktests(c *gin.Context) {
	if s.repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database is disabled")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.repo.GetBacktestRuns(c.Request.Context(), strings.ToUpper(c.Query("instrument")), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, runs)
}

// handleGetBacktest returns one stored run with its trades and windows
func (s *Server) handleGetBacktest(c *gin.Context) {
	if s.repo == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database is disabled")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid run id")
		return
	}

	ctx := c.Request.Context()
	run, err := s.repo.GetBacktestRun(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "backtest run not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	trades, err := s.repo.GetBacktestTrades(ctx, id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	windows, err := s.repo.GetWalkForwardWindows(ctx, id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{"run": run, "trades": trades, "windows": windows})
}
