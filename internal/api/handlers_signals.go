package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/logging"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/signal"
)

// Repository is the persistence the routes need. *database.Repository
// implements it.
type Repository interface {
	HealthCheck(ctx context.Context) error
	SaveSignal(ctx context.Context, s *database.SignalRecord) error
	GetSignals(ctx context.Context, instrument string, limit int) ([]database.SignalRecord, error)
	SaveOutcome(ctx context.Context, o *database.SignalOutcome) error
	SaveBacktestRun(ctx context.Context, run *database.BacktestRun, trades []database.BacktestTrade, windows []database.WalkForwardWindow) (int64, error)
	GetBacktestRuns(ctx context.Context, instrument string, limit int) ([]database.BacktestRun, error)
	GetBacktestRun(ctx context.Context, id int64) (*database.BacktestRun, error)
	GetBacktestTrades(ctx context.Context, runID int64) ([]database.BacktestTrade, error)
	GetWalkForwardWindows(ctx context.Context, runID int64) ([]database.WalkForwardWindow, error)
}

// handleEvaluate runs the pipeline over candles supplied in the body
func (s *Server) handleEvaluate(c *gin.Context) {
	if s.pipeline == nil {
		errorResponse(c, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	var in signal.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in.Instrument = strings.ToUpper(in.Instrument)

	ctx := c.Request.Context()
	sig, no, err := s.pipeline.Evaluate(ctx, in)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, signal.ErrInvalidInput) || errors.Is(err, market.ErrLookAhead) {
			status = http.StatusBadRequest
		}
		errorResponse(c, status, err.Error())
		return
	}

	if no != nil {
		if s.eventBus != nil {
			s.eventBus.PublishNoSignal(no)
		}
		successResponse(c, gin.H{"signal": nil, "no_signal": no})
		return
	}

	if s.repo != nil {
		if err := s.saveSignal(ctx, sig); err != nil {
			logging.FromContext(ctx).Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to save signal")
		}
	}
	if s.eventBus != nil {
		s.eventBus.PublishSignal(sig)
	}
	successResponse(c, gin.H{"signal": sig, "no_signal": nil})
}

func (s *Server) saveSignal(ctx context.Context, sig *signal.TradingSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.repo.SaveSignal(ctx, &database.SignalRecord{
		ID:            sig.ID,
		Instrument:    sig.Instrument,
		Direction:     string(sig.Direction),
		Grade:         string(sig.Grade),
		RawConfidence: sig.RawConfidence,
		Confidence:    sig.Confidence,
		EntryPrice:    sig.Entry,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		Phase:         int(sig.Phase),
		SignalTime:    sig.Time,
		Payload:       payload,
	})
}

// handleGetSequence returns the persisted sequence state of an instrument
func (s *Server) handleGetSequence(c *gin.Context) {
	if s.tracker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "sequence tracking disabled")
		return
	}

	instrument := strings.ToUpper(c.Param("instrument"))
	st, err := s.tracker.Current(c.Request.Context(), instrument)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	successResponse(c, gin.H{
		"state":      st,
		"phase_name": st.Phase.Name(),
		"modifier":   st.Phase.Modifier(),
	})
}

// handleGetCalibration returns the current Platt parameters
func (s *Server) handleGetCalibration(c *gin.Context) {
	if s.calibrator == nil {
		errorResponse(c, http.StatusServiceUnavailable, "calibration disabled")
		return
	}

	successResponse(c, gin.H{
		"params":   s.calibrator.Params(),
		"outcomes": len(s.calibrator.Outcomes()),
	})
}

// OutcomeRequest reports how a published signal resolved
type OutcomeRequest struct {
	SignalID      string     `json:"signal_id" binding:"required"`
	Instrument    string     `json:"instrument" binding:"required"`
	RawConfidence float64    `json:"raw_confidence" binding:"gte=0,lte=100"`
	Win           bool       `json:"win"`
	PnL           float64    `json:"pnl"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
}

// handleRecordOutcome stores an outcome and feeds it to the calibrator
// and the signal circuit breaker
func (s *Server) handleRecordOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	o := calibration.Outcome{
		SignalID:      req.SignalID,
		Instrument:    strings.ToUpper(req.Instrument),
		RawConfidence: req.RawConfidence,
		Win:           req.Win,
		PnL:           req.PnL,
		RecordedAt:    time.Now().UTC(),
	}
	if req.RecordedAt != nil {
		o.RecordedAt = req.RecordedAt.UTC()
	}

	ctx := c.Request.Context()
	if s.repo != nil {
		err := s.repo.SaveOutcome(ctx, &database.SignalOutcome{
			SignalID:      o.SignalID,
			Instrument:    o.Instrument,
			RawConfidence: o.RawConfidence,
			Win:           o.Win,
			PnL:           o.PnL,
			RecordedAt:    o.RecordedAt,
		})
		if errors.Is(err, database.ErrDuplicateOutcome) {
			errorResponse(c, http.StatusConflict, "outcome already recorded for signal "+o.SignalID)
			return
		}
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}

	refit := false
	if s.calibrator != nil {
		var err error
		refit, err = s.calibrator.Record(ctx, o)
		if err != nil {
			logging.FromContext(ctx).Warn().Err(err).Str("signal_id", o.SignalID).Msg("Calibrator record failed")
		}
	}
	if s.breaker != nil {
		s.breaker.RecordOutcome(o.Instrument, o.Win)
	}
	if s.eventBus != nil {
		s.eventBus.PublishOutcome(o, refit)
	}

	resp := gin.H{"recorded": true, "refit": refit}
	if s.calibrator != nil {
		resp["params"] = s.calibrator.Params()
	}
	successResponse(c, resp)
}

// handleLastScan returns the most recent scanner pass
func (s *Server) handleLastScan(c *gin.Context) {
	if s.scanner == nil {
		errorResponse(c, http.StatusServiceUnavailable, "scanner not running")
		return
	}
	res := s.scanner.LastResult()
	if res == nil {
		errorResponse(c, http.StatusNotFound, "no scan completed yet")
		return
	}
	successResponse(c, res)
}

// handleCircuitStatus returns the signal circuit breaker counters
func (s *Server) handleCircuitStatus(c *gin.Context) {
	if s.breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal circuit breaker not configured")
		return
	}
	successResponse(c, gin.H{
		"enabled": s.breaker.IsEnabled(),
		"stats":   s.breaker.Stats(),
	})
}

// handleCircuitReset closes the signal circuit breaker
func (s *Server) handleCircuitReset(c *gin.Context) {
	if s.breaker == nil {
		errorResponse(c, http.StatusServiceUnavailable, "signal circuit breaker not configured")
		return
	}
	s.breaker.ForceReset()
	logging.FromContext(c.Request.Context()).Info().Msg("Signal circuit breaker reset via API")
	successResponse(c, s.breaker.Stats())
}
