package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/astrolabe/internal/history"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/pipeline"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"service": "astrolabe",
	})
}

// handleOptimize accepts an optimization request and returns the job id.
// POST /api/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	jobID, err := s.pipeline.StartOptimization(r.Context(), req)
	if err != nil {
		var reqErr *pipeline.RequestError
		if errors.As(err, &reqErr) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("Failed to start optimization")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

// handleGetJob returns the stored snapshot of an optimization job.
// GET /api/optimize/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.pipeline.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests cancellation of a queued or running job.
// DELETE /api/optimize/{jobID}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := s.pipeline.Cancel(jobID)
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": "cancelling",
		})
		return
	}
	if !errors.Is(err, pipeline.ErrJobNotRunning) {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Distinguish an unknown job from one that already finished.
	if _, getErr := s.pipeline.GetJob(r.Context(), jobID); errors.Is(getErr, pipeline.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	s.writeError(w, http.StatusConflict, "job is not running")
}

// forecastRequest is the POST /api/forecast body.
type forecastRequest struct {
	Tickers     []string `json:"tickers"`
	Horizon     string   `json:"horizon,omitempty"`
	Models      []string `json:"models,omitempty"`
	Simulations int      `json:"simulations,omitempty"`
	Fast        bool     `json:"fast,omitempty"`
	SkipCache   bool     `json:"skip_cache,omitempty"`
}

// handleForecast runs the forecast suite synchronously.
// POST /api/forecast
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req forecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Tickers) == 0 {
		s.writeError(w, http.StatusBadRequest, "tickers must not be empty")
		return
	}

	suite, err := s.engine.RunForecastSuite(r.Context(), forecast.SuiteRequest{
		Tickers:     req.Tickers,
		Horizon:     req.Horizon,
		Models:      req.Models,
		Simulations: req.Simulations,
		FastMode:    req.Fast,
		SkipCache:   req.SkipCache,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Forecast suite failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, suite)
}

// handleRisk returns the risk metrics for one ticker.
// GET /api/risk/{ticker}?period=1y
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1y"
	}
	if _, err := history.ParsePeriod(period, time.Now()); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics, err := s.risk.AllMetrics(r.Context(), []string{ticker}, period)
	if err != nil {
		s.log.Error().Err(err).Str("ticker", ticker).Msg("Risk metrics failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m, ok := metrics[ticker]
	if !ok {
		s.writeError(w, http.StatusNotFound, "insufficient history for "+ticker)
		return
	}

	s.writeJSON(w, http.StatusOK, m)
}
