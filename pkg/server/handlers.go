package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/orchestrate"
	"github.com/fyrsmithlabs/operatord/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Service: "operatord"})
}

func (s *Server) handleSubmitEvent(c echo.Context) error {
	var env ingest.Envelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed envelope"})
	}

	id, err := s.ingest.Submit(c.Request().Context(), &env)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"event_id": id})
}

func (s *Server) handleStartTrace(c echo.Context) error {
	var req orchestrate.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request"})
	}

	tr, err := s.orchestrator.StartPipeline(c.Request().Context(), &req)
	if err != nil && tr == nil {
		return s.writeError(c, err)
	}
	// A run error after trace creation still returns the trace, with the
	// outcome attached the same way classify reports one.
	resp := map[string]interface{}{"trace": tr}
	if err != nil {
		resp["execution_error"] = err.Error()
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleGetTrace(c echo.Context) error {
	tr, err := s.store.GetTrace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

type classifyRequest struct {
	WindowSince string `json:"window_since,omitempty"`
}

func (s *Server) handleClassify(c echo.Context) error {
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request"})
	}

	var since time.Time
	if req.WindowSince != "" {
		var err error
		since, err = time.Parse(time.RFC3339, req.WindowSince)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "window_since must be ISO-8601"})
		}
	}

	rec, err := s.orchestrator.Decide(c.Request().Context(), c.Param("id"), since)
	if err != nil && rec == nil {
		return s.writeError(c, err)
	}
	// Execution errors (gate failure, timeout) still produced a decision;
	// return it with the outcome attached.
	resp := map[string]interface{}{"decision": rec}
	if err != nil {
		resp["execution_error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListEvents(c echo.Context) error {
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		var err error
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "since must be ISO-8601"})
		}
	}

	events, err := s.store.EventsSince(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleListDecisions(c echo.Context) error {
	decisions, err := s.store.ListDecisions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, decisions)
}

func (s *Server) handleChangelog(c echo.Context) error {
	entries, err := s.store.ListChangelog(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleMemorySearch(c echo.Context) error {
	if s.memory == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "incident memory is not configured"})
	}

	query := c.QueryParam("q")
	k := 5
	if raw := c.QueryParam("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "k must be a positive integer"})
		}
		k = parsed
	}

	results, err := s.memory.Search(c.Request().Context(), query, k)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrIsolationViolation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, orchestrate.ErrStaleDecision),
		errors.Is(err, orchestrate.ErrGateFailure),
		errors.Is(err, orchestrate.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, orchestrate.ErrTimeout):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}
