package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/pipeline"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// StepHandler runs one decoded pipeline step. Implemented by
// *pipeline.Executor.
type StepHandler interface {
	ExecuteStep(ctx context.Context, req *pipeline.StepRequest) (*pipeline.StepResult, error)
}

// Server exposes the node's pipeline endpoint.
type Server struct {
	cfg     *config.Node
	handler StepHandler
	echo    *echo.Echo
	log     *logger.Logger
}

// NewServer builds the echo application and registers the routes.
func NewServer(cfg *config.Node, handler StepHandler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		echo:    echo.New(),
		log:     logger.Log.With("transport"),
	}
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLog)
	s.echo.POST("/pipeline", s.handleStep)
	s.echo.GET("/health", s.handleHealth)
	return s
}

// Handler exposes the echo application, mainly for tests and for mounting
// extra observability routes.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.Info("listening", "addr", addr, "node_id", s.cfg.NodeID)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 30 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, s.echo)
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := uuid.NewString()
		c.Response().Header().Set("X-Request-ID", id)
		start := time.Now()
		err := next(c)
		status := 0
		if res, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
			status = res.Status
		}
		s.log.Info("request",
			"id", id,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", status,
			"duration", time.Since(start))
		return err
	}
}

func (s *Server) handleStep(c *echo.Context) error {
	var wire StepRequestWire
	if err := json.NewDecoder(c.Request().Body).Decode(&wire); err != nil {
		return s.respondError(c, http.StatusBadRequest, &wire, fmt.Errorf("malformed request body: %w", err))
	}

	inputs, err := tensor.DecodeMap(wire.Inputs)
	if err != nil {
		return s.respondError(c, http.StatusBadRequest, &wire, err)
	}

	res, err := s.handler.ExecuteStep(c.Request().Context(), &pipeline.StepRequest{
		SessionID:   wire.SessionID,
		Step:        wire.Step,
		TargetBlock: wire.TargetBlockID,
		Inputs:      inputs,
	})
	if err != nil {
		// A partial result still reaches the caller: the block lists and
		// timings say exactly how far the step got.
		if res != nil {
			if out, werr := toWire(res); werr == nil {
				out.Error = err.Error()
				s.log.Error("step failed",
					"session_id", wire.SessionID, "step", wire.Step, "error", err)
				return c.JSON(statusFor(err), out)
			}
		}
		return s.respondError(c, statusFor(err), &wire, err)
	}

	out, err := toWire(res)
	if err != nil {
		return s.respondError(c, http.StatusInternalServerError, &wire, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.cfg.NodeID,
		"blocks":  s.cfg.AssignedBlocks,
	})
}

// statusFor maps step errors onto HTTP statuses: client mistakes are 4xx,
// a dead downstream is 502, a timed-out block is 504, the rest 500.
func statusFor(err error) int {
	var format *tensor.FormatError
	var prep *pipeline.InputPreparationError
	var fwd *pipeline.ForwardingError
	var timeout *pipeline.WorkerTimeoutError
	switch {
	case errors.As(err, &format), errors.As(err, &prep):
		return http.StatusBadRequest
	case errors.As(err, &fwd):
		return http.StatusBadGateway
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(c *echo.Context, status int, wire *StepRequestWire, err error) error {
	s.log.Error("step failed",
		"session_id", wire.SessionID, "step", wire.Step, "status", status, "error", err)
	return c.JSON(status, &StepResponseWire{
		SessionID:        wire.SessionID,
		Step:             wire.Step,
		Status:           pipeline.StatusError,
		SuccessfulBlocks: []string{},
		FailedBlocks:     []pipeline.FailedBlock{},
		ExecutionTimes:   map[string]float64{},
		Error:            err.Error(),
	})
}
