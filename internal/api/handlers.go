package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"workflow-orchestrator/internal/logging"
	"workflow-orchestrator/internal/recovery"
	"workflow-orchestrator/internal/repository"
	"workflow-orchestrator/internal/services"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the operational HTTP handlers.
type Handler struct {
	store  Pinger
	logger *logging.Logger
}

// NewHandler creates a new Handler. store may be nil when there is nothing to ping.
func NewHandler(store Pinger, logger *logging.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "workflow-orchestrator",
		Version:   Version,
	})
}

// HandleReady pings the store and returns 503 when it is unreachable.
func (h *Handler) HandleReady(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "workflow-orchestrator",
		Version:   Version,
		Store:     "ok",
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			status.Status = "degraded"
			status.Store = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// NewEcho builds an echo instance with the problem+json error handler,
// panic recovery and request logging installed.
func NewEcho(logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	return e
}

// ErrorHandler writes every error as an RFC 7807 Problem Details document.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he := toHTTPError(err)
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			detail = msg
		}
		if he.Code >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}

		problem := ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(he.Code),
			Status:   he.Code,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, problem)
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

// toHTTPError maps service and store errors onto status codes.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, services.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, recovery.ErrInProgress),
		errors.Is(err, recovery.ErrResolved):
		code = http.StatusConflict
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
