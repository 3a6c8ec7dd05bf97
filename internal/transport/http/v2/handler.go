// Package v2 provides the /api/v2 handlers.
package v2

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ts-factory/bublik-sub000/internal/livelog"
	"github.com/ts-factory/bublik-sub000/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		log:     logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Live import API
	e.POST("/api/v2/importruns/init", h.Init)
	e.POST("/api/v2/importruns/feed", h.Feed)
	e.POST("/api/v2/importruns/finish", h.Finish)
	e.GET("/api/v2/importruns/stream", h.Stream)

	// Run read API
	e.GET("/api/v2/runs", h.ListRuns)
	e.GET("/api/v2/runs/:run_id", h.GetRun)
	e.GET("/api/v2/runs/:run_id/results", h.GetRunResults)
	e.GET("/api/v2/runs/:run_id/stats", h.GetRunStats)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (h *Handler) error(c echo.Context, err error) error {
	if errors.Is(err, service.ErrRunNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": err.Error()})
	}
	le := livelog.AsError(err)
	status := le.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).Msg("request failed")
	}
	return c.JSON(status, le.Body())
}

func queryRunID(c echo.Context) (int64, error) {
	return parseRunID(c.QueryParam("run"))
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, livelog.InvalidInput("invalid run id", map[string]any{"run": s})
	}
	return id, nil
}
