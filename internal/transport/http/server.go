// Package http provides the HTTP server of the live import service.
package http

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ts-factory/bublik-sub000/internal/service"
	v2 "github.com/ts-factory/bublik-sub000/internal/transport/http/v2"
)

// NewServer creates the echo server serving the import and run APIs,
// health and metrics.
func NewServer(svc *service.Service, gatherer prometheus.Gatherer, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	v2Handler := v2.NewHandler(svc, logger)
	v2Handler.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return e
}
