// Package http provides the relay's HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/dataagent/internal/service"
	v1 "github.com/xiaot623/dataagent/internal/transport/http/v1"
	"github.com/xiaot623/dataagent/internal/transport/ws"
)

// NewServer creates and configures the relay HTTP server. ws may be nil to
// leave the WebSocket endpoint out.
func NewServer(svc *service.Service, wsServer *ws.Server, version string, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, version, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if wsServer != nil {
		v1Handler.SetConnectionCount(wsServer.Connections)
		e.GET("/v1/ws", echo.WrapHandler(wsServer))
	}

	return e
}
