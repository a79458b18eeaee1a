// Package http provides the HTTP server of the assistant gateway.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vanky2viva/omni-assistant/internal/service"
	v1 "github.com/vanky2viva/omni-assistant/internal/transport/http/v1"
	"github.com/vanky2viva/omni-assistant/internal/transport/ws"
)

// NewServer creates and configures the gateway's HTTP server. When wsServer
// is not nil the WebSocket endpoint is mounted at /ws.
func NewServer(svc *service.Service, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)
	if wsServer != nil {
		e.GET("/ws", wsServer.HandleWebSocket)
	}

	return e
}
