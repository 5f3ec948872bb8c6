package server

import (
	"github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Graph routes
	apiRoutes.POST("/search", routes.SearchGraphHandler, middleware.RequirePermission("graph.search"))
	apiRoutes.GET("/graph/stats", routes.GetGraphStatsHandler, middleware.RequirePermission("graph.stats"))

	// Chat routes
	apiRoutes.POST("/chat", routes.ChatHandler, middleware.RequirePermission("chat.query"))
	apiRoutes.POST("/stream", routes.ChatStreamHandler, middleware.RequirePermission("chat.query"))

	// Build routes
	apiRoutes.POST("/builds", routes.CreateBuildHandler, middleware.RequirePermission("build.create"))
}
