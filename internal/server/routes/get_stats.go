package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/labstack/echo/v4"
)

func GetGraphStatsHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	stats, err := app.Retriever.Stats(c.Request().Context())
	if err != nil {
		logger.Error("[Server] failed to load graph data", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "Graph data unavailable"})
	}
	return c.JSON(http.StatusOK, stats)
}
