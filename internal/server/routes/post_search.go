package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/labstack/echo/v4"
)

// maxSearchDepth bounds client supplied depths.
const maxSearchDepth = 10

// searchResponse carries a Warning when the graph could not be read. The
// subgraph is then empty.
type searchResponse struct {
	*common.Subgraph
	Warning string `json:"warning,omitempty"`
}

func SearchGraphHandler(c echo.Context) error {
	type searchRequest struct {
		Name  string `json:"name" validate:"required"`
		Depth int    `json:"depth" validate:"min=0"`
	}

	data := new(searchRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	depth := data.Depth
	if depth == 0 {
		depth = app.Config.SearchDepth
	}
	depth = min(depth, maxSearchDepth)

	sub, err := app.Retriever.Retrieve(c.Request().Context(), []string{data.Name}, depth)
	if err != nil {
		logger.Warn("[Server] retrieval failed, returning empty subgraph", "name", data.Name, "err", err)
		return c.JSON(http.StatusOK, searchResponse{Subgraph: common.NewSubgraph(), Warning: "Graph data unavailable"})
	}
	return c.JSON(http.StatusOK, searchResponse{Subgraph: sub})
}
