package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/internal/server/util"
	"github.com/OFFIS-RIT/chatkg/pkg/chat"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/labstack/echo/v4"
)

type chatRequest struct {
	Prompt  string      `json:"prompt" validate:"required"`
	History []chat.Turn `json:"history"`
}

func bindChat(c echo.Context) (*chatRequest, middleware.Chatter, error) {
	data := new(chatRequest)
	if err := c.Bind(data); err != nil {
		return nil, nil, c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return nil, nil, c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	chatter := c.(*middleware.AppContext).App.Chat
	if chatter == nil {
		return nil, nil, c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "Chat is not configured"})
	}
	return data, chatter, nil
}

func ChatHandler(c echo.Context) error {
	data, chatter, err := bindChat(c)
	if data == nil {
		return err
	}

	res, err := chatter.Chat(c.Request().Context(), data.Prompt, data.History)
	if err != nil {
		logger.Error("[Server] chat failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusOK, res)
}

// ChatStreamHandler streams every partial answer as one JSON document.
func ChatStreamHandler(c echo.Context) error {
	data, chatter, err := bindChat(c)
	if data == nil {
		return err
	}

	ctx := c.Request().Context()
	updates, err := chatter.Stream(ctx, data.Prompt, data.History)
	if err != nil {
		logger.Error("[Server] chat stream failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	w := util.NewStreamWriter(c)
	for update := range updates {
		if err := w.Write("update", update); err != nil {
			// client went away; the pipeline stops once ctx is done
			logger.Debug("[Server] stream write failed", "err", err)
			for range updates {
			}
			return nil
		}
	}
	return nil
}
