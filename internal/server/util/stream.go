package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const MIMEApplicationNDJSON = "application/x-ndjson"

// StreamWriter writes one JSON document per update, either as NDJSON lines
// or as server-sent events, flushing after each one.
type StreamWriter struct {
	c   echo.Context
	sse bool
}

// NewStreamWriter picks server-sent events when the client accepts
// text/event-stream and NDJSON otherwise, then writes the response header.
func NewStreamWriter(c echo.Context) *StreamWriter {
	sse := strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream")
	h := c.Response().Header()
	if sse {
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
	} else {
		h.Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	}
	c.Response().WriteHeader(http.StatusOK)
	return &StreamWriter{c: c, sse: sse}
}

// Write emits payload. event is only used for server-sent events.
func (w *StreamWriter) Write(event string, payload any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return err
	}

	if w.sse {
		return WriteSSEEvent(w.c, event, bytes.TrimRight(buf.Bytes(), "\n"))
	}
	if _, err := w.c.Response().Write(buf.Bytes()); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}

func WriteSSEEvent(c echo.Context, event string, data []byte) error {
	if _, err := fmt.Fprintf(c.Response(), "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}

	c.Response().Flush()
	return nil
}
