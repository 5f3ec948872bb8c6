package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStreamWriter(t *testing.T) {
	tests := []struct {
		name        string
		accept      string
		contentType string
		want        string
	}{
		{
			name:        "ndjson by default",
			contentType: MIMEApplicationNDJSON,
			want:        "{\"n\":1,\"s\":\"<中>\"}\n{\"n\":2,\"s\":\"<中>\"}\n",
		},
		{
			name:        "server-sent events",
			accept:      "text/event-stream",
			contentType: "text/event-stream",
			want:        "event: update\ndata: {\"n\":1,\"s\":\"<中>\"}\n\nevent: update\ndata: {\"n\":2,\"s\":\"<中>\"}\n\n",
		},
	}

	type payload struct {
		N int    `json:"n"`
		S string `json:"s"`
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.accept != "" {
				req.Header.Set(echo.HeaderAccept, tt.accept)
			}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			w := NewStreamWriter(c)
			for i := 1; i <= 2; i++ {
				if err := w.Write("update", payload{N: i, S: "<中>"}); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}

			if got := rec.Header().Get(echo.HeaderContentType); got != tt.contentType {
				t.Errorf("content type = %q, want %q", got, tt.contentType)
			}
			if got := rec.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
			if !strings.Contains(rec.Body.String(), "<中>") {
				t.Error("html escaped output")
			}
		})
	}
}
