package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("escrow created", "id", "0x01")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if line["service"] != "obridge" || line["id"] != "0x01" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger")
	}
}

func TestL_TagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")

	L(ctx).Info("refund submitted")
	if !strings.Contains(buf.String(), "request_id=req-456") {
		t.Errorf("expected request id in %q", buf.String())
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "info", "text")))
	r.GET("/ping", func(c *gin.Context) {
		L(c.Request.Context()).Info("pong")
		c.String(http.StatusOK, RequestID(c.Request.Context()))
	})

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		id := w.Header().Get(RequestIDHeader)
		if !strings.HasPrefix(id, "req_") || w.Body.String() != id {
			t.Errorf("unexpected request id %q / %q", id, w.Body.String())
		}
	})

	t.Run("keeps incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, "relayer-7")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Body.String() != "relayer-7" {
			t.Errorf("expected incoming id, got %q", w.Body.String())
		}
		if !strings.Contains(buf.String(), "request_id=relayer-7") {
			t.Errorf("expected request id in log output")
		}
	})
}
