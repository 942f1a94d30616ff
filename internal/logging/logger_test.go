package logging

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}

	logger, err = NewLogger("nonsense")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) || !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected unknown level to fall back to info")
	}
}

func TestOperationError(t *testing.T) {
	if NewOperationError("op", "req", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}

	cause := errors.New("boom")
	err := NewOperationError("store.get", "req-1", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrapped")
	}
	if err.Error() != "store.get [req-1]: boom" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if got := NewOperationError("store.list", "", cause).Error(); got != "store.list: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestErrorFieldsLiftsOperation(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	err := NewOperationError("cache.set.result", "req-9", errors.New("timeout"))
	logger.Warn("failed", ErrorFields(err)...)

	entry := logs.All()[0].ContextMap()
	if entry["failed_operation"] != "cache.set.result" || entry["request_id"] != "req-9" {
		t.Fatalf("unexpected fields: %v", entry)
	}
}

func TestGinMiddlewareLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/bad", "/fail"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 access log entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range entries {
		if entry.Level != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entry.Level)
		}
	}
	if entries[0].ContextMap()["path"] != "/ok" {
		t.Fatalf("unexpected path field: %v", entries[0].ContextMap())
	}
}
