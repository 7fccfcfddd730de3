package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func serve(r *gin.Engine, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFrom(c))
	})

	w := serve(r, http.MethodGet, "/rid", nil)
	gen := w.Header().Get(requestIDHeader)
	if gen == "" || w.Body.String() != gen {
		t.Fatalf("generated id header=%q body=%q", gen, w.Body.String())
	}

	w = serve(r, http.MethodGet, "/rid", map[string]string{strings.ToLower(requestIDHeader): "abc-123"})
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestRequestID_RejectsUnsafeValues(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for name, v := range map[string]string{
		"too long": strings.Repeat("x", maxRequestIDLength+1),
		"spaces":   "a b",
	} {
		w := serve(r, http.MethodGet, "/rid", map[string]string{requestIDHeader: v})
		if got := w.Header().Get(requestIDHeader); got == v || got == "" {
			t.Fatalf("%s: id should be replaced, got %q", name, got)
		}
	}
}

func TestLogger_LevelsAndRouteLabel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/transactions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	serve(r, http.MethodGet, "/transactions/7", nil)
	serve(r, http.MethodGet, "/missing", nil)
	serve(r, http.MethodGet, "/err", nil)

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) || !strings.Contains(logs, `"route":"/transactions/:id"`) {
		t.Fatalf("expected info line with route template, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"route":"/missing"`) {
		t.Fatalf("expected warn line with raw path fallback, got:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, `"errors"`) {
		t.Fatalf("expected error line, got:\n%s", logs)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }

func TestRecovery_PanicsToJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := serve(r, http.MethodGet, "/panic", map[string]string{requestIDHeader: "rid-1"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestRecovery_PanicAfterWrite_NoJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})

	w := serve(r, http.MethodGet, "/late", nil)
	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("no JSON envelope expected after write, got %q", w.Body.String())
	}
}

func TestLoggerFrom_FallbackAndRequestScoped(t *testing.T) {
	gin.SetMode(gin.TestMode)

	buf := captureLogger(t)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("fallback")
		c.Status(http.StatusOK)
	})
	serve(r, http.MethodGet, "/use", nil)
	if !strings.Contains(buf.String(), `"message":"fallback"`) || strings.Contains(buf.String(), `"request_id"`) {
		t.Fatalf("fallback logger output unexpected:\n%s", buf.String())
	}

	buf = captureLogger(t)
	r = gin.New()
	r.Use(RequestID(), Logger())
	r.GET("/use", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("scoped")
		c.Status(http.StatusOK)
	})
	serve(r, http.MethodGet, "/use", nil)
	if !strings.Contains(buf.String(), `"message":"scoped"`) || !strings.Contains(buf.String(), `"request_id"`) {
		t.Fatalf("scoped logger should carry request_id:\n%s", buf.String())
	}
}

func TestHelpers(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" {
		t.Fatal("asString")
	}
	if truncate("hello", 10) != "hello" || truncate("abcdefgh", 5) != "abcde…" || truncate("abc", 0) != "abc" {
		t.Fatal("truncate")
	}
	if !validRequestID("Z-REQ-123") || validRequestID("") || validRequestID("tab\there") {
		t.Fatal("validRequestID")
	}
}
