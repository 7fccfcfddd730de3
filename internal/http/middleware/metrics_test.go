package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RouteLabelsAndInflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/transactions/:id", func(c *gin.Context) { c.String(http.StatusOK, "{}") })
	r.GET("/empty", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/transactions/:id", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404"))

	serve(r, http.MethodGet, "/transactions/1", nil)
	serve(r, http.MethodGet, "/transactions/2", nil)
	serve(r, http.MethodGet, "/nope/123", nil)
	serve(r, http.MethodGet, "/empty", nil)

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/transactions/:id", "200")); got != baseOK+2 {
		t.Fatalf("route counter = %v; want %v", got, baseOK+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404")); got != base404+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, base404+1)
	}
	if inflight := testutil.ToFloat64(httpInflight); inflight != 0 {
		t.Fatalf("inflight = %v; want 0", inflight)
	}
}
