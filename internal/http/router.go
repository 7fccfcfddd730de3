// Package httpapi wires the Gin transport to the settlement services and the
// shared middleware stack: tracing, correlation ids, access logging, panic
// recovery, body limits, metrics, rate limiting, CORS and security headers.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-settlement-backend/docs"
	"github.com/tbourn/go-settlement-backend/internal/config"
	"github.com/tbourn/go-settlement-backend/internal/http/handlers"
	"github.com/tbourn/go-settlement-backend/internal/http/middleware"
)

// maxBodyBytes caps request bodies; a transaction payload is a few hundred
// bytes.
const maxBodyBytes = 64 << 10

// Deps are the application services the routes are bound to.
type Deps struct {
	Transactions handlers.TransactionService
	Accounts     handlers.AccountService
	Queue        handlers.QueueInspector
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger
//  4. Recovery
//  5. Body size limit
//  6. Metrics (and GET /metrics)
//  7. Rate limiter (health and metrics exempt)
//  8. CORS and security headers
//
// GET /swagger/* serves Swagger UI when cfg.SwaggerEnabled is set.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP(), "/health", "/metrics")
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Transactions, deps.Accounts, deps.Queue)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/transactions", h.CreateTransaction)
		api.GET("/transactions/:id", h.GetTransaction)

		api.GET("/accounts/:account_id/balance", h.GetBalance)
		// Transaction pages are the only sizeable responses.
		api.GET("/accounts/:account_id/transactions", gzip.Gzip(gzip.DefaultCompression), h.ListAccountTransactions)

		admin := api.Group("/admin")
		admin.GET("/dead-letters", gzip.Gzip(gzip.DefaultCompression), h.ListDeadLetters)
		admin.GET("/queue", h.QueueStats)
		admin.POST("/transactions/:id/dispatch", h.RedispatchTransaction)
	}
}

// corsMiddleware allows any origin when none are configured and the given
// allowlist otherwise. Credentials are never allowed.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"X-Request-ID", "Location", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cors.New(cc)
}

// limitBody caps request bodies at maxBytes; reads past the cap fail with
// *http.MaxBytesError.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
