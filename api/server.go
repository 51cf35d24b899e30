// Package api exposes the quota service over HTTP: the gateway admission
// hook, self-service introspection, and admin operations.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/quotagate/quotagate/internal/quota"
)

const (
	headerClassID  = "X-Class-ID"
	headerCallerID = "X-Caller-ID"
)

// Server is the HTTP front of the quota service.
type Server struct {
	router     *gin.Engine
	quota      *quota.Service
	logger     *zap.Logger
	adminToken string
	httpServer *http.Server
}

// Options configures the HTTP server.
type Options struct {
	// AdminToken gates the admin routes. When empty, admin routes reject
	// every request; authorization proper belongs to the platform in front
	// of this service.
	AdminToken string
	// AdminRateLimit is a ulule-formatted rate (e.g. "300-M") protecting
	// the admin fan-out endpoints from hammering the shared store.
	AdminRateLimit string
}

// NewServer builds the router. The quota service is injected; the server
// owns no quota state of its own.
func NewServer(q *quota.Service, opts Options, logger *zap.Logger) (*Server, error) {
	s := &Server{
		quota:      q,
		logger:     logger,
		adminToken: opts.AdminToken,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("quotagate"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", headerClassID, headerCallerID},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/quota-check", s.callerIdentity(), s.quotaCheck)

	quotas := router.Group("/quotas")
	quotas.GET("/:classId", s.callerIdentity(), s.getQuota)

	admin := router.Group("/quotas")
	admin.Use(s.adminAuth())
	if mw, err := adminRateLimiter(opts.AdminRateLimit); err != nil {
		return nil, err
	} else if mw != nil {
		admin.Use(mw)
	}
	{
		admin.GET("/:classId/stats", s.classStats)
		admin.GET("/:classId/consumers", s.topConsumers)
		admin.POST("/:classId/reset", s.resetQuota)
	}

	s.router = router
	return s, nil
}

// adminRateLimiter builds a per-IP in-memory limiter for the admin surface.
// The admin endpoints fan out O(consumers) store reads, so they get their
// own brake independent of the quota machinery they manage.
func adminRateLimiter(formatted string) (gin.HandlerFunc, error) {
	if formatted == "" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	return mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)), nil
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// callerIdentity requires the opaque caller identity header. Identity
// extraction and verification happen upstream; an absent identity here is a
// malformed request, not an authentication decision.
func (s *Server) callerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(headerCallerID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "caller identity required"})
			return
		}
		c.Next()
	}
}

// adminAuth gates the admin routes on a bearer token.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin access not configured"})
			return
		}
		auth := c.GetHeader("Authorization")
		if len(auth) <= 7 || auth[:7] != "Bearer " || auth[7:] != s.adminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
