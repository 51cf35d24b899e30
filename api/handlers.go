package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// quotaCheck is the gateway admission hook. It always answers 200 or 429,
// never 5xx: when the shared store is down the decision fails open and the
// gateway keeps serving traffic. Rate-limit headers are set on every
// outcome so well-behaved clients can self-throttle.
func (s *Server) quotaCheck(c *gin.Context) {
	classID := c.GetHeader(headerClassID)
	if classID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consumer class required"})
		return
	}
	callerID := c.GetHeader(headerCallerID)

	res := s.quota.Decide(c.Request.Context(), classID, callerID)

	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if !res.Allowed {
		retryAfter := int64(res.RetryAfter(time.Now()).Seconds())
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"allowed":     false,
			"limit":       res.Limit,
			"remaining":   res.Remaining,
			"reset_at":    res.ResetAt.Unix(),
			"retry_after": retryAfter,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"limit":     res.Limit,
		"remaining": res.Remaining,
		"reset_at":  res.ResetAt.Unix(),
	})
}

// getQuota is caller self-introspection: how much quota is left.
func (s *Server) getQuota(c *gin.Context) {
	classID := c.Param("classId")
	callerID := c.GetHeader(headerCallerID)

	st, err := s.quota.Stats(c.Request.Context(), classID, callerID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota state unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// classStats aggregates usage across every consumer of a class.
func (s *Server) classStats(c *gin.Context) {
	classID := c.Param("classId")

	agg, err := s.quota.ClassStats(c.Request.Context(), classID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota state unavailable"})
		return
	}
	c.JSON(http.StatusOK, agg)
}

// topConsumers lists consumers at or above the usage threshold.
func (s *Server) topConsumers(c *gin.Context) {
	classID := c.Param("classId")

	threshold := 80.0
	if raw := c.Query("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a percentage between 0 and 100"})
			return
		}
		threshold = parsed
	}

	consumers, err := s.quota.TopConsumers(c.Request.Context(), classID, threshold)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota state unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"class_id":  classID,
		"threshold": threshold,
		"consumers": consumers,
	})
}

type resetRequest struct {
	CallerID string `json:"caller_id"`
}

// resetQuota resets one consumer when the body names a caller, otherwise
// every consumer of the class.
func (s *Server) resetQuota(c *gin.Context) {
	classID := c.Param("classId")

	var req resetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
	}

	if req.CallerID != "" {
		if err := s.quota.ResetConsumer(c.Request.Context(), classID, req.CallerID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": classID, "caller_id": req.CallerID, "reset": 1})
		return
	}

	n, err := s.quota.ResetClass(c.Request.Context(), classID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reset failed", "reset": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"class_id": classID, "reset": n})
}

// health reports liveness and shared-store reachability.
func (s *Server) health(c *gin.Context) {
	if err := s.quota.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
