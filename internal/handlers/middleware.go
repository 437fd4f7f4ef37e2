package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const RequestIDHeader = "X-Request-ID"

// LimitConcurrency admits at most n requests at a time; the rest wait for a
// slot until their request context ends.
func LimitConcurrency(n int64) gin.HandlerFunc {
	sem := semaphore.NewWeighted(n)
	return func(c *gin.Context) {
		if err := sem.Acquire(c.Request.Context(), 1); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
			return
		}
		defer sem.Release(1)
		c.Next()
	}
}

// RequestLogger assigns a request id and logs every request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		c.Next()

		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
