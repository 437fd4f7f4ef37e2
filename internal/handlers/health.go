package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency for the health endpoint.
type Check func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]Check
}

func NewHealthHandler(service string, checks map[string]Check) *HealthHandler {
	return &HealthHandler{service: service, checks: checks}
}

// HealthCheck returns server status
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	statuses := make(map[string]string, len(h.checks))
	code := http.StatusOK
	status := "healthy"
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			statuses[name] = "unhealthy: " + err.Error()
			code = http.StatusServiceUnavailable
			status = "unhealthy"
			continue
		}
		statuses[name] = "healthy"
	}

	body := gin.H{"status": status, "service": h.service}
	if len(statuses) > 0 {
		body["dependencies"] = statuses
	}
	c.JSON(code, body)
}
