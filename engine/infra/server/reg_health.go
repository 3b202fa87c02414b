package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/crmkit/knowledge/engine/infra/server/router"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	healthTimeout   = 2 * time.Second
)

// ComponentStatus is the health result for one backing service.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Ready      bool                       `json:"ready"`
	Components map[string]ComponentStatus `json:"components"`
}

// CreateHealthHandler runs every check in parallel and reports 503 when
// any of them fails.
//
//	@Summary      Get server health
//	@Tags         health
//	@Produce      json
//	@Success      200 {object} router.Response{data=HealthResponse}
//	@Failure      503 {object} router.Response{data=HealthResponse}
//	@Router       /healthz [get]
func CreateHealthHandler(checks []HealthCheck, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		results := make([]ComponentStatus, len(checks))
		var g errgroup.Group
		for i, check := range checks {
			g.Go(func() error {
				results[i] = ComponentStatus{Status: statusHealthy}
				if err := check.Check(ctx); err != nil {
					logger.FromContext(ctx).Warn("Health check failed", "component", check.Name, "error", err)
					results[i] = ComponentStatus{Status: statusUnhealthy, Error: err.Error()}
				}
				return nil
			})
		}
		_ = g.Wait()
		response := HealthResponse{
			Status:     statusHealthy,
			Version:    version,
			Ready:      true,
			Components: make(map[string]ComponentStatus, len(checks)),
		}
		for i, check := range checks {
			response.Components[check.Name] = results[i]
			if results[i].Status != statusHealthy {
				response.Status = statusUnhealthy
				response.Ready = false
			}
		}
		if !response.Ready {
			c.JSON(http.StatusServiceUnavailable, router.Response{
				Status:  http.StatusServiceUnavailable,
				Message: "service not ready",
				Data:    response,
			})
			return
		}
		router.RespondOK(c, "Success", response)
	}
}
