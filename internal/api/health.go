package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status      string            `json:"status" example:"ok"`
	NodeID      string            `json:"node_id"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthCheckHandler reports process health
// @Summary Health check
// @Description Reports "degraded" with 200 when a dependency such as the backplane is down, since local delivery keeps working
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /api/health [get]
func (r *Router) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:      "ok",
		NodeID:      r.deps.Distributor.NodeID(),
		Connections: r.deps.Distributor.Registry().Len(),
	}

	names := make([]string, 0, len(r.deps.Checks))
	for name := range r.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		response.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := r.deps.Checks[name](ctx); err != nil {
			response.Checks[name] = err.Error()
			response.Status = "degraded"
			continue
		}
		response.Checks[name] = "ok"
	}

	c.JSON(http.StatusOK, response)
}
