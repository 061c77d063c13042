// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 3 * time.Second

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one dependency. A nil Pinger means it is not configured.
type Check struct {
	Name   string
	Pinger Pinger
}

// Live always answers 200 while the process can serve HTTP.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers 200 only when every check passes, 503 otherwise, with the
// per-dependency result in the body.
func Ready(checks ...Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, chk := range checks {
			switch {
			case chk.Pinger == nil:
				results[chk.Name] = "not configured"
				status = http.StatusServiceUnavailable
			default:
				if err := chk.Pinger.Ping(ctx); err != nil {
					results[chk.Name] = err.Error()
					status = http.StatusServiceUnavailable
					continue
				}
				results[chk.Name] = "ok"
			}
		}

		state := "ready"
		if status != http.StatusOK {
			state = "unavailable"
		}
		c.JSON(status, gin.H{"status": state, "checks": results})
	}
}
