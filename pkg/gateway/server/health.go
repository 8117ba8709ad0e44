//
//  Copyright © Maatini. All rights reserved.
//

package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleLive always reports UP: the process is serving.
func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, healthStatus{Status: "UP"})
}

// handleReady reports UP once the policy subsystem can serve decisions.
// Until then traffic would fail closed, so the pod must not receive it.
func (s *Server) handleReady(c echo.Context) error {
	if !s.decisions.Ready() {
		return c.JSON(http.StatusServiceUnavailable, healthStatus{
			Status: "DOWN",
			Checks: map[string]string{"policy": "not initialized"},
		})
	}
	return c.JSON(http.StatusOK, healthStatus{Status: "UP"})
}

// handleHealth aggregates liveness and readiness.
func (s *Server) handleHealth(c echo.Context) error {
	checks := map[string]string{"live": "UP"}
	status := http.StatusOK
	overall := "UP"

	if s.decisions.Ready() {
		checks["policy"] = "UP"
	} else {
		checks["policy"] = "DOWN"
		status = http.StatusServiceUnavailable
		overall = "DOWN"
	}

	return c.JSON(status, healthStatus{Status: overall, Checks: checks})
}
