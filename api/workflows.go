package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterWorkflowRoutes mounts the in-flight job introspection surface
// backed by workflow.Runner's coordinator.PhaseManager: what's currently
// dispatched but not yet terminal, and a best-effort cancel request.
func (a *App) RegisterWorkflowRoutes(g *echo.Group) {
	g.GET("/in-flight", a.handleInFlight)
	g.POST("/:id/cancel", a.handleCancelJob)
}

func (a *App) handleInFlight(c echo.Context) error {
	return c.JSON(http.StatusOK, a.runner.InFlight())
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *App) handleCancelJob(c echo.Context) error {
	id := c.Param("id")
	var req cancelRequest
	_ = c.Bind(&req)

	if err := a.runner.RequestCancel(id, req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
