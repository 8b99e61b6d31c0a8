package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parquedb/parquedb/compaction"
	"github.com/parquedb/parquedb/mvrefresh"
	"github.com/parquedb/parquedb/perr"
)

// RegisterCoordinatorRoutes mounts the coordinator endpoints spec.md §6
// names "at minimum": POST /update for each namespace's compaction
// coordinator, and POST /register-mv, /notify-change, /get-ready-mvs,
// /confirm-dispatch, /rollback-processing, /workflow-complete, GET
// /status for the (process-wide) MV refresh coordinator.
func (a *App) RegisterCoordinatorRoutes(e *echo.Echo) {
	cg := e.Group("/v1/compaction/:ns")
	cg.POST("/update", a.handleCompactionUpdate)
	cg.POST("/confirm-dispatch", a.handleCompactionConfirmDispatch)
	cg.POST("/rollback-processing", a.handleCompactionRollback)
	cg.POST("/workflow-complete", a.handleCompactionWorkflowComplete)
	cg.GET("/status", a.handleCompactionStatus)

	mg := e.Group("/v1/mv")
	mg.POST("/register-mv", a.handleMVRegister)
	mg.POST("/notify-change", a.handleMVNotifyChange)
	mg.POST("/get-ready-mvs", a.handleMVGetReadyMVs)
	mg.POST("/confirm-dispatch", a.handleMVConfirmDispatch)
	mg.POST("/rollback-processing", a.handleMVRollback)
	mg.POST("/workflow-complete", a.handleMVWorkflowComplete)
	mg.GET("/status", a.handleMVStatus)
}

func (a *App) compactor(c echo.Context) (*compaction.Coordinator, error) {
	ns := c.Param("ns")
	co, ok := a.compactors[ns]
	if !ok {
		return nil, perr.NotFound("api.compaction", "unknown namespace").WithTarget(ns)
	}
	return co, nil
}

type compactionUpdateRequest struct {
	Now      int64                    `json:"now"`
	Arrivals []compaction.FileArrival `json:"arrivals"`
	Window   compaction.WindowConfig  `json:"window"`
}

func (a *App) handleCompactionUpdate(c echo.Context) error {
	co, err := a.compactor(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req compactionUpdateRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.compaction.update", "invalid request body"))
	}

	ready := co.Update(req.Now, req.Arrivals, req.Window)
	for _, w := range ready {
		a.dispatchCompactionWindow(w)
	}
	return c.JSON(http.StatusOK, ready)
}

type windowKeyRequest struct {
	WindowKey  string `json:"windowKey"`
	WorkflowID string `json:"workflowId"`
	Success    bool   `json:"success"`
}

func (a *App) handleCompactionConfirmDispatch(c echo.Context) error {
	co, err := a.compactor(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req windowKeyRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.compaction.confirmDispatch", "invalid request body"))
	}
	if err := co.ConfirmDispatch(req.WindowKey, req.WorkflowID); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleCompactionRollback(c echo.Context) error {
	co, err := a.compactor(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req windowKeyRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.compaction.rollback", "invalid request body"))
	}
	if err := co.RollbackProcessing(req.WindowKey); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleCompactionWorkflowComplete(c echo.Context) error {
	co, err := a.compactor(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req windowKeyRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.compaction.workflowComplete", "invalid request body"))
	}
	if err := co.WorkflowComplete(req.WindowKey, req.WorkflowID, req.Success); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleCompactionStatus(c echo.Context) error {
	co, err := a.compactor(c)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"windows":           co.StatusSnapshot(),
		"activeWindowCount": co.ActiveWindowCount(),
	})
}

func (a *App) handleMVRegister(c echo.Context) error {
	var reg mvrefresh.MVRegistration
	if err := c.Bind(&reg); err != nil {
		return writeErr(c, perr.Validation("api.mv.register", "invalid request body"))
	}
	a.mv.RegisterMV(reg)
	return c.NoContent(http.StatusNoContent)
}

type notifyChangeRequest struct {
	NS        string   `json:"ns"`
	Files     []string `json:"files"`
	Timestamp int64    `json:"timestamp"`
	Now       int64    `json:"now"`
}

func (a *App) handleMVNotifyChange(c echo.Context) error {
	var req notifyChangeRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.mv.notifyChange", "invalid request body"))
	}
	a.mv.NotifyChange(req.NS, req.Files, req.Timestamp, req.Now)
	return c.NoContent(http.StatusNoContent)
}

type getReadyMVsRequest struct {
	Now        int64 `json:"now"`
	DebounceMs int64 `json:"debounceMs"`
	MaxWaitMs  int64 `json:"maxWaitMs"`
}

func (a *App) handleMVGetReadyMVs(c echo.Context) error {
	req := getReadyMVsRequest{DebounceMs: a.cfg.MVDebounceMs, MaxWaitMs: a.cfg.MVMaxWaitMs}
	_ = c.Bind(&req)

	ready := a.mv.GetReadyMVs(req.Now, req.DebounceMs, req.MaxWaitMs)
	for _, mv := range ready {
		a.ops.StartOperation(mv.Name, "mv-refresh", map[string]interface{}{
			"fileCount": len(mv.ChangedFiles),
		})

		id, err := a.runner.Dispatch(c.Request().Context(), dispatchJobForMV(mv))
		if err != nil {
			a.log.WithError(err).WithField("mv", mv.Name).Error("failed to dispatch mv refresh")
			a.ops.CompleteOperation(mv.Name, err)
			if rbErr := a.mv.RollbackProcessing(mv.Name); rbErr != nil {
				a.log.WithError(rbErr).Warn("failed to roll back mv after dispatch failure")
			}
			continue
		}
		a.ops.UpdateMetadata(mv.Name, "workflowId", id)
		if err := a.mv.ConfirmDispatch(mv.Name, id); err != nil {
			a.log.WithError(err).WithField("mv", mv.Name).Error("failed to confirm mv dispatch")
		}
	}
	return c.JSON(http.StatusOK, ready)
}

type mvNameRequest struct {
	Name       string `json:"name"`
	WorkflowID string `json:"workflowId"`
	Success    bool   `json:"success"`
}

func (a *App) handleMVConfirmDispatch(c echo.Context) error {
	var req mvNameRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.mv.confirmDispatch", "invalid request body"))
	}
	if err := a.mv.ConfirmDispatch(req.Name, req.WorkflowID); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleMVRollback(c echo.Context) error {
	var req mvNameRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.mv.rollback", "invalid request body"))
	}
	if err := a.mv.RollbackProcessing(req.Name); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleMVWorkflowComplete(c echo.Context) error {
	var req mvNameRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.mv.workflowComplete", "invalid request body"))
	}
	if _, err := a.mv.WorkflowComplete(req.Name, req.WorkflowID, req.Success); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleMVStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"pendingCount":    a.mv.PendingCount(),
		"dispatchedCount": a.mv.DispatchedCount(),
		"engineStats":     a.mvEngine.Stats(),
	})
}
