package api

import "github.com/labstack/echo/v4"

// Routes mounts every handler this App owns: the per-namespace shard RPC
// surface, the compaction/MV refresh coordinator endpoints, a read-only
// operations feed over every job this App has dispatched, and the
// workflow runner's in-flight job introspection/cancel surface.
func (a *App) Routes(e *echo.Echo) {
	a.RegisterShardRoutes(e)
	a.RegisterCoordinatorRoutes(e)
	a.ops.RegisterRoutes(e.Group("/v1/ops"))
	a.RegisterWorkflowRoutes(e.Group("/v1/workflows"))
}
