package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parquedb/parquedb/embedded"
	"github.com/parquedb/parquedb/eventlog"
	"github.com/parquedb/parquedb/perr"
	"github.com/parquedb/parquedb/shard"
)

// RegisterShardRoutes mounts the internal RPC surface spec.md §6 names for
// every shard: create, createMany, get, update, delete, link, unlink,
// getRelationships, plus the WAL/pending/transaction lifecycle helpers
// enumerated in spec.md §4.1. Each is scoped by the :ns path segment to the
// shard.Engine App opened for that namespace.
func (a *App) RegisterShardRoutes(e *echo.Echo) {
	g := e.Group("/v1/namespaces/:ns")
	g.POST("", a.handleCreate)
	g.POST("/bulk", a.handleCreateMany)
	g.GET("/:id", a.handleGet)
	g.PATCH("/:id", a.handleUpdate)
	g.DELETE("/:id", a.handleDelete)
	g.POST("/:id/link", a.handleLink)
	g.POST("/:id/unlink", a.handleUnlink)
	g.GET("/:id/relationships", a.handleGetRelationships)

	g.POST("/events", a.handleAppendEvent)

	g.POST("/wal/flush", a.handleFlushNsEventBatch)
	g.POST("/wal/flush-all", a.handleFlushAllNsEventBatches)
	g.DELETE("/wal", a.handleDeleteWalBatches)

	g.GET("/pending", a.handleGetPendingRowGroups)
	g.POST("/pending/flush", a.handleFlushPendingToCommitted)
	g.DELETE("/pending", a.handleDeletePendingRowGroups)

	g.POST("/transaction", a.handleBeginTransaction)
	g.POST("/transaction/commit", a.handleCommitTransaction)
	g.POST("/transaction/rollback", a.handleRollbackTransaction)
}

func (a *App) namespace(c echo.Context) (*shard.Namespace, error) {
	engine, err := a.engine(c)
	if err != nil {
		return nil, err
	}
	return engine.NS(c.Param("ns")), nil
}

func (a *App) engine(c echo.Context) (*shard.Engine, error) {
	ns := c.Param("ns")
	engine, ok := a.shards[ns]
	if !ok {
		return nil, perr.NotFound("api.namespace", "unknown namespace").WithTarget(ns)
	}
	return engine, nil
}

type createRequest struct {
	Body  map[string]interface{} `json:"body"`
	Actor string                 `json:"actor"`
}

func (a *App) handleCreate(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.create", "invalid request body"))
	}

	entity, err := ns.Create(c.Request().Context(), eventlog.FromJSONMap(req.Body).Object, shard.CreateOptions{Actor: req.Actor})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, entity)
}

type createManyRequest struct {
	Bodies []map[string]interface{} `json:"bodies"`
	Actor  string                   `json:"actor"`
}

func (a *App) handleCreateMany(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req createManyRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.createMany", "invalid request body"))
	}

	bodies := make([]map[string]eventlog.Value, len(req.Bodies))
	for i, b := range req.Bodies {
		bodies[i] = eventlog.FromJSONMap(b).Object
	}

	entities, err := ns.CreateMany(c.Request().Context(), bodies, shard.CreateOptions{Actor: req.Actor})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, entities)
}

func (a *App) handleGet(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	entity, err := ns.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	if entity == nil {
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, entity)
}

type updateRequest struct {
	Set             map[string]interface{} `json:"$set"`
	Inc             map[string]float64     `json:"$inc"`
	Push            map[string]interface{} `json:"$push"`
	Actor           string                  `json:"actor"`
	ExpectedVersion int64                   `json:"expectedVersion"`
}

func (req updateRequest) toMutation() *shard.Mutation {
	m := shard.NewMutation()
	for field, v := range req.Set {
		m.Set(field, eventlog.FromJSONMap(map[string]interface{}{"v": v}).Object["v"])
	}
	for field, delta := range req.Inc {
		m.Inc(field, delta)
	}
	for field, v := range req.Push {
		m.Push(field, eventlog.FromJSONMap(map[string]interface{}{"v": v}).Object["v"])
	}
	return m
}

func (a *App) handleUpdate(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.update", "invalid request body"))
	}

	entity, err := ns.Update(c.Request().Context(), c.Param("id"), req.toMutation(), shard.UpdateOptions{
		Actor:           req.Actor,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, entity)
}

type deleteRequest struct {
	Actor           string `json:"actor"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (a *App) handleDelete(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req deleteRequest
	_ = c.Bind(&req)

	if err := ns.Delete(c.Request().Context(), c.Param("id"), shard.UpdateOptions{
		Actor:           req.Actor,
		ExpectedVersion: req.ExpectedVersion,
	}); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type linkRequest struct {
	Predicate  string                 `json:"predicate"`
	ToNS       string                 `json:"toNs"`
	ToID       string                 `json:"toId"`
	Actor      string                 `json:"actor"`
	MatchMode  string                 `json:"matchMode"`
	Similarity float64                `json:"similarity"`
	Data       map[string]interface{} `json:"data"`
}

func (a *App) handleLink(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.link", "invalid request body"))
	}

	err = ns.Link(c.Request().Context(), c.Param("id"), req.Predicate, req.ToNS, req.ToID, shard.LinkOptions{
		Actor: req.Actor, MatchMode: req.MatchMode, Similarity: req.Similarity, Data: req.Data,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleUnlink(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req linkRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.unlink", "invalid request body"))
	}

	err = ns.Unlink(c.Request().Context(), c.Param("id"), req.Predicate, req.ToNS, req.ToID, shard.LinkOptions{
		Actor: req.Actor, MatchMode: req.MatchMode, Similarity: req.Similarity, Data: req.Data,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleGetRelationships(c echo.Context) error {
	ns, err := a.namespace(c)
	if err != nil {
		return writeErr(c, err)
	}

	predicate := c.QueryParam("predicate")
	direction := embedded.Direction(c.QueryParam("direction"))
	if direction == "" {
		direction = embedded.DirectionAny
	}
	includeDeleted := c.QueryParam("includeDeleted") == "true"

	rels, err := ns.GetRelationships(c.Request().Context(), c.Param("id"), predicate, direction, includeDeleted)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, rels)
}

// rawEventRequest carries the fields needed to build a CREATE or DELETE
// event directly, the thin HTTP face of Engine.AppendEventWithSeq. UPDATE is
// intentionally excluded here: it must go through handleUpdate so
// eventlog.ValidateUpdate runs against the current projection before the
// event is appended, which this raw low-level entry point has no projection
// to validate against.
type rawEventRequest struct {
	Op            string                 `json:"op"` // "CREATE" or "DELETE"
	TargetShortID string                 `json:"targetShortId"`
	Body          map[string]interface{} `json:"body,omitempty"`
	Actor         string                 `json:"actor"`
}

func (a *App) handleAppendEvent(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req rawEventRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, perr.Validation("api.appendEvent", "invalid request body"))
	}

	var build func(seq int64, eventID string) eventlog.Event
	switch eventlog.Op(req.Op) {
	case eventlog.OpCreate:
		body := eventlog.FromJSONMap(req.Body).Object
		build = func(seq int64, eventID string) eventlog.Event {
			return eventlog.NewCreateEvent(eventID, seq, "", body, req.Actor)
		}
	case eventlog.OpDelete:
		build = func(seq int64, eventID string) eventlog.Event {
			return eventlog.NewDeleteEvent(eventID, seq, "", req.Actor)
		}
	default:
		return writeErr(c, perr.Validation("api.appendEvent", "op must be CREATE or DELETE"))
	}

	ev, err := engine.AppendEventWithSeq(c.Param("ns"), req.TargetShortID, build)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"id": ev.ID, "seq": ev.Seq})
}

func (a *App) handleFlushNsEventBatch(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.FlushNsEventBatch(c.Param("ns")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleFlushAllNsEventBatches(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.FlushAllNsEventBatches(); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleDeleteWalBatches(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	upToSeq, err := parseUpToSeq(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.DeleteWalBatches(c.Param("ns"), upToSeq); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleGetPendingRowGroups(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	groups, err := engine.GetPendingRowGroups(c.Param("ns"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (a *App) handleFlushPendingToCommitted(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	promoted, err := engine.FlushPendingToCommitted(c.Param("ns"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"promoted": promoted})
}

func (a *App) handleDeletePendingRowGroups(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	upToSeq, err := parseUpToSeq(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.DeletePendingRowGroups(c.Param("ns"), upToSeq); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleBeginTransaction(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.BeginTransaction(); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleCommitTransaction(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.Commit(); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleRollbackTransaction(c echo.Context) error {
	engine, err := a.engine(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := engine.Rollback(c.Request().Context()); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseUpToSeq(c echo.Context) (int64, error) {
	raw := c.QueryParam("upToSeq")
	upToSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, perr.Validation("api.upToSeq", "upToSeq query parameter must be an integer")
	}
	return upToSeq, nil
}

// writeErr maps a perr.Error's Kind to the status-code taxonomy of
// spec.md §7, falling back to 500 for anything not classified.
func writeErr(c echo.Context, err error) error {
	kind := perr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case perr.KindValidation:
		status = http.StatusBadRequest
	case perr.KindNotFound:
		status = http.StatusNotFound
	case perr.KindVersionMismatch, perr.KindConflict:
		status = http.StatusConflict
	case perr.KindTimeout:
		status = http.StatusGatewayTimeout
	case perr.KindStorage, perr.KindInternal:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
