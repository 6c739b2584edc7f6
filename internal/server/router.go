package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/event"
	"github.com/driftline/driftline/internal/history"
	"github.com/driftline/driftline/internal/projector"
	"github.com/driftline/driftline/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingEventService      = errors.New("event service dependency required")
	errMissingProjectionService = errors.New("projection service dependency required")
	errMissingHistoryService    = errors.New("history service dependency required")
	errMissingCoordinator       = errors.New("sync coordinator dependency required")
	errMissingStateStore        = errors.New("state store dependency required")
	errMissingDispatcher        = errors.New("change dispatcher dependency required")
	errMissingActor             = errors.New("local actor required")
)

// Dependencies wires the core services into the local API.
type Dependencies struct {
	Events      *event.Service
	Projections *projector.Service
	History     *history.Service
	Coordinator *syncer.Coordinator
	State       *syncer.StateStore
	Dispatcher  *ChangeDispatcher
	// Actor is stamped on every locally appended event. The device id is
	// resolved once at startup.
	Actor  event.Actor
	Logger *zap.Logger
}

// NewHTTPHandler builds the local API consumed by the presentation layer.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Events == nil {
		return nil, errMissingEventService
	}
	if deps.Projections == nil {
		return nil, errMissingProjectionService
	}
	if deps.History == nil {
		return nil, errMissingHistoryService
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.State == nil {
		return nil, errMissingStateStore
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if err := deps.Actor.Validate(); err != nil {
		return nil, errors.Join(errMissingActor, err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		events:      deps.Events,
		projections: deps.Projections,
		history:     deps.History,
		coordinator: deps.Coordinator,
		state:       deps.State,
		dispatcher:  deps.Dispatcher,
		actor:       deps.Actor,
		logger:      logger,
	}

	router.POST("/v1/events", handler.handleAppendEvents)
	router.GET("/v1/entities", handler.handleListEntities)
	router.GET("/v1/entities/:id", handler.handleGetEntity)
	router.GET("/v1/entities/:id/history", handler.handleHistory)
	router.POST("/v1/entities/:id/revert", handler.handleRevert)
	router.GET("/v1/sync/status", handler.handleSyncStatus)
	router.GET("/v1/changes", handler.handleChangeFeed)

	return router, nil
}

type httpHandler struct {
	events      *event.Service
	projections *projector.Service
	history     *history.Service
	coordinator *syncer.Coordinator
	state       *syncer.StateStore
	dispatcher  *ChangeDispatcher
	actor       event.Actor
	logger      *zap.Logger
}

type appendEventPayload struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

type appendRequestPayload struct {
	Events []appendEventPayload `json:"events"`
}

type eventResponsePayload struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	EntityID       string          `json:"entity_id"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version"`
	OccurredAtMs   int64           `json:"occurred_at_ms"`
	IsSynced       bool            `json:"is_synced"`
}

// handleAppendEvents writes one user action's events under a single flush,
// folds them into local read state, and triggers an immediate push.
func (h *httpHandler) handleAppendEvents(c *gin.Context) {
	var request appendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	requests := make([]event.AppendRequest, 0, len(request.Events))
	for _, item := range request.Events {
		eventType, err := event.ParseType(item.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_type"})
			return
		}
		entityID, err := event.NewEntityID(item.EntityID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
			return
		}
		requests = append(requests, event.AppendRequest{
			EventType: eventType,
			EntityID:  entityID,
			Payload:   json.RawMessage(item.Payload),
			Actor:     h.actor,
		})
	}

	appended, err := h.events.AppendAll(c.Request.Context(), requests)
	if err != nil {
		h.logger.Error("failed to append events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append_failed"})
		return
	}

	if _, err := h.projections.Project(c.Request.Context(), appended); err != nil {
		h.logger.Error("failed to project appended events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "project_failed"})
		return
	}

	h.coordinator.TriggerPush()

	response := make([]eventResponsePayload, 0, len(appended))
	for _, evt := range appended {
		response = append(response, toEventResponse(evt))
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

type entityResponsePayload struct {
	EntityID    string          `json:"entity_id"`
	State       json.RawMessage `json:"state"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
	IsDeleted   bool            `json:"is_deleted"`
	Revision    int64           `json:"revision"`
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	includeDeleted := c.Query("include_deleted") == "true"
	entities, err := h.projections.ListEntities(c.Request.Context(), includeDeleted)
	if err != nil {
		h.logger.Error("failed to list entities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]entityResponsePayload, 0, len(entities))
	for _, entity := range entities {
		response = append(response, toEntityResponse(entity))
	}
	c.JSON(http.StatusOK, gin.H{"entities": response})
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	entity, err := h.projections.GetEntity(c.Request.Context(), c.Param("id"))
	if errors.Is(err, projector.ErrEntityNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, toEntityResponse(entity))
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	entityID, err := event.NewEntityID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return
	}
	newestFirst := c.DefaultQuery("order", "asc") == "desc"

	events, err := h.history.History(c.Request.Context(), entityID, newestFirst)
	if err != nil {
		h.logger.Error("failed to load history", zap.Error(err), zap.String("entity_id", entityID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	response := make([]eventResponsePayload, 0, len(events))
	for _, evt := range events {
		response = append(response, toEventResponse(evt))
	}
	c.JSON(http.StatusOK, gin.H{"events": response})
}

type revertRequestPayload struct {
	EventID string `json:"event_id"`
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	entityID, err := event.NewEntityID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return
	}
	var request revertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reverted, err := h.history.RevertTo(c.Request.Context(), entityID, request.EventID, h.actor)
	switch {
	case errors.Is(err, event.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
		return
	case errors.Is(err, history.ErrRevertToHead),
		errors.Is(err, history.ErrInvalidRevertTarget),
		errors.Is(err, history.ErrEntityMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("failed to revert entity", zap.Error(err), zap.String("entity_id", entityID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revert_failed"})
		return
	}

	if _, err := h.projections.Project(c.Request.Context(), []event.Event{reverted}); err != nil {
		h.logger.Error("failed to project revert event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "project_failed"})
		return
	}

	h.coordinator.TriggerPush()
	c.JSON(http.StatusOK, toEventResponse(reverted))
}

type syncStatusPayload struct {
	ConnectionState string `json:"connection_state"`
	PendingEvents   int64  `json:"pending_events"`
	Checkpoint      string `json:"checkpoint"`
	StaleDiscards   int64  `json:"stale_discards"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	pending, err := h.events.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count pending events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	checkpoint, err := h.state.Checkpoint(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load checkpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	c.JSON(http.StatusOK, syncStatusPayload{
		ConnectionState: h.coordinator.ConnectionState().String(),
		PendingEvents:   pending,
		Checkpoint:      checkpoint,
		StaleDiscards:   h.projections.StaleDiscards(),
	})
}

type changeFeedPayload struct {
	EntityIDs []string `json:"entity_ids"`
	Timestamp int64    `json:"timestamp_ms"`
}

// handleChangeFeed streams projection changes as server-sent events.
func (h *httpHandler) handleChangeFeed(c *gin.Context) {
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent("entity-change", changeFeedPayload{
				EntityIDs: message.EntityIDs,
				Timestamp: message.Timestamp.UnixMilli(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func toEventResponse(evt event.Event) eventResponsePayload {
	return eventResponsePayload{
		EventID:        evt.EventID,
		Type:           string(evt.EventType),
		EntityID:       evt.EntityID,
		Payload:        json.RawMessage(evt.PayloadJSON),
		PayloadVersion: evt.PayloadVersion,
		OccurredAtMs:   evt.OccurredAtMs,
		IsSynced:       evt.IsSynced,
	}
}

func toEntityResponse(entity projector.Entity) entityResponsePayload {
	return entityResponsePayload{
		EntityID:    entity.EntityID,
		State:       json.RawMessage(entity.StateJSON),
		UpdatedAtMs: entity.UpdatedAtMs,
		IsDeleted:   entity.IsDeleted,
		Revision:    entity.Revision,
	}
}
