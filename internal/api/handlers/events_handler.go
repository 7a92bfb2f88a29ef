package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/DanielKusyDev/posthog-session-insights/internal/models"
	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// EventsHandler exposes the processing queue to operators
type EventsHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(eventService *services.EventService, tracer tracing.Tracer) *EventsHandler {
	return &EventsHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// HandleStats returns event counts per status
func (h *EventsHandler) HandleStats(c *gin.Context) {
	counts, err := h.eventService.Stats(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// HandleList returns events in the requested status, DEAD_LETTER by default
func (h *EventsHandler) HandleList(c *gin.Context) {
	status := c.DefaultQuery("status", string(models.StatusDeadLetter))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(c, NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	events, err := h.eventService.List(c.Request.Context(), status, limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleGet returns the processing state of one event
func (h *EventsHandler) HandleGet(c *gin.Context) {
	view, err := h.eventService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleReplay returns a terminal event to the queue
func (h *EventsHandler) HandleReplay(c *gin.Context) {
	event, err := h.eventService.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, event)
}

// RegisterRoutes registers the handler's routes
func (h *EventsHandler) RegisterRoutes(router gin.IRouter) {
	events := router.Group("/events")
	events.GET("", h.HandleList)
	events.GET("/stats", h.HandleStats)
	events.GET("/:id", h.HandleGet)
	events.POST("/:id/replay", h.HandleReplay)
}
