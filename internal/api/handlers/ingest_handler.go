package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// IngestHandler accepts PostHog webhook deliveries
type IngestHandler struct {
	ingestService *services.IngestService
	tracer        tracing.Tracer
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingestService *services.IngestService, tracer tracing.Tracer) *IngestHandler {
	return &IngestHandler{
		ingestService: ingestService,
		tracer:        tracer,
	}
}

// IngestResponse acknowledges a stored event
type IngestResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// HandleIngest stores the delivered event for asynchronous enrichment
func (h *IngestHandler) HandleIngest(c *gin.Context) {
	var payload services.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn().Err(err).Msg("Invalid ingest body")
		WriteError(c, NewValidationError(err.Error()))
		return
	}

	event, created, err := h.ingestService.Ingest(c.Request.Context(), payload)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, IngestResponse{
		EventID:   event.ID.String(),
		Duplicate: !created,
	})
}

// RegisterRoutes registers the handler's routes
func (h *IngestHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/ingest", h.HandleIngest)
}
