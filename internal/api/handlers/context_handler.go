package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DanielKusyDev/posthog-session-insights/internal/services"
	"github.com/DanielKusyDev/posthog-session-insights/internal/tracing"
)

// ContextHandler serves assembled user context
type ContextHandler struct {
	contextService *services.ContextService
	tracer         tracing.Tracer
}

// NewContextHandler creates a new context handler
func NewContextHandler(contextService *services.ContextService, tracer tracing.Tracer) *ContextHandler {
	return &ContextHandler{
		contextService: contextService,
		tracer:         tracer,
	}
}

// HandleGetContext returns the user's context. Users without data get 200
// with has_data=false.
func (h *ContextHandler) HandleGetContext(c *gin.Context) {
	result, err := h.contextService.GetContext(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *ContextHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/session/context/:user_id", h.HandleGetContext)
	router.GET("/users/:user_id/context", h.HandleGetContext)
}
