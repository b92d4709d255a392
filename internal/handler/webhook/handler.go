package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pawpal/comms-api/internal/middleware"
	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/service/event"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
	"github.com/pawpal/comms-api/pkg/httputil"
)

// Handler receives provider delivery callbacks and feeds them into the
// event pipeline as engagement events.
type Handler struct {
	events *event.Service
	auth   *middleware.WebhookAuth
}

func NewHandler(events *event.Service, auth *middleware.WebhookAuth) *Handler {
	return &Handler{events: events, auth: auth}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/providers/:provider", h.auth.Authenticate(), h.ProviderCallback)
}

func (h *Handler) ProviderCallback(c *gin.Context) {
	var callback model.ProviderCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid callback body", err))
		return
	}

	provider := c.Param("provider")
	if err := h.events.RecordCallback(c.Request.Context(), &callback, provider); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, gin.H{"status": "recorded"})
}
