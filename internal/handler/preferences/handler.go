package preferences

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/service/preferences"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
	"github.com/pawpal/comms-api/pkg/httputil"
)

type Handler struct {
	service *preferences.Service
}

func NewHandler(service *preferences.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	users := rg.Group("/users/:id/preferences")
	{
		users.GET("", h.GetPreferences)
		users.PUT("", h.UpdatePreferences)
	}
}

func (h *Handler) GetPreferences(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid user ID", err))
		return
	}

	prefs, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, prefs)
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid user ID", err))
		return
	}

	var req model.UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	prefs, err := h.service.Update(c.Request.Context(), userID, &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, prefs)
}
