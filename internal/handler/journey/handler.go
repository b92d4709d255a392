package journey

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/service/journey"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
	"github.com/pawpal/comms-api/pkg/httputil"
)

type Handler struct {
	service *journey.Service
}

func NewHandler(service *journey.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	journeys := rg.Group("/journeys")
	{
		journeys.POST("", h.CreateJourney)
		journeys.GET("", h.ListJourneys)
		journeys.GET("/:id", h.GetJourney)
		journeys.PUT("/:id/active", h.SetActive)
		journeys.POST("/:id/enrollments", h.Enroll)
		journeys.DELETE("/:id/enrollments/:userID", h.Exit)
	}
}

func (h *Handler) CreateJourney(c *gin.Context) {
	var j model.Journey
	if err := c.ShouldBindJSON(&j); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	if err := h.service.Create(c.Request.Context(), &j); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusCreated, j)
}

func (h *Handler) ListJourneys(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	journeys, err := h.service.List(c.Request.Context(), activeOnly)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, journeys)
}

func (h *Handler) GetJourney(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid journey ID", err))
		return
	}

	j, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, j)
}

func (h *Handler) SetActive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid journey ID", err))
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	if err := h.service.SetActive(c.Request.Context(), id, req.Active); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, gin.H{"active": req.Active})
}

func (h *Handler) Enroll(c *gin.Context) {
	journeyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid journey ID", err))
		return
	}

	var req model.EnrollInJourneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	req.JourneyID = journeyID

	resp, err := h.service.Enroll(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Status == model.EnrollStatusAlreadyEnrolled {
		status = http.StatusOK
	}
	httputil.RespondWithSuccess(c, status, resp)
}

func (h *Handler) Exit(c *gin.Context) {
	journeyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid journey ID", err))
		return
	}
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid user ID", err))
		return
	}

	if err := h.service.Exit(c.Request.Context(), journeyID, userID, "manual"); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, http.StatusOK, gin.H{"status": "exited"})
}
