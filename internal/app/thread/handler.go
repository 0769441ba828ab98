package thread

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcore/internal/apperrors"
	"chatcore/internal/config"
)

type Handler interface {
	CreateThread(c *gin.Context)
	GetThread(c *gin.Context)
	ListThreads(c *gin.Context)
	UpdateThread(c *gin.Context)
	DeleteThread(c *gin.Context)
}

type handler struct {
	service  Service
	defaults config.Defaults
}

func NewHandler(service Service, defaults config.Defaults) Handler {
	return &handler{service: service, defaults: defaults}
}

func (h *handler) CreateThread(c *gin.Context) {
	var req CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Profile payloads carry the provider selection as an untyped blob;
	// convert at the boundary, once.
	settings, err := config.ParseProviderSettings(req.Settings, h.defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.service.CreateThread(c.Request.Context(), CreateInput{
		OwnerID:  req.OwnerID,
		Title:    req.Title,
		Provider: settings.Provider,
		Model:    settings.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *handler) GetThread(c *gin.Context) {
	t, err := h.service.GetThread(c.Request.Context(), c.Param("thread_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) ListThreads(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	threads := h.service.ListThreads(c.Request.Context(), userID)
	c.JSON(http.StatusOK, ThreadListResponse{
		Threads: threads,
		Total:   len(threads),
	})
}

func (h *handler) UpdateThread(c *gin.Context) {
	var req UpdateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	t, err := h.service.UpdateThread(c.Request.Context(), c.Param("thread_id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) DeleteThread(c *gin.Context) {
	if err := h.service.DeleteThread(c.Request.Context(), c.Param("thread_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func respondError(c *gin.Context, err error) {
	switch {
	case apperrors.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
