package branch

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcore/internal/apperrors"
)

type ForkRequest struct {
	AtMessageID string `json:"at_message_id" binding:"required"`
	OwnerID     string `json:"owner_id" binding:"required"`
	Title       string `json:"title"`
}

type Handler interface {
	ForkThread(c *gin.Context)
	ListForks(c *gin.Context)
}

type handler struct {
	service Service
}

func NewHandler(service Service) Handler {
	return &handler{service: service}
}

func (h *handler) ForkThread(c *gin.Context) {
	sourceThreadID := c.Param("thread_id")

	var req ForkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	forked, err := h.service.Fork(c.Request.Context(), sourceThreadID, req.AtMessageID, req.Title, req.OwnerID)
	if err != nil {
		switch {
		case apperrors.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case apperrors.IsNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, forked)
}

func (h *handler) ListForks(c *gin.Context) {
	threadID := c.Param("thread_id")
	messageID := c.Param("id")

	forks, err := h.service.ForksFrom(c.Request.Context(), threadID, messageID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"forks": forks})
}
