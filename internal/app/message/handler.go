package message

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcore/internal/apperrors"
)

type Handler interface {
	AppendMessage(c *gin.Context)
	GetMessagesByThreadID(c *gin.Context)
	GetMessageByID(c *gin.Context)
	EditMessage(c *gin.Context)
	DeleteFromMessage(c *gin.Context)
}

type handler struct {
	service Service
}

func NewHandler(service Service) Handler {
	return &handler{service: service}
}

func (h *handler) AppendMessage(c *gin.Context) {
	threadID := c.Param("thread_id")

	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := h.service.Append(c.Request.Context(), threadID, AppendInput{
		Sender:      req.Sender,
		Content:     req.Content,
		ContentType: ContentType(req.ContentType),
		MediaURL:    req.MediaURL,
		ParentID:    req.ParentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

func (h *handler) GetMessagesByThreadID(c *gin.Context) {
	threadID := c.Param("thread_id")

	msgs, err := h.service.ListByThread(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageListResponse{
		Messages: msgs,
		Total:    len(msgs),
	})
}

func (h *handler) GetMessageByID(c *gin.Context) {
	msg, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *handler) EditMessage(c *gin.Context) {
	threadID := c.Param("thread_id")
	messageID := c.Param("id")

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := h.service.EditWithCascade(c.Request.Context(), threadID, messageID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *handler) DeleteFromMessage(c *gin.Context) {
	threadID := c.Param("thread_id")
	messageID := c.Param("id")

	count, err := h.service.DeleteFrom(c.Request.Context(), threadID, messageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

func respondError(c *gin.Context, err error) {
	switch {
	case apperrors.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperrors.IsConcurrentMutation(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
