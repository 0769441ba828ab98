package message

import "github.com/gin-gonic/gin"

func RegisterRoutes(rg *gin.RouterGroup, handler Handler) {
	messages := rg.Group("/threads/:thread_id/messages")
	{
		messages.POST("", handler.AppendMessage)
		messages.GET("", handler.GetMessagesByThreadID)
		messages.PATCH("/:id", handler.EditMessage)
		messages.DELETE("/:id", handler.DeleteFromMessage)
	}
	rg.GET("/messages/:id", handler.GetMessageByID)
}
