package branch

import "github.com/gin-gonic/gin"

func RegisterRoutes(rg *gin.RouterGroup, handler Handler) {
	rg.POST("/threads/:thread_id/fork", handler.ForkThread)
	rg.GET("/threads/:thread_id/messages/:id/forks", handler.ListForks)
}
