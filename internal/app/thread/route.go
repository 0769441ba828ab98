package thread

import "github.com/gin-gonic/gin"

func RegisterRoutes(rg *gin.RouterGroup, handler Handler) {
	threads := rg.Group("/threads")
	{
		threads.POST("", handler.CreateThread)
		threads.GET("", handler.ListThreads)
		threads.GET("/:thread_id", handler.GetThread)
		threads.PATCH("/:thread_id", handler.UpdateThread)
		threads.DELETE("/:thread_id", handler.DeleteThread)
	}
}
