package routers

import (
	"PromptToVideo-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Static("/static", "./static")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.GET("/projects/:project_id/result", api.GetProjectResult)
		v1.GET("/projects/:project_id/history", api.GetProjectHistory)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
	}
	r.GET("/projects/:project_id/wss", api.ProjectProgressWebSocket)
	return r
}
