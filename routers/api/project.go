package api

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"
	"PromptToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建项目：初始化状态文档、写入索引表、流水线任务入队
func CreateProject(c *gin.Context) {
	var req struct {
		Prompt string `form:"Prompt" json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	projectID := "project_" + uuid.NewString()[:8]

	// 状态文档先落盘，入队前保证可查询
	store, err := service.NewStateStore(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "初始化项目状态失败: " + err.Error()})
		return
	}

	project := models.Project{
		ID:        projectID,
		Prompt:    req.Prompt,
		Status:    service.StatusInitialized,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := models.CreateProject(&project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	if err := service.EnqueueProjectRun(projectID, req.Prompt); err != nil {
		log.Printf("项目任务入队失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务入队失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"status":     service.StatusInitialized,
		"workspace":  store.Dir(),
	})
}

// 获取项目状态：索引表确认存在，状态文档出投影
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	store, err := service.NewStateStore(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取项目状态失败: " + err.Error()})
		return
	}
	state, err := store.GetState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取项目状态失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, service.ProjectStatus(state))
}

// 项目列表（分页），数据来自索引表而不是逐个读状态文档
func ListProjects(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	projects, total, err := models.ListProjects(page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询项目列表失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projects":  projects,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// 获取成片结果，未完成的项目返回 409
func GetProjectResult(c *gin.Context) {
	projectID := c.Param("project_id")

	store, err := service.NewStateStore(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取项目状态失败: " + err.Error()})
		return
	}
	state, err := store.GetState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取项目状态失败: " + err.Error()})
		return
	}

	if state.Status != service.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "项目尚未完成",
			"status": state.Status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id":   projectID,
		"final_output": state.FinalOutput,
	})
}

// 查询审计日志，可按 agent 过滤：GET /v1/api/projects/:project_id/history?agent=voice
func GetProjectHistory(c *gin.Context) {
	projectID := c.Param("project_id")

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	store, err := service.NewStateStore(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取项目状态失败: " + err.Error()})
		return
	}
	entries, err := store.GetHistory(c.Query("agent"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取审计日志失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// 删除项目：先取消执行中的流水线，再清掉索引行和工作区
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")

	if service.CancelProjectRun(projectID) {
		log.Printf("Cancelled running pipeline for project %s before delete", projectID)
	}

	if err := models.DeleteProjectByID(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}

	workspace := service.ProjectWorkspaceDir(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err := os.RemoveAll(workspace); err != nil {
		log.Printf("删除项目工作区失败（忽略）: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleteAt": time.Now(),
		"message":  "项目已删除",
	})
}
