package api

import (
	"net/http"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 项目进度 WebSocket 推送。以状态文档为来源：先推一次当前状态，
// 然后每秒轮询并在进度/阶段变化时推送，项目终态后推最终状态并关闭。
func ProjectProgressWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	store, err := service.NewStateStore(config.AppConfig.Pipeline.WorkspaceDir, projectID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "project not found: " + err.Error()})
		return
	}

	state, err := store.GetState()
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "read state failed: " + err.Error()})
		return
	}
	proj := service.ProjectStatus(state)
	_ = conn.WriteJSON(proj)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := proj.Status
	prevPhase := proj.CurrentPhase
	prevProgress := proj.Progress

	for range ticker.C {
		state, err := store.GetState()
		if err != nil {
			continue
		}
		cur := service.ProjectStatus(state)

		if cur.Status != prevStatus || cur.CurrentPhase != prevPhase || cur.Progress != prevProgress {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevStatus = cur.Status
			prevPhase = cur.CurrentPhase
			prevProgress = cur.Progress
		}

		if cur.Status == service.StatusCompleted || cur.Status == service.StatusFailed || cur.Status == service.StatusCancelled {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
