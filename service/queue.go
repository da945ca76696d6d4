package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PromptToVideo-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeProjectRun = "project:run"
)

type ProjectPayload struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueProjectRun 项目生成任务入队。整条流水线作为一个任务执行，
// MaxRetry(0)：阶段级重试在能力客户端里做，流水线级重跑由用户显式触发。
func EnqueueProjectRun(projectID, prompt string) error {
	payload, err := json.Marshal(ProjectPayload{ProjectID: projectID, Prompt: prompt})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeProjectRun, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(60*time.Minute), // 视频生成很慢，整条流水线给足超时
		asynq.Retention(24*time.Hour),
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[queue] 项目任务已入队: ProjectID=%s, QueueID=%s", projectID, info.ID)
	return nil
}
