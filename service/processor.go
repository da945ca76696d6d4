package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// 运行中项目的取消注册表（projectID -> cancelFunc）
var runCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterRunCancel 注册执行中流水线的 cancelFunc（由 HandleProjectRun 在启动时调用）
func RegisterRunCancel(projectID string, cancel context.CancelFunc) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	runCancelRegistry.m[projectID] = cancel
}

// UnregisterRunCancel 注销 cancelFunc（流水线结束时调用）
func UnregisterRunCancel(projectID string) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	delete(runCancelRegistry.m, projectID)
}

// CancelProjectRun 外部调用以取消执行中的项目，返回是否实际找到并取消
func CancelProjectRun(projectID string) bool {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	if cancel, ok := runCancelRegistry.m[projectID]; ok {
		cancel()
		delete(runCancelRegistry.m, projectID)
		return true
	}
	return false
}

// Processor 消费队列里的项目生成任务，每个任务跑一条完整流水线
type Processor struct {
	DB  *gorm.DB
	Cfg config.Pipeline
}

func NewProcessor(db *gorm.DB) *Processor {
	return &Processor{
		DB:  db,
		Cfg: config.AppConfig.Pipeline,
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProjectRun, p.HandleProjectRun)

	log.Printf("Starting Project Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// HandleProjectRun 核心处理逻辑：组装流水线并执行。
// 业务失败（脚本/配音/成片等阶段失败）已经落在状态文档里，返回 nil
// 避免 asynq 重试；只有 payload 损坏这类任务本身的问题才 SkipRetry。
func (p *Processor) HandleProjectRun(ctx context.Context, t *asynq.Task) error {
	var payload ProjectPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("Processing Project: %s", payload.ProjectID)

	store, err := NewStateStore(p.Cfg.WorkspaceDir, payload.ProjectID)
	if err != nil {
		log.Printf("状态存储初始化失败: %v", err)
		return fmt.Errorf("state store init: %v: %w", err, asynq.SkipRetry)
	}

	orch := p.buildOrchestrator(store)

	// 注册取消入口（DELETE API 通过 CancelProjectRun 触发）
	runCtx, cancel := context.WithCancel(ctx)
	RegisterRunCancel(payload.ProjectID, cancel)
	defer UnregisterRunCancel(payload.ProjectID)
	defer cancel()

	if err := orch.Execute(runCtx, payload.Prompt); err != nil {
		log.Printf("项目 %s 执行失败: %v", payload.ProjectID, err)
		return nil // 业务失败，不再重试
	}

	log.Printf("Project %s completed successfully", payload.ProjectID)
	return nil
}

// buildOrchestrator 组装各阶段。LLM/TTS/ASR/视频生成统一走 Worker 服务，
// 剪辑合成走本地 ffmpeg。
func (p *Processor) buildOrchestrator(store *StateStore) *Orchestrator {
	worker := NewWorkerClient(config.AppConfig.Worker.Addr, p.Cfg)
	composer := NewFFmpegComposer()

	orch := NewOrchestrator(store, p.Cfg,
		NewScriptStage(worker),
		NewVoiceStage(worker, worker, composer, p.Cfg.Voice),
		NewStoryboardStage(worker, p.Cfg.DurationTolerance),
		NewClipStage(worker, composer, p.Cfg.AspectRatio),
		composer,
	)

	if MinioClient != nil {
		orch.SetUploader(NewMinioUploader(MinioClient, config.AppConfig.MinIO.Bucket))
	}
	if p.DB != nil {
		db := p.DB
		orch.SetIndexSync(func(projectID, status, currentPhase, videoURL, errMsg string) {
			if err := models.SyncProjectIndex(db, projectID, status, currentPhase, videoURL, errMsg); err != nil {
				log.Printf("[processor] 项目索引同步失败（忽略）: %v", err)
			}
		})
	}
	return orch
}
