package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"time"

	"PromptToVideo-server/config"
)

// Uploader 成片上传（MinIO）。为 nil 时只保留本地路径。
type Uploader interface {
	UploadFile(ctx context.Context, localPath, objectName string) (string, error)
}

// IndexSyncFunc 把关键状态变化回写到项目索引表，失败只记日志
type IndexSyncFunc func(projectID, status, currentPhase, videoURL, errMsg string)

// Orchestrator 串行驱动五个阶段：story → voice → storyboard → clips → final_assembly。
// 阶段顺序是写死的，音频先行（配音在分镜之前）是这条流水线的前提，
// 所有状态转移都走 StateStore 落盘，崩溃后可从状态文档恢复判断进度。
type Orchestrator struct {
	store      *StateStore
	cfg        config.Pipeline
	script     *ScriptStage
	voice      *VoiceStage
	storyboard *StoryboardStage
	clips      *ClipStage
	composer   MediaComposer
	uploader   Uploader
	indexSync  IndexSyncFunc
}

func NewOrchestrator(store *StateStore, cfg config.Pipeline, script *ScriptStage, voice *VoiceStage, storyboard *StoryboardStage, clips *ClipStage, composer MediaComposer) *Orchestrator {
	return &Orchestrator{
		store:      store,
		cfg:        cfg,
		script:     script,
		voice:      voice,
		storyboard: storyboard,
		clips:      clips,
		composer:   composer,
	}
}

func (o *Orchestrator) SetUploader(u Uploader)        { o.uploader = u }
func (o *Orchestrator) SetIndexSync(fn IndexSyncFunc) { o.indexSync = fn }

// Execute 跑完整条流水线。业务失败（阶段失败、无可用片段）会把项目
// 置为 failed 并返回错误；取消置为 cancelled。
func (o *Orchestrator) Execute(ctx context.Context, userInput string) error {
	projectID := o.store.ProjectID()
	log.Printf("[orchestrator] 项目 %s 开始执行: %s", projectID, userInput)

	if err := o.store.MergeUpdate(StateUpdate{Status: StatusProcessing, UserInput: userInput}); err != nil {
		return err
	}
	o.syncIndex(StatusProcessing, "", "", "")

	// ---- story ----
	script, err := o.runStoryPhase(ctx, userInput)
	if err != nil {
		return err
	}
	if err := o.checkCancelled(ctx); err != nil {
		return err
	}

	// ---- voice（音频先行，必须在分镜之前）----
	audioMeta, err := o.runVoicePhase(ctx, script.Scenes)
	if err != nil {
		return err
	}
	if err := o.checkCancelled(ctx); err != nil {
		return err
	}

	// ---- storyboard ----
	scenes, err := o.runStoryboardPhase(ctx, script.Scenes, audioMeta)
	if err != nil {
		return err
	}
	if err := o.checkCancelled(ctx); err != nil {
		return err
	}

	// ---- clips ----
	sceneClips, err := o.runClipsPhase(ctx, scenes, audioMeta)
	if err != nil {
		return err
	}
	if err := o.checkCancelled(ctx); err != nil {
		return err
	}

	// ---- final_assembly ----
	return o.runFinalAssembly(ctx, sceneClips)
}

func (o *Orchestrator) runStoryPhase(ctx context.Context, userInput string) (*Script, error) {
	if err := o.store.StartPhase(PhaseStory); err != nil {
		return nil, err
	}
	o.syncIndex(StatusProcessing, PhaseStory, "", "")

	script, err := o.script.Run(ctx, userInput, "professional")
	if err != nil {
		return nil, o.failPhase(PhaseStory, err)
	}

	// 脚本场景落入状态文档，后续阶段的局部更新按 scene_id 合并
	sceneUpdates := make([]SceneUpdate, len(script.Scenes))
	for i := range script.Scenes {
		sc := script.Scenes[i]
		sceneUpdates[i] = SceneUpdate{SceneID: sc.SceneID, Scene: &sc}
	}
	if err := o.store.MergeUpdate(StateUpdate{Scenes: sceneUpdates}); err != nil {
		return nil, err
	}

	if err := o.store.CompletePhase(PhaseStory, map[string]interface{}{
		"topic":        script.Topic,
		"scenes_count": len(script.Scenes),
	}); err != nil {
		return nil, err
	}
	return script, nil
}

func (o *Orchestrator) runVoicePhase(ctx context.Context, scenes []Scene) (map[string]AudioMetadata, error) {
	if err := o.store.StartPhase(PhaseVoice); err != nil {
		return nil, err
	}
	o.syncIndex(StatusProcessing, PhaseVoice, "", "")

	audioMeta, err := o.voice.Run(ctx, scenes, o.store.Dir())
	if err != nil {
		return nil, o.failPhase(PhaseVoice, err)
	}

	sceneUpdates := make([]SceneUpdate, 0, len(audioMeta))
	for _, meta := range audioMeta {
		sceneUpdates = append(sceneUpdates, SceneUpdate{
			SceneID:       meta.SceneID,
			AudioPath:     meta.AudioPath,
			ASRPath:       meta.ASRPath,
			AudioDuration: meta.Duration,
		})
	}
	if err := o.store.MergeUpdate(StateUpdate{Scenes: sceneUpdates}); err != nil {
		return nil, err
	}

	if err := o.store.CompletePhase(PhaseVoice, map[string]interface{}{
		"scenes_processed": len(audioMeta),
	}); err != nil {
		return nil, err
	}
	return audioMeta, nil
}

func (o *Orchestrator) runStoryboardPhase(ctx context.Context, scenes []Scene, audioMeta map[string]AudioMetadata) ([]Scene, error) {
	if err := o.store.StartPhase(PhaseStoryboard); err != nil {
		return nil, err
	}
	o.syncIndex(StatusProcessing, PhaseStoryboard, "", "")

	out, err := o.storyboard.Run(ctx, scenes, audioMeta)
	if err != nil {
		return nil, o.failPhase(PhaseStoryboard, err)
	}

	totalShots := 0
	sceneUpdates := make([]SceneUpdate, len(out))
	for i, sc := range out {
		totalShots += len(sc.Shots)
		sceneUpdates[i] = SceneUpdate{SceneID: sc.SceneID, Shots: sc.Shots}
	}
	if err := o.store.MergeUpdate(StateUpdate{Scenes: sceneUpdates}); err != nil {
		return nil, err
	}

	if err := o.store.CompletePhase(PhaseStoryboard, map[string]interface{}{
		"scenes_count": len(out),
		"total_shots":  totalShots,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) runClipsPhase(ctx context.Context, scenes []Scene, audioMeta map[string]AudioMetadata) ([]SceneClip, error) {
	if err := o.store.StartPhase(PhaseClips); err != nil {
		return nil, err
	}
	o.syncIndex(StatusProcessing, PhaseClips, "", "")

	var clips []SceneClip
	for _, scene := range scenes {
		if err := ctx.Err(); err != nil {
			return nil, o.markCancelled(err)
		}
		clip, err := o.clips.Run(ctx, scene, audioMeta[scene.SceneID], o.store.Dir())
		if err != nil {
			return nil, o.failPhase(PhaseClips, err)
		}
		if clip == nil {
			log.Printf("[orchestrator] 场景 %s 无成片，跳过", scene.SceneID)
			continue
		}
		clips = append(clips, *clip)
		if err := o.store.MergeUpdate(StateUpdate{Scenes: []SceneUpdate{{
			SceneID:  clip.SceneID,
			ClipPath: clip.ClipPath,
			Status:   "completed",
		}}}); err != nil {
			return nil, err
		}
	}

	if err := o.store.CompletePhase(PhaseClips, map[string]interface{}{
		"total_scenes":   len(scenes),
		"clips_produced": len(clips),
	}); err != nil {
		return nil, err
	}
	return clips, nil
}

func (o *Orchestrator) runFinalAssembly(ctx context.Context, clips []SceneClip) error {
	if err := o.store.StartPhase(PhaseFinalAssembly); err != nil {
		return err
	}
	o.syncIndex(StatusProcessing, PhaseFinalAssembly, "", "")

	if len(clips) == 0 {
		return o.failPhase(PhaseFinalAssembly, pipelineErr("final assembly", fmt.Errorf("no video clips to compile")))
	}

	finalPath := filepath.Join(o.store.Dir(), "final_video.mp4")
	if len(clips) == 1 {
		if err := copyFile(clips[0].ClipPath, finalPath); err != nil {
			return o.failPhase(PhaseFinalAssembly, pipelineErr("final assembly", err))
		}
	} else {
		paths := make([]string, len(clips))
		for i, c := range clips {
			paths[i] = c.ClipPath
		}
		if err := o.composer.ConcatVideos(ctx, paths, finalPath); err != nil {
			return o.failPhase(PhaseFinalAssembly, pipelineErr("final assembly", err))
		}
	}

	videoURL := ""
	if o.uploader != nil {
		objectName := o.store.ProjectID() + "/final_video.mp4"
		url, err := o.uploader.UploadFile(ctx, finalPath, objectName)
		if err != nil {
			// 上传失败不影响成片，本地路径仍然有效
			log.Printf("[orchestrator] 成片上传失败（忽略）: %v", err)
		} else {
			videoURL = url
		}
	}

	output := map[string]interface{}{
		"final_video_path": finalPath,
		"total_scenes":     len(clips),
	}
	if videoURL != "" {
		output["video_url"] = videoURL
	}
	if err := o.store.CompletePhase(PhaseFinalAssembly, output); err != nil {
		return err
	}
	if err := o.store.SetFinalOutput(output); err != nil {
		return err
	}
	o.syncIndex(StatusCompleted, "", videoURL, "")
	log.Printf("[orchestrator] 项目 %s 执行完成: %s", o.store.ProjectID(), finalPath)
	return nil
}

// failPhase 阶段失败后的收尾：记阶段失败、项目置 failed、回写索引
func (o *Orchestrator) failPhase(phase string, cause error) error {
	msg := cause.Error()
	if err := o.store.FailPhase(phase, msg); err != nil {
		log.Printf("[orchestrator] 记录阶段失败出错: %v", err)
	}
	if err := o.store.MergeUpdate(StateUpdate{Status: StatusFailed, Error: msg}); err != nil {
		log.Printf("[orchestrator] 更新项目状态出错: %v", err)
	}
	o.store.AppendHistory("orchestrator", "project_failed", map[string]interface{}{
		"phase": phase,
		"error": msg,
	})
	o.syncIndex(StatusFailed, phase, "", msg)
	return cause
}

func (o *Orchestrator) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return o.markCancelled(err)
	}
	return nil
}

func (o *Orchestrator) markCancelled(cause error) error {
	if err := o.store.MergeUpdate(StateUpdate{Status: StatusCancelled, Error: "cancelled"}); err != nil {
		log.Printf("[orchestrator] 记录取消状态出错: %v", err)
	}
	o.store.AppendHistory("orchestrator", "project_cancelled", nil)
	o.syncIndex(StatusCancelled, "", "", "cancelled")
	log.Printf("[orchestrator] 项目 %s 已取消", o.store.ProjectID())
	return cause
}

func (o *Orchestrator) syncIndex(status, phase, videoURL, errMsg string) {
	if o.indexSync != nil {
		o.indexSync(o.store.ProjectID(), status, phase, videoURL, errMsg)
	}
}

// ---- 状态投影 ----

// StatusProjection 对外暴露的只读状态视图
type StatusProjection struct {
	ProjectID    string                  `json:"project_id"`
	Status       string                  `json:"status"`
	CurrentPhase string                  `json:"current_phase,omitempty"`
	Progress     float64                 `json:"progress"`
	Phases       map[string]*PhaseRecord `json:"phases"`
	FinalOutput  map[string]interface{}  `json:"final_output,omitempty"`
	Error        string                  `json:"error,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

func ProjectStatus(state *ProjectState) StatusProjection {
	return StatusProjection{
		ProjectID:    state.ProjectID,
		Status:       state.Status,
		CurrentPhase: state.CurrentPhase,
		Progress:     CalculateProgress(state),
		Phases:       state.Phases,
		FinalOutput:  state.FinalOutput,
		Error:        state.Error,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
	}
}

// CalculateProgress 按阶段权重估算进度：完成计全额，进行中计半额，
// final_assembly 不占权重（收尾极快），结果保留两位小数。
func CalculateProgress(state *ProjectState) float64 {
	if state.Status == StatusCompleted {
		return 1.0
	}
	var progress float64
	for name, weight := range phaseWeights {
		rec, ok := state.Phases[name]
		if !ok {
			continue
		}
		switch rec.Status {
		case PhaseStatusCompleted:
			progress += weight
		case PhaseStatusInProgress:
			progress += weight / 2
		}
	}
	return math.Round(progress*100) / 100
}
