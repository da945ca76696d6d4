package service

import (
	"context"
	"fmt"
	"log"
	"math"
)

// StoryboardStage 分镜阶段。音频先行的核心落点在这里：
// 每个场景的分镜总时长必须收敛到配音实测时长，而不是脚本估计值。
type StoryboardStage struct {
	llm       TextGenerator
	tolerance float64
}

func NewStoryboardStage(llm TextGenerator, tolerance float64) *StoryboardStage {
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &StoryboardStage{llm: llm, tolerance: tolerance}
}

// Run 为每个场景产出分镜列表，返回带 shots 的场景副本。
// 场景自带 shots 时沿用（仍做 ID 归一和时长收敛），否则走 LLM 规划，
// 规划失败退回单镜头兜底。
func (s *StoryboardStage) Run(ctx context.Context, scenes []Scene, audioMeta map[string]AudioMetadata) ([]Scene, error) {
	if len(scenes) == 0 {
		return nil, validationErr("storyboard planning", fmt.Errorf("no scenes provided"))
	}

	out := make([]Scene, len(scenes))
	for i, scene := range scenes {
		// 实测音频时长覆盖脚本估计
		if meta, ok := audioMeta[scene.SceneID]; ok && meta.Duration > 0 {
			scene.AudioDuration = meta.Duration
			if meta.AudioPath != "" {
				scene.AudioPath = meta.AudioPath
			}
			if meta.ASRPath != "" {
				scene.ASRPath = meta.ASRPath
			}
		}
		target := scene.AuthoritativeDuration()

		var shots []Shot
		if len(scene.Shots) > 0 {
			shots = scene.Shots
			log.Printf("[storyboard] 场景 %s 已带 %d 个分镜，跳过规划", scene.SceneID, len(shots))
		} else {
			planned, err := s.planShots(ctx, &scene, target)
			if err != nil {
				if !recoverable(err) {
					return nil, err
				}
				log.Printf("[storyboard] 场景 %s 规划失败，使用兜底分镜: %v", scene.SceneID, err)
				planned = []Shot{defaultShot(&scene, target)}
			}
			shots = planned
		}

		normalizeShotIDs(shots, scene.SceneID)
		rescaleShotDurations(shots, target, s.tolerance)
		scene.Shots = shots
		out[i] = scene
		log.Printf("[storyboard] 场景 %s 分镜完成: %d shots, 目标时长 %.2fs", scene.SceneID, len(shots), target)
	}

	return out, nil
}

func (s *StoryboardStage) planShots(ctx context.Context, scene *Scene, target float64) ([]Shot, error) {
	prompt := fmt.Sprintf(`Break this scene into 1-3 camera shots for video generation:

Scene: %s
Narration: %s
Mood: %s
Total duration: %.1f seconds (MUST be fully covered by the shots)

Output ONLY valid JSON with this EXACT structure:

{
  "shots": [
    {
      "shot_id": "%s_shot_001",
      "shot_description": "<what happens in this shot>",
      "visual_description": "<detailed visual for video generation>",
      "duration": <seconds>,
      "camera_movement": "<static|pan|zoom|tracking>",
      "camera_angle": "<eye-level|low|high|aerial>",
      "shot_type": "<wide|medium|close-up>",
      "lighting": "<lighting description>",
      "mood": "%s"
    }
  ]
}

Shot durations must sum to %.1f. Return ONLY the JSON, no markdown.`,
		scene.SceneDescription, scene.VoiceOverText, scene.Mood, target, scene.SceneID, scene.Mood, target)

	resp, err := s.llm.GenerateText(ctx, prompt, "storyboard_planning")
	if err != nil {
		return nil, err
	}

	// 兼容 {"shots":[...]} 和裸数组两种响应
	var wrapped struct {
		Shots []Shot `json:"shots"`
	}
	if err := decodeJSONResponse(resp, &wrapped); err == nil && len(wrapped.Shots) > 0 {
		return wrapped.Shots, nil
	}
	var bare []Shot
	if err := decodeJSONResponse(resp, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}
	return nil, validationErr("storyboard planning", fmt.Errorf("scene %s: response contains no usable shots", scene.SceneID))
}

// defaultShot 单镜头兜底：铺满整段配音时长
func defaultShot(scene *Scene, target float64) Shot {
	return Shot{
		ShotID:            scene.SceneID + "_shot_001",
		ShotDescription:   scene.SceneDescription,
		VisualDescription: scene.SceneDescription,
		Duration:          target,
		CameraMovement:    "static",
		CameraAngle:       "eye-level",
		ShotType:          "medium",
		Lighting:          "natural",
		Mood:              scene.Mood,
	}
}

// normalizeShotIDs 按列表位置统一编号，LLM 回什么 ID 都不认
func normalizeShotIDs(shots []Shot, sceneID string) {
	for i := range shots {
		shots[i].ShotID = fmt.Sprintf("%s_shot_%03d", sceneID, i+1)
	}
}

// rescaleShotDurations 把各分镜时长收敛到 target 总和。
// 偏差在容差内不动；都没给时长就均分；否则按比例缩放，
// 尾镜头吸收舍入残差，保证总和精确等于 target。
func rescaleShotDurations(shots []Shot, target, tolerance float64) {
	if len(shots) == 0 || target <= 0 {
		return
	}

	var sum float64
	for _, sh := range shots {
		if sh.Duration > 0 {
			sum += sh.Duration
		}
	}

	if sum <= 0 {
		per := target / float64(len(shots))
		for i := range shots {
			shots[i].Duration = per
		}
		return
	}

	if math.Abs(sum-target) <= tolerance {
		return
	}

	scale := target / sum
	var acc float64
	for i := range shots {
		if i == len(shots)-1 {
			shots[i].Duration = target - acc
			break
		}
		d := shots[i].Duration * scale
		shots[i].Duration = d
		acc += d
	}
}
