package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// ScriptStage 脚本生成阶段：用户 prompt → 结构化场景脚本。
// LLM 响应按不可信文本处理：剥掉 markdown 包裹、结构化解码、schema 校验，
// 任何一步失败都退回确定性兜底脚本，保证下游永远拿到非空结构。
type ScriptStage struct {
	llm TextGenerator
}

func NewScriptStage(llm TextGenerator) *ScriptStage {
	return &ScriptStage{llm: llm}
}

func (s *ScriptStage) Run(ctx context.Context, topic, style string) (*Script, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, validationErr("script generation", fmt.Errorf("topic is required"))
	}
	if style == "" {
		style = "professional"
	}

	log.Printf("[script] 生成脚本: %s (style: %s)", topic, style)

	script, err := s.generateWithLLM(ctx, topic, style)
	if err != nil {
		if !recoverable(err) {
			return nil, err
		}
		log.Printf("[script] 生成失败，使用兜底脚本: %v", err)
		script = FallbackScript(topic, style)
	}

	log.Printf("[script] 脚本生成完成，共 %d 个场景", len(script.Scenes))
	return script, nil
}

func (s *ScriptStage) generateWithLLM(ctx context.Context, topic, style string) (*Script, error) {
	prompt := fmt.Sprintf(`Generate a video script for the following topic:

Topic: %s
Style: %s

Create 1-3 scenes that tell a compelling story.
Output ONLY valid JSON with this EXACT structure (no extra text):

{
  "topic": "%s",
  "style": "%s",
  "total_duration": <number between 30-90>,
  "scenes": [
    {
      "scene_id": "scene_001",
      "scene_description": "<visual description>",
      "voice_over_text": "<narration text>",
      "duration": <seconds>,
      "mood": "<mood description>",
      "visual_style": "%s"
    }
  ]
}

IMPORTANT: Return ONLY the JSON object, no markdown formatting, no explanation.`,
		topic, style, topic, style, style)

	resp, err := s.llm.GenerateText(ctx, prompt, "script_generation")
	if err != nil {
		return nil, err
	}

	var script Script
	if err := decodeJSONResponse(resp, &script); err != nil {
		return nil, validationErr("script generation", err)
	}

	// LLM 可能只回 scenes，补齐 topic/style
	if script.Topic == "" {
		script.Topic = topic
	}
	if script.Style == "" {
		script.Style = style
	}

	if err := validateScript(&script); err != nil {
		return nil, validationErr("script generation", err)
	}
	return &script, nil
}

// decodeJSONResponse 剥掉 ```json 代码块包裹后做结构化解码
func decodeJSONResponse(resp string, v interface{}) error {
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "```json") {
		resp = resp[len("```json"):]
	} else if strings.HasPrefix(resp, "```") {
		resp = resp[3:]
	}
	resp = strings.TrimSuffix(strings.TrimSpace(resp), "```")
	resp = strings.TrimSpace(resp)
	return json.Unmarshal([]byte(resp), v)
}

func validateScript(script *Script) error {
	if script.Topic == "" {
		return fmt.Errorf("missing required field: topic")
	}
	if script.Style == "" {
		return fmt.Errorf("missing required field: style")
	}
	if len(script.Scenes) == 0 {
		return fmt.Errorf("scenes must be a non-empty list")
	}
	for i, sc := range script.Scenes {
		if sc.SceneID == "" {
			return fmt.Errorf("scene %d missing field: scene_id", i)
		}
		if sc.SceneDescription == "" {
			return fmt.Errorf("scene %d missing field: scene_description", i)
		}
		if sc.VoiceOverText == "" {
			return fmt.Errorf("scene %d missing field: voice_over_text", i)
		}
	}
	return nil
}

// FallbackScript 确定性兜底脚本：固定三个场景，旁白非空，下游照常可用
func FallbackScript(topic, style string) *Script {
	return &Script{
		Topic:         topic,
		Style:         style,
		TotalDuration: 24,
		Scenes: []Scene{
			{
				SceneID:          "scene_001",
				SceneDescription: fmt.Sprintf("Opening scene introducing %s", topic),
				VoiceOverText:    fmt.Sprintf("Welcome to our exploration of %s", topic),
				Duration:         8.0,
				Mood:             "engaging",
				VisualStyle:      style,
			},
			{
				SceneID:          "scene_002",
				SceneDescription: fmt.Sprintf("Main content about %s", topic),
				VoiceOverText:    fmt.Sprintf("Let's dive deeper into %s and understand its importance", topic),
				Duration:         10.0,
				Mood:             "informative",
				VisualStyle:      style,
			},
			{
				SceneID:          "scene_003",
				SceneDescription: fmt.Sprintf("Closing scene summarizing %s", topic),
				VoiceOverText:    fmt.Sprintf("This is just the beginning of understanding %s", topic),
				Duration:         6.0,
				Mood:             "inspiring",
				VisualStyle:      style,
			},
		},
	}
}
