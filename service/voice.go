package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// VoiceStage 配音阶段。音频先行：每个场景先合成旁白音频并实测时长，
// 实测值是后续分镜和剪辑阶段的时长权威，脚本里的估计值只做兜底。
type VoiceStage struct {
	tts      SpeechSynthesizer
	asr      Transcriber
	composer MediaComposer
	voice    string
}

func NewVoiceStage(tts SpeechSynthesizer, asr Transcriber, composer MediaComposer, voice string) *VoiceStage {
	return &VoiceStage{tts: tts, asr: asr, composer: composer, voice: voice}
}

// Run 逐场景合成配音，返回 scene_id → 音频元数据。
// 旁白为空的场景跳过（不在返回 map 里出现）；合成失败直接报错，
// 因为没有音频就没有权威时长，后续阶段无法继续。
func (s *VoiceStage) Run(ctx context.Context, scenes []Scene, workDir string) (map[string]AudioMetadata, error) {
	if len(scenes) == 0 {
		return nil, validationErr("voice synthesis", fmt.Errorf("no scenes provided"))
	}

	audioDir := filepath.Join(workDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, pipelineErr("voice synthesis", err)
	}

	metadata := make(map[string]AudioMetadata, len(scenes))
	for _, scene := range scenes {
		text := strings.TrimSpace(scene.VoiceOverText)
		if text == "" {
			log.Printf("[voice] 场景 %s 旁白为空，跳过配音", scene.SceneID)
			continue
		}

		audioPath := filepath.Join(audioDir, scene.SceneID+"_voice.mp3")
		if err := s.tts.SynthesizeSpeech(ctx, text, s.voice, audioPath); err != nil {
			return nil, fmt.Errorf("synthesize scene %s: %w", scene.SceneID, err)
		}

		duration := s.measureDuration(ctx, audioPath)
		meta := AudioMetadata{
			SceneID:    scene.SceneID,
			AudioPath:  audioPath,
			Duration:   duration,
			TextLength: len(text),
			WordCount:  len(strings.Fields(text)),
		}

		// 字幕识别失败不阻断流程
		if s.asr != nil {
			asrPath := filepath.Join(audioDir, scene.SceneID+"_asr.json")
			if _, err := s.asr.Transcribe(ctx, audioPath, asrPath); err != nil {
				log.Printf("[voice] 场景 %s 字幕识别失败（忽略）: %v", scene.SceneID, err)
			} else {
				meta.ASRPath = asrPath
			}
		}

		metadata[scene.SceneID] = meta
		log.Printf("[voice] 场景 %s 配音完成: %.2fs (%d words)", scene.SceneID, duration, meta.WordCount)
	}

	return metadata, nil
}

// measureDuration 用 ffprobe 实测；探测不到就按 128kbps 码率从文件大小估算
func (s *VoiceStage) measureDuration(ctx context.Context, audioPath string) float64 {
	if s.composer != nil {
		if d, err := s.composer.ProbeDuration(ctx, audioPath); err == nil && d > 0 {
			return d
		} else if err != nil {
			log.Printf("[voice] ffprobe 失败，改用文件大小估算: %v", err)
		}
	}
	info, err := os.Stat(audioPath)
	if err != nil || info.Size() == 0 {
		return 0
	}
	return float64(info.Size()) / 16000.0
}
